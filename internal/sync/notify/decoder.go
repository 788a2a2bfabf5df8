package notify

import (
	"bytes"
	"encoding/json"
	"strings"

	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/logging"
)

// MaxLineBytes caps an incomplete line. A longer line is dropped up to its
// next newline.
const MaxLineBytes = 1 << 20

// Decoder turns a chunked event-stream body into data frames. It implements
// io.Writer so a response body can be copied into it; bytes after the last
// newline are held until the next chunk completes the line.
type Decoder struct {
	buf       []byte
	skipping  bool
	onMessage func(json.RawMessage)
}

// NewDecoder creates a Decoder that calls onMessage for each data frame.
func NewDecoder(onMessage func(json.RawMessage)) *Decoder {
	return &Decoder{onMessage: onMessage}
}

// Write consumes a chunk. It never fails: a malformed frame is logged and
// skipped.
func (d *Decoder) Write(p []byte) (int, error) {
	n := len(p)
	if d.skipping {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			return n, nil
		}
		d.skipping = false
		p = p[i+1:]
	}
	d.buf = append(d.buf, p...)
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		d.line(line)
	}
	if len(d.buf) > MaxLineBytes {
		err := apperrors.New(apperrors.ErrParse, "stream line exceeds limit")
		logging.ErrorWithCode("Change stream: dropping oversized line", string(apperrors.ErrParse), err,
			map[string]interface{}{"bytes": len(d.buf), "limit": MaxLineBytes})
		d.buf = nil
		d.skipping = true
	}
	return n, nil
}

// Pending returns the bytes of an incomplete trailing line.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func (d *Decoder) line(line string) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, "data:") {
		return
	}
	payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
	if payload == "" {
		return
	}

	if !json.Valid([]byte(payload)) {
		err := apperrors.New(apperrors.ErrParse, "invalid JSON in stream frame")
		logging.ErrorWithCode("Change stream: dropping frame", string(apperrors.ErrParse), err,
			map[string]interface{}{"frame": truncate(payload, 120)})
		return
	}
	if d.onMessage != nil {
		d.onMessage(json.RawMessage(payload))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
