// Package notify keeps a long-lived subscription to the server's change stream
// and reconnects with capped exponential backoff.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/logging"
)

// State is the connection state of the stream client.
type State string

const (
	StateWaitingForToken    State = "waiting-for-token"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
	StateReconnectScheduled State = "reconnect-scheduled"
	StateStopped            State = "stopped"
)

const (
	baseReconnectDelay = time.Second
	maxReconnectDelay  = 30 * time.Second
)

// ReconnectDelay returns min(1s * 2^attempt, 30s).
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 5 {
		return maxReconnectDelay
	}
	d := baseReconnectDelay << uint(attempt)
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

// Options configures a Client.
type Options struct {
	URL        string
	HTTPClient *http.Client
	Token      func() string
	OnMessage  func(json.RawMessage)
	OnState    func(State, error)
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client is a server-sent-events subscriber.
type Client struct {
	url        string
	httpClient *http.Client
	token      func() string
	onMessage  func(json.RawMessage)
	onState    func(State, error)
	sleep      func(context.Context, time.Duration) error

	tokenCh chan struct{}

	mu    sync.RWMutex
	state State
}

// New creates a Client. The HTTP client must not set a total timeout, since
// the response body stays open for as long as the stream lives.
func New(opts Options) *Client {
	c := &Client{
		url:        opts.URL,
		httpClient: opts.HTTPClient,
		token:      opts.Token,
		onMessage:  opts.OnMessage,
		onState:    opts.OnState,
		sleep:      opts.Sleep,
		tokenCh:    make(chan struct{}, 1),
		state:      StateStopped,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.token == nil {
		c.token = func() string { return "" }
	}
	if c.sleep == nil {
		c.sleep = sleep
	}
	return c
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// TokenChanged wakes a client waiting for a token or for its reconnect delay.
func (c *Client) TokenChanged() {
	select {
	case c.tokenCh <- struct{}{}:
	default:
	}
}

func (c *Client) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(s, err)
	}
}

// Run connects and reconnects until ctx is cancelled. Cancellation is a normal
// exit and returns nil.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateStopped, nil)
			return nil
		}

		token := c.token()
		if token == "" {
			c.setState(StateWaitingForToken, nil)
			select {
			case <-ctx.Done():
			case <-c.tokenCh:
			}
			continue
		}

		c.setState(StateConnecting, nil)
		err := c.stream(ctx, token, func() {
			attempt = 0
			c.setState(StateConnected, nil)
		})
		if ctx.Err() != nil {
			c.setState(StateStopped, nil)
			return nil
		}

		delay := ReconnectDelay(attempt)
		attempt++
		logging.Warn("Change stream disconnected", map[string]interface{}{
			"error":    errString(err),
			"attempt":  attempt,
			"retry_ms": delay.Milliseconds(),
		})
		c.setState(StateReconnectScheduled, err)

		waitCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-c.tokenCh:
				cancel()
			case <-waitCtx.Done():
			}
		}()
		c.sleep(waitCtx, delay)
		cancel()
	}
}

// stream holds one connection open and feeds the body to a Decoder. It always
// returns a non-nil error describing why the stream ended.
func (c *Client) stream(ctx context.Context, token string, onConnected func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "create stream request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "connect change stream", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperrors.HTTPStatus(resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		return apperrors.New(apperrors.ErrParse, fmt.Sprintf("unexpected content type %q", ct))
	}

	onConnected()
	logging.Info("Change stream connected", map[string]interface{}{"url": c.url})

	if _, err := io.Copy(NewDecoder(c.onMessage), resp.Body); err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "read change stream", err)
	}
	return apperrors.New(apperrors.ErrNetwork, "change stream closed by server")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
