package worker

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/sync/pull"
	"github.com/truar/DepotVente-sub001/internal/sync/push"
)

// MessageType identifies a message crossing the worker boundary.
type MessageType string

// Inbound messages, sent by the UI host to the worker.
const (
	MsgSetToken      MessageType = "SET_TOKEN"
	MsgStartSync     MessageType = "START_SYNC"
	MsgStopSync      MessageType = "STOP_SYNC"
	MsgInitialSync   MessageType = "INITIAL_SYNC"
	MsgProcessOutbox MessageType = "PROCESS_OUTBOX"
	MsgSetOnline     MessageType = "SET_ONLINE"
)

// Outbound messages, sent by the worker to the UI host.
const (
	MsgSyncComplete MessageType = "SYNC_COMPLETE"
	MsgSyncError    MessageType = "SYNC_ERROR"
)

func (m MessageType) String() string {
	return string(m)
}

func (m MessageType) inbound() bool {
	switch m {
	case MsgSetToken, MsgStartSync, MsgStopSync, MsgInitialSync, MsgProcessOutbox, MsgSetOnline:
		return true
	}
	return false
}

// Message is an inbound command.
type Message struct {
	Type MessageType `json:"type"`
	// Payload carries the bearer token for SET_TOKEN.
	Payload string `json:"payload,omitempty"`
	// Online carries the connectivity flag for SET_ONLINE.
	Online *bool `json:"online,omitempty"`
}

// SetToken builds a SET_TOKEN message.
func SetToken(token string) Message {
	return Message{Type: MsgSetToken, Payload: token}
}

// SetOnline builds a SET_ONLINE message.
func SetOnline(online bool) Message {
	return Message{Type: MsgSetOnline, Online: &online}
}

// DecodeMessage parses and validates an inbound message.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, apperrors.Wrap(apperrors.ErrParse, "decode worker message", err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// Validate checks that m is a known inbound message with its required fields.
func (m Message) Validate() error {
	if !m.Type.inbound() {
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown message type %q", m.Type))
	}
	if m.Type == MsgSetOnline && m.Online == nil {
		return apperrors.New(apperrors.ErrValidation, "SET_ONLINE requires online")
	}
	return nil
}

// Outbound is a notification from the worker.
type Outbound struct {
	Type  MessageType  `json:"type"`
	Kind  string       `json:"kind,omitempty"`
	Error string       `json:"error,omitempty"`
	Class string       `json:"class,omitempty"`
	Push  *push.Result `json:"push,omitempty"`
	Pull  *pull.Result `json:"pull,omitempty"`
}
