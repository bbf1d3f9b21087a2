package message

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes requests from their terminal replies.
type Kind string

const (
	KindRequest Kind = "req"
	KindReply   Kind = "rep"
	KindFail    Kind = "fail"
)

func (k Kind) Valid() bool {
	switch k {
	case KindRequest, KindReply, KindFail:
		return true
	default:
		return false
	}
}

// Terminal reports whether k completes a pending request.
func (k Kind) Terminal() bool {
	return k == KindReply || k == KindFail
}

var (
	ErrEmptyEvent         = errors.New("message: empty event")
	ErrEmptyCorrelationID = errors.New("message: empty correlation id")
	ErrInvalidKind        = errors.New("message: invalid kind")
)

// Payload is an application value already encoded with the connection's Encoding.
type Payload []byte

// Message is the logical envelope carried by one frame.
type Message struct {
	Event         string
	Kind          Kind
	CorrelationID string
	Payload       Payload
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.Event) == "" {
		return ErrEmptyEvent
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, m.Kind)
	}
	if strings.TrimSpace(m.CorrelationID) == "" {
		return ErrEmptyCorrelationID
	}
	return nil
}

func (m Message) Equal(o Message) bool {
	return m.Event == o.Event &&
		m.Kind == o.Kind &&
		m.CorrelationID == o.CorrelationID &&
		bytes.Equal(m.Payload, o.Payload)
}

func (m Message) String() string {
	return fmt.Sprintf("%s %s id=%s payload=%dB", m.Kind, m.Event, m.CorrelationID, len(m.Payload))
}
