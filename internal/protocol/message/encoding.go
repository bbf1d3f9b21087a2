package message

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Encoding serialises payload values and whole message bodies.
// Payloads inside a body always use the same Encoding as the body.
type Encoding interface {
	Name() string
	Marshal(v any) (Payload, error)
	Unmarshal(p Payload, v any) error
	EncodeBody(m Message) ([]byte, error)
	DecodeBody(b []byte) (Message, error)
}

// EncodingByName resolves a configured encoding name; empty selects JSON.
func EncodingByName(name string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EncodingJSON:
		return JSON{}, nil
	case EncodingMsgpack:
		return Msgpack{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}
}

// JSON embeds the payload as a raw JSON value in the body.
type JSON struct{}

type jsonBody struct {
	Event         string          `json:"event"`
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func (JSON) Name() string { return EncodingJSON }

func (JSON) Marshal(v any) (Payload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Payload(b), nil
}

func (JSON) Unmarshal(p Payload, v any) error {
	if len(p) == 0 {
		p = Payload("null")
	}
	return json.Unmarshal(p, v)
}

func (JSON) EncodeBody(m Message) ([]byte, error) {
	return json.Marshal(jsonBody{
		Event:         m.Event,
		Kind:          m.Kind,
		CorrelationID: m.CorrelationID,
		Payload:       json.RawMessage(m.Payload),
	})
}

var jsonBodyKeys = map[string]struct{}{
	"event":         {},
	"kind":          {},
	"correlationId": {},
	"payload":       {},
}

// DecodeBody accepts only the four wire keys, matched case-sensitively.
func (JSON) DecodeBody(b []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return Message{}, err
	}
	for key := range fields {
		if _, ok := jsonBodyKeys[key]; !ok {
			return Message{}, fmt.Errorf("%w: %q", ErrUnknownBodyKey, key)
		}
	}
	var body jsonBody
	if err := json.Unmarshal(b, &body); err != nil {
		return Message{}, err
	}
	return Message{
		Event:         body.Event,
		Kind:          body.Kind,
		CorrelationID: body.CorrelationID,
		Payload:       Payload(body.Payload),
	}, nil
}

// Msgpack carries the payload as a nested msgpack document in a binary field.
type Msgpack struct{}

type msgpackBody struct {
	Event         string `codec:"event" json:"event"`
	Kind          string `codec:"kind" json:"kind"`
	CorrelationID string `codec:"correlationId" json:"correlationId"`
	Payload       []byte `codec:"payload,omitempty" json:"payload,omitempty"`
}

var msgpackHandle = newMsgpackHandle()

func newMsgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]any(nil))
	return h
}

func (Msgpack) Name() string { return EncodingMsgpack }

func (Msgpack) Marshal(v any) (Payload, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return Payload(b), nil
}

func (Msgpack) Unmarshal(p Payload, v any) error {
	if len(p) == 0 {
		return nil
	}
	return codec.NewDecoderBytes(p, msgpackHandle).Decode(v)
}

func (Msgpack) EncodeBody(m Message) ([]byte, error) {
	var b []byte
	err := codec.NewEncoderBytes(&b, msgpackHandle).Encode(msgpackBody{
		Event:         m.Event,
		Kind:          string(m.Kind),
		CorrelationID: m.CorrelationID,
		Payload:       m.Payload,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (Msgpack) DecodeBody(b []byte) (Message, error) {
	var body msgpackBody
	if err := codec.NewDecoderBytes(b, msgpackHandle).Decode(&body); err != nil {
		return Message{}, err
	}
	return Message{
		Event:         body.Event,
		Kind:          Kind(body.Kind),
		CorrelationID: body.CorrelationID,
		Payload:       Payload(body.Payload),
	}, nil
}
