package message

import (
	"fmt"
	"strings"

	"github.com/danmuck/zoquete/internal/protocol/frame"
	"github.com/hashicorp/go-multierror"
)

// DecodeMode selects how a malformed frame body affects the stream.
type DecodeMode string

const (
	// DecodeLenient reports the bad frame, skips its declared bytes and keeps decoding.
	DecodeLenient DecodeMode = "lenient"
	// DecodeStrict marks the stream protocol-violating and refuses further frames.
	DecodeStrict DecodeMode = "strict"
)

// ParseDecodeMode reads a configured mode name; empty selects DecodeLenient.
func ParseDecodeMode(raw string) (DecodeMode, error) {
	switch DecodeMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DecodeLenient:
		return DecodeLenient, nil
	case DecodeStrict:
		return DecodeStrict, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDecodeMode, raw)
	}
}

// Codec maps Messages to self-delimiting frames and back.
type Codec struct {
	enc    Encoding
	limits frame.Limits
}

// NewCodec returns a Codec for enc, JSON when enc is nil.
func NewCodec(enc Encoding, limits frame.Limits) *Codec {
	if enc == nil {
		enc = JSON{}
	}
	return &Codec{enc: enc, limits: limits.WithDefaults()}
}

func (c *Codec) Encoding() Encoding {
	return c.enc
}

// Encode validates m and returns its length-prefixed wire form.
func (c *Codec) Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, &EncodeError{Event: m.Event, Err: err}
	}
	body, err := c.enc.EncodeBody(m)
	if err != nil {
		return nil, &EncodeError{Event: m.Event, Err: err}
	}
	buf, err := frame.Encode(body, c.limits)
	if err != nil {
		return nil, &EncodeError{Event: m.Event, Err: err}
	}
	return buf, nil
}

// Decode parses one frame body.
func (c *Codec) Decode(body []byte) (Message, error) {
	m, err := c.enc.DecodeBody(body)
	if err == nil {
		err = m.Validate()
	}
	if err != nil {
		return Message{}, &DecodeError{Body: body, Err: err}
	}
	return m, nil
}

func (c *Codec) NewDecoder(mode DecodeMode) *Decoder {
	if mode == "" {
		mode = DecodeLenient
	}
	return &Decoder{
		codec:  c,
		frames: frame.NewDecoder(c.limits),
		mode:   mode,
	}
}

// Decoder incrementally rebuilds Messages from stream chunks.
// It is not safe for concurrent use.
type Decoder struct {
	codec     *Codec
	frames    *frame.Decoder
	mode      DecodeMode
	violation error
}

// Feed returns every Message completed by chunk, in stream order.
//
// Lenient mode returns the good messages together with a multierror of
// every DecodeError in the chunk. Strict mode stops at the first bad body
// and every later call returns an error matching ErrProtocolViolation.
func (d *Decoder) Feed(chunk []byte) ([]Message, error) {
	if d.violation != nil {
		return nil, d.violation
	}
	bodies, ferr := d.frames.Feed(chunk)

	var (
		out  []Message
		errs *multierror.Error
	)
	for _, body := range bodies {
		m, err := d.codec.Decode(body)
		if err != nil {
			if d.mode == DecodeStrict {
				d.violation = fmt.Errorf("%w: %w", ErrProtocolViolation, err)
				return out, d.violation
			}
			errs = multierror.Append(errs, err)
			continue
		}
		out = append(out, m)
	}
	if ferr != nil {
		errs = multierror.Append(errs, ferr)
	}
	return out, errs.ErrorOrNil()
}

// Violated reports whether a strict decoder has refused the stream.
func (d *Decoder) Violated() bool {
	return d.violation != nil
}

// Buffered reports bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return d.frames.Buffered()
}
