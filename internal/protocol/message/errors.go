package message

import (
	"errors"
	"fmt"
)

var (
	ErrProtocolViolation = errors.New("message: protocol violation")
	ErrUnknownEncoding   = errors.New("message: unknown encoding")
	ErrUnknownDecodeMode = errors.New("message: unknown decode mode")
	ErrUnknownBodyKey    = errors.New("message: unknown body key")
)

// EncodeError reports a message or payload that could not be serialised.
type EncodeError struct {
	Event string
	Err   error
}

func (e *EncodeError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("message: encode: %v", e.Err)
	}
	return fmt.Sprintf("message: encode event %q: %v", e.Event, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// DecodeError reports a malformed frame body. Body holds the offending bytes.
type DecodeError struct {
	Body []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("message: decode frame (%d bytes): %v", len(e.Body), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
