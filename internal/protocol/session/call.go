package session

import (
	"context"
	"time"

	"github.com/danmuck/zoquete/internal/protocol/correlation"
	"github.com/danmuck/zoquete/internal/protocol/message"
)

// SendOption adjusts a single Send.
type SendOption func(*sendOptions)

type sendOptions struct {
	timeout time.Duration
}

// WithTimeout overrides Config.RequestTimeout for one request. A negative
// value disables the deadline.
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) {
		o.timeout = d
	}
}

// Call is the future for one outbound request.
type Call struct {
	Event string
	ID    string

	completion *correlation.Completion
	tracker    *correlation.Tracker
	enc        message.Encoding
}

func (c *Call) Done() <-chan struct{} {
	return c.completion.Done()
}

// Err returns the settlement error, or nil while the call is pending or
// after a successful reply.
func (c *Call) Err() error {
	select {
	case <-c.completion.Done():
		_, err := c.completion.Result()
		return err
	default:
		return nil
	}
}

// Wait blocks for the reply payload. Cancelling ctx abandons this call only;
// the connection and its other requests are unaffected.
func (c *Call) Wait(ctx context.Context) (message.Payload, error) {
	select {
	case <-c.completion.Done():
		return c.completion.Result()
	case <-ctx.Done():
		c.tracker.Cancel(c.ID, ctx.Err())
		return c.completion.Result()
	}
}

// Decode waits for the reply and unmarshals its payload into v.
func (c *Call) Decode(ctx context.Context, v any) error {
	payload, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return c.enc.Unmarshal(payload, v)
}
