package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/zoquete/internal/protocol/correlation"
	"github.com/danmuck/zoquete/internal/protocol/message"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Fail reason codes carried in fail payloads.
const (
	CodeUnknownEvent = "UnknownEvent"
	CodeHandlerError = "HandlerError"
	CodeHandlerPanic = "HandlerPanic"
	CodeEncodeError  = "EncodeError"
)

var ErrUnknownEvent = errors.New("dispatch: unknown event")

// Request is one inbound request handed to a Handler.
type Request struct {
	Event         string
	CorrelationID string
	Payload       message.Payload

	enc message.Encoding
}

// Decode unmarshals the request payload into v.
func (r *Request) Decode(v any) error {
	return r.enc.Unmarshal(r.Payload, v)
}

// Handler answers one request. The returned value becomes the reply payload;
// a non-nil error becomes a fail reply.
type Handler func(ctx context.Context, req *Request) (any, error)

// ReplyFunc queues an outbound reply or fail message.
type ReplyFunc func(message.Message) error

// Failure is the payload of a fail message.
type Failure struct {
	Code    string `json:"code" codec:"code"`
	Message string `json:"message" codec:"message"`
}

// RemoteError is what a caller sees when the peer answers with a fail message.
type RemoteError struct {
	Event   string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dispatch: remote %s failed: %s", e.Event, e.Code)
	}
	return fmt.Sprintf("dispatch: remote %s failed: %s: %s", e.Event, e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrUnknownEvent && e.Code == CodeUnknownEvent
}

// Dispatcher routes decoded messages to handlers or to the correlation tracker.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	tracker *correlation.Tracker
	enc     message.Encoding
	reply   ReplyFunc
	log     zerolog.Logger

	// OnHandled observes each handled request; it must not block.
	OnHandled func(event string, kind message.Kind)

	wg sync.WaitGroup
}

func New(tracker *correlation.Tracker, enc message.Encoding, reply ReplyFunc, logger *zerolog.Logger) *Dispatcher {
	if enc == nil {
		enc = message.JSON{}
	}
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		tracker:  tracker,
		enc:      enc,
		reply:    reply,
		log:      l,
	}
}

// Handle registers h for event. Only one handler exists per event: a second
// registration replaces the first and Handle reports true. Event names are
// matched exactly as they appear on the wire.
func (d *Dispatcher) Handle(event string, h Handler) bool {
	key := event
	d.mu.Lock()
	defer d.mu.Unlock()
	_, replaced := d.handlers[key]
	if h == nil {
		delete(d.handlers, key)
		return replaced
	}
	d.handlers[key] = h
	if replaced {
		d.log.Debug().Str("event", key).Msg("dispatch.Handle replaced handler")
	}
	return replaced
}

// Remove drops the handler for event.
func (d *Dispatcher) Remove(event string) bool {
	return d.Handle(event, nil)
}

func (d *Dispatcher) handler(event string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[event]
	return h, ok
}

// Dispatch routes msg without blocking on the reply path. Requests, including
// those for unknown events, are answered from their own goroutine; ctx is
// passed to the handler.
func (d *Dispatcher) Dispatch(ctx context.Context, msg message.Message) {
	switch msg.Kind {
	case message.KindRequest:
		h, ok := d.handler(msg.Event)
		if !ok {
			d.log.Warn().Str("event", msg.Event).Str("correlation_id", msg.CorrelationID).Msg("dispatch.Dispatch unknown event")
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.fail(msg, CodeUnknownEvent, fmt.Sprintf("no handler for %q", msg.Event))
			}()
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.serve(ctx, h, msg)
		}()
	case message.KindReply:
		d.tracker.Resolve(msg.CorrelationID, msg.Payload)
	case message.KindFail:
		d.tracker.Reject(msg.CorrelationID, d.remoteError(msg))
	default:
		d.log.Warn().Str("kind", string(msg.Kind)).Msg("dispatch.Dispatch unroutable kind")
	}
}

// Wait blocks until in-flight handlers have returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) serve(ctx context.Context, h Handler, msg message.Message) {
	req := &Request{
		Event:         msg.Event,
		CorrelationID: msg.CorrelationID,
		Payload:       msg.Payload,
		enc:           d.enc,
	}
	result, err := d.invoke(ctx, h, req)
	if d.OnHandled != nil {
		kind := message.KindReply
		if err != nil {
			kind = message.KindFail
		}
		d.OnHandled(msg.Event, kind)
	}
	if err != nil {
		var perr *panicError
		if errors.As(err, &perr) {
			d.log.Error().Str("event", msg.Event).Interface("panic", perr.value).Msg("dispatch.serve handler panic")
			d.fail(msg, CodeHandlerPanic, err.Error())
			return
		}
		d.fail(msg, CodeHandlerError, err.Error())
		return
	}
	payload, err := d.enc.Marshal(result)
	if err != nil {
		d.log.Warn().Str("event", msg.Event).Err(err).Msg("dispatch.serve encode result")
		d.fail(msg, CodeEncodeError, err.Error())
		return
	}
	d.send(message.Message{
		Event:         msg.Event,
		Kind:          message.KindReply,
		CorrelationID: msg.CorrelationID,
		Payload:       payload,
	})
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return h(ctx, req)
}

func (d *Dispatcher) fail(msg message.Message, code, text string) {
	payload, err := d.enc.Marshal(Failure{Code: code, Message: text})
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch.fail encode failure")
		payload = nil
	}
	d.send(message.Message{
		Event:         msg.Event,
		Kind:          message.KindFail,
		CorrelationID: msg.CorrelationID,
		Payload:       payload,
	})
}

func (d *Dispatcher) send(msg message.Message) {
	if d.reply == nil {
		return
	}
	if err := d.reply(msg); err != nil {
		d.log.Warn().Str("event", msg.Event).Str("kind", string(msg.Kind)).Str("correlation_id", msg.CorrelationID).Err(err).Msg("dispatch.send reply dropped")
	}
}

func (d *Dispatcher) remoteError(msg message.Message) error {
	var f Failure
	if len(msg.Payload) > 0 {
		if err := d.enc.Unmarshal(msg.Payload, &f); err != nil {
			f = Failure{Message: fmt.Sprintf("undecodable fail payload: %v", err)}
		}
	}
	if f.Code == "" {
		f.Code = CodeHandlerError
	}
	return &RemoteError{Event: msg.Event, Code: f.Code, Message: f.Message}
}
