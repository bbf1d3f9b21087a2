package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/zoquete/internal/observability"
	"github.com/danmuck/zoquete/internal/protocol/correlation"
	"github.com/danmuck/zoquete/internal/protocol/dispatch"
	"github.com/danmuck/zoquete/internal/protocol/frame"
	"github.com/danmuck/zoquete/internal/protocol/message"
	"github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotConnected   = errors.New("session: not connected")
	ErrAlreadyStarted = errors.New("session: already started")
	ErrPeerClosed     = errors.New("session: peer closed the stream")
	ErrLocalClose     = errors.New("session: closed locally")
	ErrIdleTimeout    = errors.New("session: idle timeout")
)

const (
	roleStream   = "stream"
	roleDialer   = "dialer"
	roleListener = "listener"
)

type outFrame struct {
	data []byte
	kind message.Kind
}

// Conn is one side of a duplex stream. Either side may send requests and
// serve handlers; the dialing and listening roles differ only in setup.
type Conn struct {
	cfg     Config
	id      string
	role    string
	peer    string
	log     zerolog.Logger
	codec   *message.Codec
	tracker *correlation.Tracker
	disp    *dispatch.Dispatcher

	mu      sync.Mutex
	state   State
	stream  io.ReadWriteCloser
	err     error
	started bool

	outbox  chan outFrame
	closing chan struct{}
	done    chan struct{}

	errsMu     sync.Mutex
	errs       chan error
	errsClosed bool

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	shutdownOnce sync.Once
}

// New builds an idle Conn. An unknown Encoding name falls back to JSON with
// a warning.
func New(cfg Config) *Conn {
	cfg = cfg.WithDefaults()
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = fmt.Sprintf("conn-%d", time.Now().UnixNano())
	}
	c := &Conn{
		cfg:     cfg,
		id:      id,
		role:    roleStream,
		log:     log.With().Str("conn", id).Logger(),
		state:   StateIdle,
		outbox:  make(chan outFrame, cfg.WriteQueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		errs:    make(chan error, cfg.ErrorBufferSize),
	}
	enc, err := message.EncodingByName(cfg.Encoding)
	if err != nil {
		c.log.Warn().Err(err).Str("encoding", cfg.Encoding).Msg("session.New falling back to json")
		enc = message.JSON{}
	}
	c.codec = message.NewCodec(enc, cfg.Limits)
	c.tracker = correlation.NewTracker(correlation.Config{
		LateReplyTTL: cfg.LateReplyTTL,
		Logger:       &c.log,
		OnSettle: func(_ string, outcome correlation.Outcome, elapsed time.Duration) {
			observability.RecordRequestSettled(string(outcome), elapsed)
		},
	})
	c.disp = dispatch.New(c.tracker, enc, c.reply, &c.log)
	c.disp.OnHandled = func(event string, kind message.Kind) {
		observability.RecordHandlerCall(event, string(kind))
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func (c *Conn) ID() string {
	return c.id
}

// Peer is the verified TLS identity of the remote side, or "".
func (c *Conn) Peer() string {
	return c.peer
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal reason: nil while open and after a local Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the connection's loops have exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Errors delivers decode, write and terminal errors. It is closed after
// Done. Errors that do not fit the buffer are logged and dropped.
func (c *Conn) Errors() <-chan error {
	return c.errs
}

// Pending lists outstanding outbound requests.
func (c *Conn) Pending() []correlation.PendingRequest {
	return c.tracker.List()
}

func (c *Conn) connecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		c.state = StateConnecting
	}
}

// Start binds stream and opens the connection.
func (c *Conn) Start(stream io.ReadWriteCloser) error {
	if stream == nil {
		return errors.New("session: nil stream")
	}
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateConnecting {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.stream = stream
	c.started = true
	c.state = StateOpen
	c.mu.Unlock()

	ev := c.log.Info().Str("role", c.role).Str("encoding", c.codec.Encoding().Name())
	if ra, ok := stream.(interface{ RemoteAddr() net.Addr }); ok && ra.RemoteAddr() != nil {
		ev = ev.Str("remote", ra.RemoteAddr().String())
	}
	if c.peer != "" {
		ev = ev.Str("peer", c.peer)
	}
	ev.Msg("session.Conn open")
	observability.RecordConnOpened(c.role)

	c.group.Go(func() error {
		err := c.readLoop()
		c.terminate(err)
		return err
	})
	c.group.Go(func() error {
		err := c.writeLoop()
		c.terminate(err)
		return err
	})
	c.group.Go(c.sweepLoop)
	go c.finalize()
	return nil
}

// On registers handler for event, replacing any existing one.
func (c *Conn) On(event string, handler dispatch.Handler) {
	c.disp.Handle(event, handler)
}

func (c *Conn) Off(event string) {
	c.disp.Remove(event)
}

// Send issues a request and returns its future. It fails synchronously only
// when the connection is not open or the message cannot be encoded.
func (c *Conn) Send(event string, payload any, opts ...SendOption) (*Call, error) {
	if c.State() != StateOpen {
		return nil, ErrNotConnected
	}
	o := sendOptions{timeout: c.cfg.RequestTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := c.codec.Encoding().Marshal(payload)
	if err != nil {
		return nil, &message.EncodeError{Event: event, Err: err}
	}
	id, err := c.tracker.NextID()
	if err != nil {
		return nil, err
	}
	msg := message.Message{
		Event:         event,
		Kind:          message.KindRequest,
		CorrelationID: id,
		Payload:       raw,
	}
	data, err := c.codec.Encode(msg)
	if err != nil {
		return nil, err
	}

	var deadline time.Time
	if o.timeout > 0 {
		deadline = time.Now().Add(o.timeout)
	}
	completion, err := c.tracker.Register(id, deadline)
	if err != nil {
		if errors.Is(err, correlation.ErrConnectionClosed) {
			return nil, ErrNotConnected
		}
		if errors.Is(err, correlation.ErrDuplicateCorrelation) {
			c.shutdown(StateFailed, err)
		}
		return nil, err
	}
	observability.RecordRequestSent()

	call := &Call{Event: event, ID: id, completion: completion, tracker: c.tracker, enc: c.codec.Encoding()}
	if err := c.enqueue(outFrame{data: data, kind: message.KindRequest}); err != nil {
		c.tracker.Cancel(id, fmt.Errorf("%w: %w", correlation.ErrConnectionClosed, err))
	}
	return call, nil
}

// Request sends and waits for the reply, decoding it into out when non-nil.
func (c *Conn) Request(ctx context.Context, event string, payload any, out any, opts ...SendOption) error {
	call, err := c.Send(event, payload, opts...)
	if err != nil {
		return err
	}
	return call.Decode(ctx, out)
}

// Emit sends a request without waiting; the peer's reply is absorbed.
func (c *Conn) Emit(event string, payload any) error {
	_, err := c.Send(event, payload)
	return err
}

// Close rejects all outstanding requests, closes the stream and waits for the
// connection loops to exit. Queued frames are not flushed.
func (c *Conn) Close() error {
	c.shutdown(StateClosed, nil)
	<-c.done
	return nil
}

// Wait blocks until the connection is done and every handler has returned.
func (c *Conn) Wait() error {
	<-c.done
	c.disp.Wait()
	return c.Err()
}

func (c *Conn) enqueue(f outFrame) error {
	select {
	case <-c.closing:
		return ErrNotConnected
	default:
	}
	select {
	case c.outbox <- f:
		return nil
	case <-c.closing:
		return ErrNotConnected
	}
}

// reply is the dispatcher's path back to the peer. A reply that cannot be
// framed is downgraded to a fail so the caller is not left waiting.
func (c *Conn) reply(m message.Message) error {
	data, err := c.codec.Encode(m)
	if err != nil && m.Kind == message.KindReply {
		c.log.Warn().Err(err).Str("event", m.Event).Msg("session.Conn reply not encodable")
		payload, merr := c.codec.Encoding().Marshal(dispatch.Failure{Code: dispatch.CodeEncodeError, Message: err.Error()})
		if merr != nil {
			return merr
		}
		m.Kind = message.KindFail
		m.Payload = payload
		data, err = c.codec.Encode(m)
	}
	if err != nil {
		return err
	}
	return c.enqueue(outFrame{data: data, kind: m.Kind})
}

func (c *Conn) readLoop() error {
	dec := c.codec.NewDecoder(c.cfg.DecodeMode)
	buf := make([]byte, c.cfg.ReadBufferSize)
	mode := string(c.cfg.DecodeMode)
	deadliner, _ := c.stream.(interface{ SetReadDeadline(time.Time) error })
	for {
		if c.cfg.IdleTimeout > 0 && deadliner != nil {
			_ = deadliner.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}
		n, err := c.stream.Read(buf)
		if n > 0 {
			msgs, derr := dec.Feed(buf[:n])
			for _, m := range msgs {
				observability.RecordFrame("in", string(m.Kind))
				c.disp.Dispatch(c.ctx, m)
			}
			if derr != nil {
				observability.RecordDecodeError(mode)
				if dec.Violated() || errors.Is(derr, frame.ErrBodyTooLarge) {
					return derr
				}
				c.log.Warn().Err(derr).Msg("session.Conn skipped malformed frame")
				c.report(derr)
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && c.cfg.IdleTimeout > 0 {
				return fmt.Errorf("%w: %w", ErrIdleTimeout, err)
			}
			return err
		}
	}
}

func (c *Conn) writeLoop() error {
	deadliner, _ := c.stream.(interface{ SetWriteDeadline(time.Time) error })
	for {
		select {
		case <-c.closing:
			return nil
		case f := <-c.outbox:
			if deadliner != nil {
				_ = deadliner.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			}
			if _, err := c.stream.Write(f.data); err != nil {
				return fmt.Errorf("session: write: %w", err)
			}
			observability.RecordFrame("out", string(f.kind))
		}
	}
}

func (c *Conn) sweepLoop() error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closing:
			return nil
		case now := <-ticker.C:
			if n := c.tracker.Expire(now); n > 0 {
				c.log.Debug().Int("expired", n).Msg("session.Conn sweep")
			}
		}
	}
}

// terminate classifies a loop exit. Exits after shutdown began are ignored.
func (c *Conn) terminate(err error) {
	select {
	case <-c.closing:
		return
	default:
	}
	switch {
	case err == nil:
		return
	case errors.Is(err, io.EOF):
		c.shutdown(StateClosed, ErrPeerClosed)
	default:
		c.shutdown(StateFailed, err)
	}
}

func (c *Conn) shutdown(final State, reason error) {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		started := c.started
		if final == StateFailed {
			c.state = StateFailed
		} else {
			c.state = StateClosing
		}
		c.err = reason
		stream := c.stream
		c.mu.Unlock()

		close(c.closing)
		c.cancel()
		if stream != nil {
			_ = stream.Close()
		}

		drainReason := reason
		if drainReason == nil {
			drainReason = ErrLocalClose
		}
		drained := c.tracker.DrainOnDisconnect(drainReason)

		level := zerolog.InfoLevel
		if final == StateFailed {
			level = zerolog.WarnLevel
			c.report(reason)
		}
		c.log.WithLevel(level).Err(reason).Int("drained", drained).Str("state", final.String()).Msg("session.Conn shutdown")

		if !started {
			go c.finalize()
		}
	})
}

// finalize runs once per Conn after its loops have exited.
func (c *Conn) finalize() {
	_ = c.group.Wait()

	c.mu.Lock()
	if c.state == StateClosing || c.state == StateIdle || c.state == StateConnecting {
		c.state = StateClosed
	}
	state := c.state
	started := c.started
	c.mu.Unlock()

	c.errsMu.Lock()
	c.errsClosed = true
	close(c.errs)
	c.errsMu.Unlock()

	if started {
		observability.RecordConnClosed(c.role, state.String())
	}
	close(c.done)
}

func (c *Conn) report(err error) {
	if err == nil {
		return
	}
	c.errsMu.Lock()
	defer c.errsMu.Unlock()
	if c.errsClosed {
		return
	}
	select {
	case c.errs <- err:
	default:
		c.log.Warn().Err(err).Msg("session.Conn error channel full, dropping")
	}
}
