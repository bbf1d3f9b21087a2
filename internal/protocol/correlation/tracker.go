package correlation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/zoquete/internal/protocol/message"
	"github.com/hashicorp/go-uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicateCorrelation = errors.New("correlation: duplicate correlation id")
	ErrTimeout              = errors.New("correlation: request timed out")
	ErrConnectionClosed     = errors.New("correlation: connection closed")
	ErrEmptyID              = errors.New("correlation: empty correlation id")
)

// DefaultLateReplyTTL is how long expired ids are remembered to classify late replies.
const DefaultLateReplyTTL = time.Minute

// Completion is the single-resolution handle returned by Register.
type Completion struct {
	ID        string
	CreatedAt time.Time
	Deadline  time.Time

	done    chan struct{}
	payload message.Payload
	err     error
	timer   *time.Timer
}

func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Result blocks until the request settles.
func (c *Completion) Result() (message.Payload, error) {
	<-c.done
	return c.payload, c.err
}

// Wait is Result bounded by ctx. Cancelling ctx does not settle the request.
func (c *Completion) Wait(ctx context.Context) (message.Payload, error) {
	select {
	case <-c.done:
		return c.payload, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingRequest is a read-only view of one outstanding request.
type PendingRequest struct {
	ID        string
	CreatedAt time.Time
	Deadline  time.Time
}

// Outcome labels how a request settled.
type Outcome string

const (
	OutcomeResolved Outcome = "resolved"
	OutcomeRejected Outcome = "rejected"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeClosed   Outcome = "closed"
	OutcomeCanceled Outcome = "canceled"
)

// Config tunes a Tracker.
type Config struct {
	LateReplyTTL time.Duration
	Logger       *zerolog.Logger
	// OnSettle observes every settled request; it must not block.
	OnSettle func(id string, outcome Outcome, elapsed time.Duration)
	Now      func() time.Time
}

// Tracker pairs each outbound request with exactly one terminal reply.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*Completion
	drained error

	expired  *cache.Cache
	log      zerolog.Logger
	onSettle func(string, Outcome, time.Duration)
	now      func() time.Time
}

func NewTracker(cfg Config) *Tracker {
	ttl := cfg.LateReplyTTL
	if ttl <= 0 {
		ttl = DefaultLateReplyTTL
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		pending:  make(map[string]*Completion),
		expired:  cache.New(ttl, 0),
		log:      logger,
		onSettle: cfg.OnSettle,
		now:      now,
	}
}

// NextID mints a correlation id that is unique regardless of event name.
func (t *Tracker) NextID() (string, error) {
	return uuid.GenerateUUID()
}

// Register creates a pending request. A zero deadline never expires.
func (t *Tracker) Register(id string, deadline time.Time) (*Completion, error) {
	key := strings.TrimSpace(id)
	if key == "" {
		return nil, ErrEmptyID
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.drained != nil {
		return nil, t.drained
	}
	if _, ok := t.pending[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelation, key)
	}
	c := &Completion{
		ID:        key,
		CreatedAt: t.now(),
		Deadline:  deadline,
		done:      make(chan struct{}),
	}
	if !deadline.IsZero() {
		c.timer = time.AfterFunc(deadline.Sub(c.CreatedAt), func() {
			t.timeout(key, c)
		})
	}
	t.pending[key] = c
	return c, nil
}

// Resolve completes id successfully. It reports false when id is not pending.
func (t *Tracker) Resolve(id string, payload message.Payload) bool {
	return t.settle(id, payload, nil, OutcomeResolved)
}

// Reject completes id with reason. It reports false when id is not pending.
func (t *Tracker) Reject(id string, reason error) bool {
	outcome := OutcomeRejected
	if errors.Is(reason, ErrTimeout) {
		outcome = OutcomeTimeout
	}
	return t.settle(id, nil, reason, outcome)
}

// Cancel abandons id on behalf of the local caller. It is silent when id has
// already settled, and a reply arriving afterwards is treated as late.
func (t *Tracker) Cancel(id string, reason error) bool {
	key := strings.TrimSpace(id)
	t.mu.Lock()
	c, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.expired.SetDefault(key, struct{}{})
	t.complete(c, nil, reason, OutcomeCanceled)
	return true
}

// Expire rejects every request whose deadline is at or before now.
func (t *Tracker) Expire(now time.Time) int {
	t.mu.Lock()
	var due []*Completion
	for id, c := range t.pending {
		if c.Deadline.IsZero() || c.Deadline.After(now) {
			continue
		}
		delete(t.pending, id)
		due = append(due, c)
	}
	t.mu.Unlock()

	for _, c := range due {
		t.expired.SetDefault(c.ID, struct{}{})
		t.complete(c, nil, fmt.Errorf("%w: %s", ErrTimeout, c.ID), OutcomeTimeout)
	}
	t.expired.DeleteExpired()
	return len(due)
}

// DrainOnDisconnect rejects every pending request. Only the first call has effect;
// later Register calls fail with the drain reason.
func (t *Tracker) DrainOnDisconnect(reason error) int {
	if reason == nil {
		reason = ErrConnectionClosed
	} else if !errors.Is(reason, ErrConnectionClosed) {
		reason = fmt.Errorf("%w: %w", ErrConnectionClosed, reason)
	}
	t.mu.Lock()
	if t.drained != nil {
		t.mu.Unlock()
		return 0
	}
	t.drained = reason
	all := make([]*Completion, 0, len(t.pending))
	for id, c := range t.pending {
		delete(t.pending, id)
		all = append(all, c)
	}
	t.mu.Unlock()

	for _, c := range all {
		t.complete(c, nil, reason, OutcomeClosed)
	}
	return len(all)
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// List returns pending requests ordered by creation time.
func (t *Tracker) List() []PendingRequest {
	t.mu.Lock()
	out := make([]PendingRequest, 0, len(t.pending))
	for _, c := range t.pending {
		out = append(out, PendingRequest{ID: c.ID, CreatedAt: c.CreatedAt, Deadline: c.Deadline})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (t *Tracker) timeout(id string, want *Completion) {
	t.mu.Lock()
	c, ok := t.pending[id]
	if !ok || c != want {
		t.mu.Unlock()
		return
	}
	delete(t.pending, id)
	t.mu.Unlock()

	t.expired.SetDefault(id, struct{}{})
	t.complete(c, nil, fmt.Errorf("%w: %s", ErrTimeout, id), OutcomeTimeout)
}

func (t *Tracker) settle(id string, payload message.Payload, reason error, outcome Outcome) bool {
	key := strings.TrimSpace(id)
	t.mu.Lock()
	c, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if !ok {
		if _, late := t.expired.Get(key); late {
			t.log.Debug().Str("correlation_id", key).Str("outcome", string(outcome)).Msg("correlation.Tracker late reply after expiry")
		} else {
			t.log.Warn().Str("correlation_id", key).Str("outcome", string(outcome)).Msg("correlation.Tracker reply for unknown id")
		}
		return false
	}
	t.complete(c, payload, reason, outcome)
	return true
}

// complete must only be called by the goroutine that removed c from the map.
func (t *Tracker) complete(c *Completion, payload message.Payload, reason error, outcome Outcome) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.payload = payload
	c.err = reason
	close(c.done)
	if t.onSettle != nil {
		t.onSettle(c.ID, outcome, t.now().Sub(c.CreatedAt))
	}
}
