package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/zoquete/internal/protocol/correlation"
	"github.com/danmuck/zoquete/internal/protocol/message"
	"github.com/danmuck/zoquete/internal/testutil/testlog"
)

type replyRecorder struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (r *replyRecorder) record(m message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *replyRecorder) all() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]message.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func newDispatcher(t *testing.T) (*Dispatcher, *correlation.Tracker, *replyRecorder) {
	t.Helper()
	testlog.Start(t)
	tr := correlation.NewTracker(correlation.Config{})
	rec := &replyRecorder{}
	return New(tr, message.JSON{}, rec.record, nil), tr, rec
}

func request(event, id, payload string) message.Message {
	return message.Message{Event: event, Kind: message.KindRequest, CorrelationID: id, Payload: message.Payload(payload)}
}

func TestDispatchRequestProducesReply(t *testing.T) {
	d, _, rec := newDispatcher(t)
	d.Handle("ping", func(ctx context.Context, req *Request) (any, error) {
		var in struct{ N int }
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		return map[string]int{"n": in.N + 1}, nil
	})
	d.Dispatch(context.Background(), request("ping", "c1", `{"n":1}`))
	d.Wait()

	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("expected one reply, got %v", got)
	}
	want := message.Message{Event: "ping", Kind: message.KindReply, CorrelationID: "c1", Payload: message.Payload(`{"n":2}`)}
	if !got[0].Equal(want) {
		t.Fatalf("reply got=%s payload=%s", got[0], got[0].Payload)
	}
}

func TestDispatchUnknownEventFails(t *testing.T) {
	d, _, rec := newDispatcher(t)
	d.Dispatch(context.Background(), request("nope", "c2", `{}`))
	d.Wait()

	got := rec.all()
	if len(got) != 1 || got[0].Kind != message.KindFail || got[0].CorrelationID != "c2" {
		t.Fatalf("expected fail reply, got %v", got)
	}
	var f Failure
	if err := (message.JSON{}).Unmarshal(got[0].Payload, &f); err != nil {
		t.Fatalf("decode failure: %v", err)
	}
	if f.Code != CodeUnknownEvent {
		t.Fatalf("unexpected failure code %q", f.Code)
	}
}

func TestDispatchHandlerErrorAndPanic(t *testing.T) {
	d, _, rec := newDispatcher(t)
	d.Handle("err", func(context.Context, *Request) (any, error) {
		return nil, errors.New("nope")
	})
	d.Handle("panic", func(context.Context, *Request) (any, error) {
		panic("kaboom")
	})
	d.Handle("chan", func(context.Context, *Request) (any, error) {
		return make(chan int), nil
	})
	d.Dispatch(context.Background(), request("err", "e1", `null`))
	d.Dispatch(context.Background(), request("panic", "p1", `null`))
	d.Dispatch(context.Background(), request("chan", "x1", `null`))
	d.Wait()

	codes := map[string]string{}
	for _, m := range rec.all() {
		if m.Kind != message.KindFail {
			t.Fatalf("expected fail kind, got %s", m)
		}
		var f Failure
		if err := (message.JSON{}).Unmarshal(m.Payload, &f); err != nil {
			t.Fatalf("decode failure: %v", err)
		}
		codes[m.CorrelationID] = f.Code
	}
	if codes["e1"] != CodeHandlerError || codes["p1"] != CodeHandlerPanic || codes["x1"] != CodeEncodeError {
		t.Fatalf("unexpected failure codes: %+v", codes)
	}
}

func TestDispatchRoutesRepliesByCorrelationID(t *testing.T) {
	d, tr, rec := newDispatcher(t)
	a, _ := tr.Register("a", time.Time{})
	b, _ := tr.Register("b", time.Time{})

	d.Dispatch(context.Background(), message.Message{Event: "whatever", Kind: message.KindReply, CorrelationID: "b", Payload: message.Payload(`"for-b"`)})
	d.Dispatch(context.Background(), message.Message{Event: "ping", Kind: message.KindReply, CorrelationID: "a", Payload: message.Payload(`"for-a"`)})

	if p, err := a.Result(); err != nil || string(p) != `"for-a"` {
		t.Fatalf("a got payload=%s err=%v", p, err)
	}
	if p, err := b.Result(); err != nil || string(p) != `"for-b"` {
		t.Fatalf("b got payload=%s err=%v", p, err)
	}
	if len(rec.all()) != 0 {
		t.Fatalf("replies must not produce outbound messages")
	}
}

func TestDispatchFailBecomesRemoteError(t *testing.T) {
	d, tr, _ := newDispatcher(t)
	c, _ := tr.Register("f", time.Time{})
	payload, _ := (message.JSON{}).Marshal(Failure{Code: CodeUnknownEvent, Message: "no handler"})
	d.Dispatch(context.Background(), message.Message{Event: "ghost", Kind: message.KindFail, CorrelationID: "f", Payload: payload})

	_, err := c.Result()
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Code != CodeUnknownEvent || remote.Event != "ghost" {
		t.Fatalf("unexpected remote error %+v", remote)
	}
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("RemoteError should match ErrUnknownEvent")
	}
}

func TestHandleOverwriteAndRemove(t *testing.T) {
	d, _, rec := newDispatcher(t)
	if d.Handle("e", func(context.Context, *Request) (any, error) { return "first", nil }) {
		t.Fatalf("first registration should not report replace")
	}
	if !d.Handle("e", func(context.Context, *Request) (any, error) { return "second", nil }) {
		t.Fatalf("second registration should report replace")
	}
	d.Dispatch(context.Background(), request("e", "r1", `null`))
	d.Wait()
	if got := rec.all(); len(got) != 1 || string(got[0].Payload) != `"second"` {
		t.Fatalf("latest handler should answer, got %v", got)
	}
	if !d.Remove("e") {
		t.Fatalf("remove should report existing handler")
	}
	d.Dispatch(context.Background(), request("e", "r2", `null`))
	d.Wait()
	if got := rec.all(); len(got) != 2 || got[1].Kind != message.KindFail {
		t.Fatalf("removed handler should yield fail, got %v", got)
	}
}

func TestDispatchDoesNotBlockOnSlowHandler(t *testing.T) {
	d, _, rec := newDispatcher(t)
	release := make(chan struct{})
	d.Handle("slow", func(ctx context.Context, _ *Request) (any, error) {
		<-release
		return "slow", nil
	})
	d.Handle("fast", func(context.Context, *Request) (any, error) {
		return "fast", nil
	})

	d.Dispatch(context.Background(), request("slow", "s", `null`))
	d.Dispatch(context.Background(), request("fast", "f", `null`))

	deadline := time.After(2 * time.Second)
	for len(rec.all()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("fast reply blocked behind slow handler")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := rec.all(); got[0].CorrelationID != "f" {
		t.Fatalf("fast reply should be first, got %v", got)
	}
	close(release)
	d.Wait()
	if got := rec.all(); len(got) != 2 || got[1].CorrelationID != "s" {
		t.Fatalf("slow reply missing: %v", got)
	}
}

func TestHandleMatchesEventNamesExactly(t *testing.T) {
	d, _, rec := newDispatcher(t)
	d.Handle(" ping ", func(context.Context, *Request) (any, error) { return "padded", nil })
	d.Dispatch(context.Background(), request(" ping ", "w1", `null`))
	d.Wait()
	if got := rec.all(); len(got) != 1 || got[0].Kind != message.KindReply || string(got[0].Payload) != `"padded"` {
		t.Fatalf("padded event should reach its handler, got %v", got)
	}
	d.Dispatch(context.Background(), request("ping", "w2", `null`))
	d.Wait()
	if got := rec.all(); len(got) != 2 || got[1].Kind != message.KindFail {
		t.Fatalf("trimmed name is a different event, got %v", got)
	}
}

func TestDispatchUnknownEventDoesNotBlockOnReply(t *testing.T) {
	testlog.Start(t)
	release := make(chan struct{})
	sent := make(chan message.Message, 4)
	d := New(correlation.NewTracker(correlation.Config{}), message.JSON{}, func(m message.Message) error {
		<-release
		sent <- m
		return nil
	}, nil)

	returned := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), request("nope", "u1", `null`))
		d.Dispatch(context.Background(), request("nope", "u2", `null`))
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch blocked on a stalled reply path")
	}

	close(release)
	d.Wait()
	if len(sent) != 2 {
		t.Fatalf("expected two fail replies, got %d", len(sent))
	}
	for i := 0; i < 2; i++ {
		if m := <-sent; m.Kind != message.KindFail {
			t.Fatalf("expected fail reply, got %s", m)
		}
	}
}
