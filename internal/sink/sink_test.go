package sink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"sonde_relay/internal/sonde"
)

// stubSink counts sends and optionally fails or blocks.
type stubSink struct {
	name  string
	fail  bool
	block chan struct{}

	mu       sync.Mutex
	sent     int
	flush    int
	canceled int
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Send(ctx context.Context, _ *sonde.Observation) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.sent++
	if ctx.Err() != nil {
		s.canceled++
	}
	s.mu.Unlock()
	if s.fail {
		return errors.New("transport down")
	}
	return nil
}

func (s *stubSink) Flush(context.Context) {
	s.mu.Lock()
	s.flush++
	s.mu.Unlock()
}

func (s *stubSink) Close() error { return nil }

func (s *stubSink) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestDispatchReachesAllSinks(t *testing.T) {
	a := &stubSink{name: "a"}
	b := &stubSink{name: "b"}
	d := NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)), a, b)
	d.Start()
	defer d.Shutdown(time.Second)

	d.Dispatch(&sonde.Observation{Serial: "X", VFrame: 1})
	waitFor(t, func() bool { return a.sentCount() == 1 && b.sentCount() == 1 })
}

func TestFailingSinkDoesNotBlockSibling(t *testing.T) {
	bad := &stubSink{name: "bad", fail: true}
	good := &stubSink{name: "good"}

	var errCount int
	var mu sync.Mutex
	d := NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)), bad, good)
	d.OnSendError(func(string) {
		mu.Lock()
		errCount++
		mu.Unlock()
	})
	d.Start()
	defer d.Shutdown(time.Second)

	for i := 0; i < 3; i++ {
		d.Dispatch(&sonde.Observation{Serial: "X", VFrame: int64(i)})
	}
	waitFor(t, func() bool { return good.sentCount() == 3 })
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errCount == 3
	})
}

func TestBlockedSinkDropsOnOverflow(t *testing.T) {
	blocked := &stubSink{name: "blocked", block: make(chan struct{})}

	var drops int
	var mu sync.Mutex
	d := NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)), blocked)
	d.OnDrop(func(string) {
		mu.Lock()
		drops++
		mu.Unlock()
	})
	d.Start()

	// One observation is stuck in Send, queueDepth fill the queue, the
	// rest must drop without blocking Dispatch.
	for i := 0; i < queueDepth+5; i++ {
		d.Dispatch(&sonde.Observation{Serial: "X", VFrame: int64(i)})
	}

	mu.Lock()
	got := drops
	mu.Unlock()
	if got == 0 {
		t.Error("no drops recorded for a blocked sink")
	}

	close(blocked.block)
	d.Shutdown(time.Second)
}

func TestShutdownFlushesSinks(t *testing.T) {
	s := &stubSink{name: "s"}
	d := NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)), s)
	d.Start()

	d.Dispatch(&sonde.Observation{Serial: "X", VFrame: 1})
	d.Shutdown(time.Second)

	if s.sentCount() != 1 {
		t.Errorf("sent = %d, want queued observation delivered before close", s.sentCount())
	}
	if s.flush != 1 {
		t.Errorf("flush calls = %d, want 1", s.flush)
	}
}

func TestShutdownDrainsWithLiveContext(t *testing.T) {
	s := &stubSink{name: "s", block: make(chan struct{})}
	d := NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)), s)
	d.Start()

	// First observation parks in Send, second waits in the queue. It must
	// still be delivered during Shutdown, on a context that is not yet
	// canceled, or the final frames of a flight never leave the process.
	d.Dispatch(&sonde.Observation{Serial: "X", VFrame: 1})
	d.Dispatch(&sonde.Observation{Serial: "X", VFrame: 2})

	done := make(chan struct{})
	go func() {
		d.Shutdown(2 * time.Second)
		close(done)
	}()
	close(s.block)
	<-done

	if s.sentCount() != 2 {
		t.Errorf("sent = %d, want both observations delivered during drain", s.sentCount())
	}
	s.mu.Lock()
	canceled := s.canceled
	s.mu.Unlock()
	if canceled != 0 {
		t.Errorf("%d sends saw a canceled context during drain", canceled)
	}
}

func TestSerialGate(t *testing.T) {
	g := NewSerialGate(20 * time.Second)
	base := time.Unix(1700000000, 0)

	if !g.Allow("A", base) {
		t.Fatal("first delivery blocked")
	}
	if g.Allow("A", base.Add(5*time.Second)) {
		t.Error("delivery inside the window allowed")
	}
	if !g.Allow("B", base.Add(5*time.Second)) {
		t.Error("independent serial blocked")
	}
	if !g.Allow("A", base.Add(20*time.Second)) {
		t.Error("delivery after the window blocked")
	}
}

func TestRecentSetResetOnOverflow(t *testing.T) {
	r := NewRecentSet(3)

	if r.Seen("A", 1) {
		t.Fatal("fresh pair reported seen")
	}
	if !r.Seen("A", 1) {
		t.Fatal("recorded pair not reported seen")
	}

	r.Seen("A", 2)
	r.Seen("A", 3)
	// Fourth insert exceeds capacity and clears the whole set.
	r.Seen("A", 4)
	if r.Len() != 0 {
		t.Errorf("len = %d after overflow, want 0 (full reset)", r.Len())
	}
	if r.Seen("A", 1) {
		t.Error("pair survived the reset")
	}
}
