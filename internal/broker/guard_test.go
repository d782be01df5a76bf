package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradedesk/internal/domain"
)

// stubSession is a scriptable Session for guard tests. SubmitOrder blocks
// on the block channel when one is set; cancel and modify return
// immediately.
type stubSession struct {
	connected  atomic.Bool
	submits    atomic.Int64
	inCalls    atomic.Int64
	overlapped atomic.Bool
	delay      time.Duration
	block      chan struct{}
	err        error
	events     chan Event
}

func newStubSession() *stubSession {
	s := &stubSession{events: make(chan Event)}
	s.connected.Store(true)
	return s
}

func (s *stubSession) Name() string         { return "stub" }
func (s *stubSession) Connected() bool      { return s.connected.Load() }
func (s *stubSession) Events() <-chan Event { return s.events }
func (s *stubSession) Close() error         { return nil }

func (s *stubSession) enter() {
	if s.inCalls.Add(1) > 1 {
		s.overlapped.Store(true)
	}
}

func (s *stubSession) SubmitOrder(_ context.Context, _ *domain.Order) (int64, error) {
	s.enter()
	defer s.inCalls.Add(-1)
	if s.block != nil {
		<-s.block
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return 7000 + s.submits.Add(1), s.err
}

func (s *stubSession) CancelOrder(_ context.Context, _ int64) error {
	s.enter()
	defer s.inCalls.Add(-1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.err
}

func (s *stubSession) ModifyOrder(_ context.Context, _ int64, _ *domain.Order) error {
	s.enter()
	defer s.inCalls.Add(-1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.err
}

func TestGuardPassesThrough(t *testing.T) {
	stub := newStubSession()
	g := NewGuard(stub, time.Second, testLogger())

	id, err := g.SubmitOrder(context.Background(), testOrder(10, 0))
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if id != 7001 {
		t.Fatalf("broker id = %d, want 7001", id)
	}

	h := g.Health()
	if h.Backend != "stub" || !h.Connected {
		t.Fatalf("health = %+v", h)
	}
	if h.LastSuccess.IsZero() {
		t.Error("LastSuccess not recorded")
	}
	if h.Timeouts != 0 || h.LastError != "" {
		t.Fatalf("health after success = %+v", h)
	}
}

func TestGuardDisconnected(t *testing.T) {
	stub := newStubSession()
	stub.connected.Store(false)
	g := NewGuard(stub, time.Second, testLogger())

	_, err := g.SubmitOrder(context.Background(), testOrder(10, 0))
	if !errors.Is(err, domain.ErrBrokerUnavailable) {
		t.Fatalf("err = %v, want ErrBrokerUnavailable", err)
	}
	if got := stub.submits.Load(); got != 0 {
		t.Fatalf("broker was called %d times while disconnected", got)
	}
}

func TestGuardTimeoutHoldsSlot(t *testing.T) {
	stub := newStubSession()
	stub.block = make(chan struct{})
	g := NewGuard(stub, 40*time.Millisecond, testLogger())

	_, err := g.SubmitOrder(context.Background(), testOrder(10, 0))
	if !errors.Is(err, domain.ErrBrokerTimeout) {
		t.Fatalf("err = %v, want ErrBrokerTimeout", err)
	}
	if got := g.Health().Timeouts; got != 1 {
		t.Fatalf("timeouts = %d, want 1", got)
	}

	// The stalled submit still holds the slot, so the next mutation waits.
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	if err := g.CancelOrder(ctx, 7001); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded while slot is held", err)
	}

	// Once the stalled call returns the slot frees up.
	close(stub.block)
	if err := g.CancelOrder(context.Background(), 7001); err != nil {
		t.Fatalf("CancelOrder after release: %v", err)
	}
}

func TestGuardRecordsErrors(t *testing.T) {
	stub := newStubSession()
	stub.err = errors.New("wire dropped")
	g := NewGuard(stub, time.Second, testLogger())

	if _, err := g.SubmitOrder(context.Background(), testOrder(10, 0)); err == nil {
		t.Fatal("expected error")
	}
	if got := g.Health().LastError; got == "" {
		t.Fatal("LastError not recorded")
	}
}

func TestGuardSingleFlight(t *testing.T) {
	stub := newStubSession()
	stub.delay = 2 * time.Millisecond
	g := NewGuard(stub, time.Second, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.SubmitOrder(context.Background(), testOrder(10, 0)); err != nil {
				t.Errorf("SubmitOrder: %v", err)
			}
		}()
	}
	wg.Wait()

	if stub.overlapped.Load() {
		t.Fatal("two mutating broker calls overlapped")
	}
	if got := stub.submits.Load(); got != 8 {
		t.Fatalf("submits = %d, want 8", got)
	}
}
