package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradedesk/internal/domain"
)

// Compile-time interface check.
var _ Session = (*Guard)(nil)

// Health is a point-in-time view of the guarded session.
type Health struct {
	Backend     string    `json:"backend"`
	Connected   bool      `json:"connected"`
	InFlight    bool      `json:"in_flight"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Timeouts    int64     `json:"timeouts"`
}

// Guard fronts a Session and enforces the connection discipline: at most one
// mutating call is on the wire at a time, every mutating call has a
// deadline, and outcomes are tracked for health reporting. Reads and the
// event stream pass through untouched.
//
// On timeout the caller gets domain.ErrBrokerTimeout while the underlying
// call keeps the slot until it actually returns, so a stalled broker can
// never see two interleaved mutations.
type Guard struct {
	session Session
	timeout time.Duration
	log     *slog.Logger

	slot chan struct{} // capacity 1: the single mutating slot

	mu          sync.Mutex
	inFlight    bool
	lastSuccess time.Time
	lastError   string
	timeouts    int64
}

// NewGuard wraps session. timeout <= 0 defaults to 10 seconds.
func NewGuard(session Session, timeout time.Duration, log *slog.Logger) *Guard {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	g := &Guard{
		session: session,
		timeout: timeout,
		log:     log.With("component", "session_guard", "backend", session.Name()),
		slot:    make(chan struct{}, 1),
	}
	g.slot <- struct{}{}
	return g
}

// Name returns the underlying backend name.
func (g *Guard) Name() string { return g.session.Name() }

// Connected reports the underlying session's connectivity.
func (g *Guard) Connected() bool { return g.session.Connected() }

// Events returns the underlying event stream.
func (g *Guard) Events() <-chan Event { return g.session.Events() }

// Close closes the underlying session.
func (g *Guard) Close() error { return g.session.Close() }

// SubmitOrder submits under the single-flight slot and deadline.
func (g *Guard) SubmitOrder(ctx context.Context, o *domain.Order) (int64, error) {
	var brokerID int64
	err := g.call(ctx, "submit", func() error {
		id, err := g.session.SubmitOrder(ctx, o)
		brokerID = id
		return err
	})
	return brokerID, err
}

// CancelOrder cancels under the single-flight slot and deadline.
func (g *Guard) CancelOrder(ctx context.Context, brokerOrderID int64) error {
	return g.call(ctx, "cancel", func() error {
		return g.session.CancelOrder(ctx, brokerOrderID)
	})
}

// ModifyOrder modifies under the single-flight slot and deadline.
func (g *Guard) ModifyOrder(ctx context.Context, brokerOrderID int64, o *domain.Order) error {
	return g.call(ctx, "modify", func() error {
		return g.session.ModifyOrder(ctx, brokerOrderID, o)
	})
}

// Health reports the guard's view of the session.
func (g *Guard) Health() Health {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Health{
		Backend:     g.session.Name(),
		Connected:   g.session.Connected(),
		InFlight:    g.inFlight,
		LastSuccess: g.lastSuccess,
		LastError:   g.lastError,
		Timeouts:    g.timeouts,
	}
}

// call runs fn holding the mutating slot. The slot is released when fn
// returns, not when the caller gives up, which is what keeps a timed-out
// call from overlapping the next one.
func (g *Guard) call(ctx context.Context, op string, fn func() error) error {
	if !g.session.Connected() {
		return fmt.Errorf("%s: %w", op, domain.ErrBrokerUnavailable)
	}

	select {
	case <-g.slot:
	case <-ctx.Done():
		return fmt.Errorf("%s: waiting for broker slot: %w", op, ctx.Err())
	}

	g.setInFlight(true)
	done := make(chan error, 1)
	go func() {
		err := fn()
		done <- err
		g.setInFlight(false)
		g.slot <- struct{}{}
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		g.record(err)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	case <-timer.C:
		g.recordTimeout(op)
		return fmt.Errorf("%s after %s: %w", op, g.timeout, domain.ErrBrokerTimeout)
	case <-ctx.Done():
		g.record(ctx.Err())
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

func (g *Guard) setInFlight(v bool) {
	g.mu.Lock()
	g.inFlight = v
	g.mu.Unlock()
}

func (g *Guard) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		g.lastError = err.Error()
		return
	}
	g.lastSuccess = time.Now().UTC()
	g.lastError = ""
}

func (g *Guard) recordTimeout(op string) {
	g.mu.Lock()
	g.timeouts++
	g.lastError = op + " timed out"
	g.mu.Unlock()
	g.log.Warn("broker call timed out", "op", op, "timeout", g.timeout)
}
