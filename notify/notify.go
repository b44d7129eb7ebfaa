/*
Package notify delivers ledger events to account owners and operators.

PURPOSE:
  The ledger service emits structured events (transaction applied,
  high-value alert, transfer confirmation) and never waits for delivery.
  Publish is fire-and-forget: delivery failures are logged, not propagated,
  and a full queue drops the event rather than blocking a request.

DELIVERY:
  Async fans events out to a Sink over a buffered channel drained by a
  worker pool. The Sink is the transport boundary (email gateway, SNS
  topic, webhook); this package only formats and hands off.
*/
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// EVENTS
// =============================================================================

type EventType string

const (
	// EventTransactionApplied is emitted once per durably applied balance
	// effect (one per transfer leg, so each owner hears about their own leg).
	EventTransactionApplied EventType = "transaction_applied"

	// EventHighValueAlert is additionally emitted when an amount meets the
	// configured high-value threshold.
	EventHighValueAlert EventType = "high_value_alert"

	// EventTransferConfirmation is emitted once after both transfer legs
	// succeeded.
	EventTransferConfirmation EventType = "transfer_confirmation"

	// EventSuspiciousActivity is emitted when the count of high-value
	// transactions in the trailing window reaches the configured threshold.
	EventSuspiciousActivity EventType = "suspicious_activity"

	// EventReconciliationRequired flags an account pair whose transfer
	// compensation failed. This one must reach an operator.
	EventReconciliationRequired EventType = "reconciliation_required"
)

// Event is the structured payload handed to the dispatcher. Account numbers
// are pre-masked; amounts and balances travel as exact decimal strings.
type Event struct {
	Type          EventType
	AccountID     string
	AccountNumber string // masked, last four digits
	Amount        string
	Balance       string
	OccurredAt    time.Time
	Detail        map[string]string
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher accepts events without blocking on delivery.
type Dispatcher interface {
	// Publish hands the event off. Best-effort: it never returns an error
	// and never blocks on the outcome.
	Publish(ctx context.Context, ev Event)
}

// Sink is the delivery transport behind an Async dispatcher.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// =============================================================================
// ASYNC DISPATCHER - buffered queue + worker pool
// =============================================================================

type Async struct {
	sink    Sink
	queue   chan Event
	logger  *slog.Logger
	wg      sync.WaitGroup
	once    sync.Once
	closing chan struct{}

	mu      sync.Mutex
	dropped int
}

// NewAsync starts workers delivering queued events to sink.
func NewAsync(sink Sink, workers, queueSize int, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	a := &Async{
		sink:    sink,
		queue:   make(chan Event, queueSize),
		logger:  logger,
		closing: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.worker(i)
	}
	return a
}

// Publish enqueues the event. A full queue drops the event and counts it;
// the caller is never delayed.
func (a *Async) Publish(_ context.Context, ev Event) {
	select {
	case <-a.closing:
		a.drop(ev)
	default:
		select {
		case a.queue <- ev:
		default:
			a.drop(ev)
		}
	}
}

func (a *Async) drop(ev Event) {
	a.mu.Lock()
	a.dropped++
	n := a.dropped
	a.mu.Unlock()
	a.logger.Warn("notification dropped",
		slog.String("type", string(ev.Type)),
		slog.String("account_id", ev.AccountID),
		slog.Int("dropped_total", n))
}

// Dropped returns how many events were discarded because the queue was full.
func (a *Async) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

func (a *Async) worker(id int) {
	defer a.wg.Done()
	for ev := range a.queue {
		start := time.Now()
		err := a.sink.Deliver(context.Background(), ev)
		if err != nil {
			a.logger.Error("notification delivery failed",
				slog.String("type", string(ev.Type)),
				slog.String("account_id", ev.AccountID),
				slog.Int("worker_id", id),
				slog.Duration("duration", time.Since(start)),
				slog.String("error", err.Error()))
			continue
		}
		a.logger.Info("notification delivered",
			slog.String("type", string(ev.Type)),
			slog.String("account_id", ev.AccountID),
			slog.Int("worker_id", id),
			slog.Duration("duration", time.Since(start)))
	}
}

// Close stops accepting events and waits for the queue to drain.
func (a *Async) Close(ctx context.Context) error {
	a.once.Do(func() {
		close(a.closing)
		close(a.queue)
	})
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// SINKS AND TEST HELPERS
// =============================================================================

// LogSink writes every event to the logger. The default transport when no
// external gateway is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Deliver(_ context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("event",
		slog.String("type", string(ev.Type)),
		slog.String("account", ev.AccountNumber),
		slog.String("amount", ev.Amount),
		slog.String("balance", ev.Balance))
	return nil
}

// Discard ignores every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}

// Capture records events synchronously for test assertions.
type Capture struct {
	mu     sync.Mutex
	events []Event
}

func (c *Capture) Publish(_ context.Context, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

// Events returns a copy of everything published so far.
func (c *Capture) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// ByType returns the captured events of one type, in publish order.
func (c *Capture) ByType(t EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
