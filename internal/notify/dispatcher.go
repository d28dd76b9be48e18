// ABOUTME: Fire-and-forget fan-out of identity lifecycle events to observers
// ABOUTME: Each observer runs in its own goroutine with panic isolation and a deadline

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names an identity lifecycle event.
type EventType string

const (
	EventRegistered         EventType = "registered"
	EventReauthenticated    EventType = "reauthenticated"
	EventAPIKeyRotated      EventType = "api_key_rotated"
	EventRevoked            EventType = "revoked"
	EventStatusChanged      EventType = "status_changed"
	EventReputationBlocked  EventType = "reputation_blocked"
	EventSpendingCapWarning EventType = "spending_cap_warning"
)

// Event describes something that happened to an agent.
type Event struct {
	ID       string
	Type     EventType
	AgentID  string
	Scopes   []string
	Metadata map[string]string
	At       time.Time
}

// Observer receives events. Errors and panics are logged and otherwise
// ignored.
type Observer interface {
	Notify(ctx context.Context, ev Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event) error

func (f ObserverFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// DefaultTimeout bounds a single observer call.
const DefaultTimeout = 5 * time.Second

// Dispatcher delivers events to registered observers without blocking the
// caller.
type Dispatcher struct {
	mu        sync.RWMutex
	observers []Observer
	timeout   time.Duration
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Pass nil logger for default and a
// zero timeout for DefaultTimeout.
func NewDispatcher(logger *slog.Logger, timeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		timeout: timeout,
		logger:  logger.With("component", "notify"),
	}
}

// Subscribe adds an observer.
func (d *Dispatcher) Subscribe(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// Dispatch hands ev to every observer and returns immediately. A nil
// dispatcher drops the event.
func (d *Dispatcher) Dispatch(ev Event) {
	if d == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	d.mu.RLock()
	observers := make([]Observer, len(d.observers))
	copy(observers, d.observers)
	d.mu.RUnlock()

	for _, o := range observers {
		d.wg.Add(1)
		go d.deliver(o, ev)
	}
}

func (d *Dispatcher) deliver(o Observer, ev Event) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("observer panicked",
				"event", ev.Type,
				"event_id", ev.ID,
				"panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := o.Notify(ctx, ev); err != nil {
		d.logger.Warn("observer failed",
			"event", ev.Type,
			"event_id", ev.ID,
			"agent_id", ev.AgentID,
			"error", err)
	}
}

// Wait blocks until every in-flight delivery has returned or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogObserver returns an observer that logs every event at info level.
func LogObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events")
	return ObserverFunc(func(_ context.Context, ev Event) error {
		logger.Info("agent event",
			"event", ev.Type,
			"event_id", ev.ID,
			"agent_id", ev.AgentID,
			"scopes", ev.Scopes)
		return nil
	})
}
