package ledger

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"aquatrack/internal/model"
)

// Storage is the local persistence collaborator the ledger writes through.
type Storage interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// Ledger is the per-identity durable queue of consumption events awaiting
// remote merge. Appends arrive from the telemetry path while the reconciler
// reads and clears concurrently; Clear removes only the snapshot returned by
// the most recent ReadAll so events appended mid-flush are never dropped.
type Ledger struct {
	mu       sync.Mutex
	store    Storage
	logger   *zap.Logger
	userID   string
	events   []model.ConsumptionEvent
	snapshot int
	// snapshotUser is the identity the outstanding snapshot belongs to, so a
	// Clear after an identity switch still removes exactly what was read.
	snapshotUser string
}

// New builds an empty ledger with no active identity. Events appended before
// SetIdentity are refused.
func New(store Storage, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// SetIdentity switches the active user. Pending events for the previous
// identity stay on disk untouched; the new identity's pending events are
// loaded back into memory. An empty id (logout) leaves the ledger inert.
func (l *Ledger) SetIdentity(userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.userID = userID
	l.events = nil
	if userID == "" {
		return nil
	}

	data, found, err := l.store.Get(l.key())
	if err != nil {
		return fmt.Errorf("ledger: load %s: %w", userID, err)
	}
	if !found {
		return nil
	}
	if err := json.Unmarshal(data, &l.events); err != nil {
		return fmt.Errorf("ledger: decode pending events: %w", err)
	}
	return nil
}

// Identity returns the active user id, empty when logged out.
func (l *Ledger) Identity() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.userID
}

// Append queues an event for sync. A storage failure drops the event with a
// warning instead of blocking the telemetry path.
func (l *Ledger) Append(event model.ConsumptionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.userID == "" {
		l.logger.Warn("ledger append without active identity, event dropped",
			zap.Float64("consumption_ml", event.ConsumptionMl))
		return
	}

	l.events = append(l.events, event)
	if err := l.persistLocked(); err != nil {
		l.events = l.events[:len(l.events)-1]
		l.logger.Warn("ledger persist failed, event dropped",
			zap.String("user_id", l.userID),
			zap.Float64("consumption_ml", event.ConsumptionMl),
			zap.Error(err))
	}
}

// ReadAll returns the pending events in insertion order and marks them as the
// snapshot a following Clear will remove.
func (l *Ledger) ReadAll() []model.ConsumptionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.snapshot = len(l.events)
	l.snapshotUser = l.userID
	out := make([]model.ConsumptionEvent, l.snapshot)
	copy(out, l.events)
	return out
}

// Clear removes the last ReadAll snapshot. Events appended since that read
// survive for the next reconciler run. The snapshot is bound to the identity
// ReadAll ran under, so a logout or login between read and clear cannot leave
// already-merged events on disk.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, user := l.snapshot, l.snapshotUser
	l.snapshot = 0
	l.snapshotUser = ""
	if n == 0 || user == "" {
		return nil
	}

	if user != l.userID {
		return l.trimStored(user, n)
	}
	if n > len(l.events) {
		n = len(l.events)
	}
	l.events = append([]model.ConsumptionEvent(nil), l.events[n:]...)
	if err := l.persistLocked(); err != nil {
		return fmt.Errorf("ledger: clear: %w", err)
	}
	return nil
}

// trimStored drops the first n events from another identity's stored array.
func (l *Ledger) trimStored(userID string, n int) error {
	key := keyFor(userID)
	data, found, err := l.store.Get(key)
	if err != nil {
		return fmt.Errorf("ledger: clear %s: %w", userID, err)
	}
	if !found {
		return nil
	}
	var stored []model.ConsumptionEvent
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("ledger: clear %s: %w", userID, err)
	}
	if n >= len(stored) {
		return l.store.Remove(key)
	}
	out, err := json.Marshal(stored[n:])
	if err != nil {
		return err
	}
	return l.store.Set(key, out)
}

// Pending returns the pending events without moving the Clear snapshot.
// The aggregate read side uses it so a concurrent flush cannot mistake a
// read-only peek for its own snapshot.
func (l *Ledger) Pending() []model.ConsumptionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.ConsumptionEvent(nil), l.events...)
}

// SumPending returns the total unflushed consumption.
func (l *Ledger) SumPending() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sum float64
	for _, e := range l.events {
		sum += e.ConsumptionMl
	}
	return model.Round1(sum)
}

// Len reports the number of pending events.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *Ledger) key() string {
	return keyFor(l.userID)
}

func keyFor(userID string) string {
	return "ledger:" + userID
}

func (l *Ledger) persistLocked() error {
	if len(l.events) == 0 {
		return l.store.Remove(l.key())
	}
	data, err := json.Marshal(l.events)
	if err != nil {
		return err
	}
	return l.store.Set(l.key(), data)
}
