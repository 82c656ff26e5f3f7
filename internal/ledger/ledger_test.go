package ledger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"aquatrack/internal/model"
)

type fakeStorage struct {
	mu      sync.Mutex
	data    map[string][]byte
	failSet bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{data: make(map[string][]byte)}
}

func (f *fakeStorage) Get(key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeStorage) Set(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet {
		return errors.New("disk full")
	}
	f.data[key] = append([]byte(nil), value...)
	return nil
}

func (f *fakeStorage) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func event(ml float64) model.ConsumptionEvent {
	return model.ConsumptionEvent{Timestamp: time.Now().UTC(), ConsumptionMl: ml}
}

func TestAppendReadAllOrder(t *testing.T) {
	l := New(newFakeStorage(), zap.NewNop())
	if err := l.SetIdentity("alice"); err != nil {
		t.Fatalf("set identity: %v", err)
	}

	for _, ml := range []float64{0, 50, 50, 20} {
		l.Append(event(ml))
	}

	events := l.ReadAll()
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	for i, want := range []float64{0, 50, 50, 20} {
		if events[i].ConsumptionMl != want {
			t.Fatalf("event %d: want %v got %v", i, want, events[i].ConsumptionMl)
		}
	}
	if got := l.SumPending(); got != 120 {
		t.Fatalf("pending sum: want 120 got %v", got)
	}
}

func TestClearRemovesOnlySnapshot(t *testing.T) {
	l := New(newFakeStorage(), zap.NewNop())
	if err := l.SetIdentity("alice"); err != nil {
		t.Fatalf("set identity: %v", err)
	}

	l.Append(event(40))
	l.Append(event(30))

	snapshot := l.ReadAll()
	if len(snapshot) != 2 {
		t.Fatalf("snapshot size: %d", len(snapshot))
	}

	// A frame arrives while the flush is in flight.
	l.Append(event(10))

	if err := l.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}

	remaining := l.ReadAll()
	if len(remaining) != 1 || remaining[0].ConsumptionMl != 10 {
		t.Fatalf("mid-flush append lost: %+v", remaining)
	}
}

func TestClearWithoutReadIsNoop(t *testing.T) {
	l := New(newFakeStorage(), zap.NewNop())
	if err := l.SetIdentity("alice"); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	l.Append(event(25))

	if err := l.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if l.Len() != 1 {
		t.Fatalf("clear without preceding read must not drop events")
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	store := newFakeStorage()

	l := New(store, zap.NewNop())
	if err := l.SetIdentity("alice"); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	l.Append(event(40))
	l.Append(event(30))

	restarted := New(store, zap.NewNop())
	if err := restarted.SetIdentity("alice"); err != nil {
		t.Fatalf("set identity after restart: %v", err)
	}
	if got := restarted.SumPending(); got != 70 {
		t.Fatalf("pending after restart: want 70 got %v", got)
	}
}

func TestIdentitySwitchDoesNotMixEntries(t *testing.T) {
	store := newFakeStorage()
	l := New(store, zap.NewNop())

	if err := l.SetIdentity("alice"); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	l.Append(event(40))

	if err := l.SetIdentity("bob"); err != nil {
		t.Fatalf("switch identity: %v", err)
	}
	if l.Len() != 0 {
		t.Fatalf("bob should start empty, has %d events", l.Len())
	}
	l.Append(event(15))

	if err := l.SetIdentity("alice"); err != nil {
		t.Fatalf("switch back: %v", err)
	}
	if got := l.SumPending(); got != 40 {
		t.Fatalf("alice's entries must be intact: want 40 got %v", got)
	}
}

func TestClearAfterIdentitySwitchRemovesMergedEvents(t *testing.T) {
	store := newFakeStorage()
	l := New(store, zap.NewNop())
	if err := l.SetIdentity("alice"); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	l.Append(event(70))

	snapshot := l.ReadAll()
	if len(snapshot) != 1 {
		t.Fatalf("snapshot size: %d", len(snapshot))
	}

	// Logout and re-login land between the flush's read and its clear.
	if err := l.SetIdentity(""); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := l.SetIdentity("alice"); err != nil {
		t.Fatalf("re-login: %v", err)
	}

	if err := l.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := l.SumPending(); got != 0 {
		t.Fatalf("merged events still pending (%vml); next flush would double-count", got)
	}
}

func TestClearAfterSwitchToOtherUserTrimsStoredEvents(t *testing.T) {
	store := newFakeStorage()
	l := New(store, zap.NewNop())
	if err := l.SetIdentity("alice"); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	l.Append(event(40))
	l.Append(event(30))

	if got := len(l.ReadAll()); got != 2 {
		t.Fatalf("snapshot size: %d", got)
	}
	l.Append(event(10))

	// Bob takes over the bottle while alice's flush is still in flight.
	if err := l.SetIdentity("bob"); err != nil {
		t.Fatalf("switch identity: %v", err)
	}
	l.Append(event(99))

	if err := l.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if got := l.SumPending(); got != 99 {
		t.Fatalf("bob's events must be untouched: want 99 got %v", got)
	}
	if err := l.SetIdentity("alice"); err != nil {
		t.Fatalf("switch back: %v", err)
	}
	if got := l.SumPending(); got != 10 {
		t.Fatalf("only the mid-flush append should survive: want 10 got %v", got)
	}
}

func TestStorageFailureDropsEventWithoutBlocking(t *testing.T) {
	store := newFakeStorage()
	l := New(store, zap.NewNop())
	if err := l.SetIdentity("alice"); err != nil {
		t.Fatalf("set identity: %v", err)
	}

	store.failSet = true
	l.Append(event(50))
	if l.Len() != 0 {
		t.Fatalf("event should be dropped when storage is unavailable")
	}

	store.failSet = false
	l.Append(event(20))
	if got := l.SumPending(); got != 20 {
		t.Fatalf("ingestion should continue after degradation: got %v", got)
	}
}

func TestConcurrentAppendAndDrain(t *testing.T) {
	l := New(newFakeStorage(), zap.NewNop())
	if err := l.SetIdentity("alice"); err != nil {
		t.Fatalf("set identity: %v", err)
	}

	const n = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			l.Append(event(1))
		}
	}()

	var drained int
	for {
		events := l.ReadAll()
		if err := l.Clear(); err != nil {
			t.Errorf("clear: %v", err)
			return
		}
		drained += len(events)
		select {
		case <-done:
			events = l.ReadAll()
			if err := l.Clear(); err != nil {
				t.Fatalf("final clear: %v", err)
			}
			drained += len(events)
			if drained != n {
				t.Fatalf("lost or duplicated events: drained %d of %d", drained, n)
			}
			return
		default:
		}
	}
}
