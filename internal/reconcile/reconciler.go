package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"aquatrack/internal/model"
	"aquatrack/internal/remote"
)

var (
	// ErrSyncInProgress short-circuits a trigger while a run is in flight.
	ErrSyncInProgress = errors.New("reconcile: sync already in progress")
	// ErrNoSyncTarget means no device is known to attribute readings to.
	ErrNoSyncTarget = errors.New("reconcile: no known device")
)

// Ledger is the slice of the offline ledger the reconciler drains.
type Ledger interface {
	Identity() string
	ReadAll() []model.ConsumptionEvent
	Clear() error
}

// DeviceSource yields the sync target device.
type DeviceSource interface {
	CurrentDevice() (string, bool)
}

// Storage persists the last-sync timestamp locally.
type Storage interface {
	Set(key string, value []byte) error
}

// Config bounds the scheduler.
type Config struct {
	WarmupDelay  time.Duration `yaml:"warmupDelay" env:"RECONCILE_WARMUP_DELAY"`
	Interval     time.Duration `yaml:"interval" env:"RECONCILE_INTERVAL"`
	FlushTimeout time.Duration `yaml:"flushTimeout" env:"RECONCILE_FLUSH_TIMEOUT"`
}

func (c *Config) applyDefaults() {
	if c.WarmupDelay <= 0 {
		c.WarmupDelay = 30 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 30 * time.Second
	}
}

// Reconciler drains pending ledger entries into the remote per-day totals,
// idempotently for the remote and at-least-once for the ledger.
type Reconciler struct {
	cfg      Config
	ledger   Ledger
	totals   remote.TotalsStore
	archive  remote.ReadingArchive
	registry remote.DeviceRegistry
	devices  DeviceSource
	store    Storage
	loc      *time.Location
	logger   *zap.Logger

	running atomic.Bool

	mu          sync.Mutex
	schedCancel context.CancelFunc
}

// New builds a reconciler. loc selects the calendar-day boundary, nil = UTC.
func New(cfg Config, ledger Ledger, totals remote.TotalsStore, archive remote.ReadingArchive, registry remote.DeviceRegistry, devices DeviceSource, store Storage, loc *time.Location, logger *zap.Logger) *Reconciler {
	cfg.applyDefaults()
	if loc == nil {
		loc = time.UTC
	}
	return &Reconciler{
		cfg:      cfg,
		ledger:   ledger,
		totals:   totals,
		archive:  archive,
		registry: registry,
		devices:  devices,
		store:    store,
		loc:      loc,
		logger:   logger,
	}
}

// MonitoringChanged starts the periodic schedule when telemetry monitoring
// begins and stops it when monitoring ends. A run already in flight is
// allowed to finish.
func (r *Reconciler) MonitoringChanged(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if active {
		if r.schedCancel != nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		r.schedCancel = cancel
		go r.scheduleLoop(ctx)
		return
	}

	if r.schedCancel != nil {
		r.schedCancel()
		r.schedCancel = nil
	}
}

func (r *Reconciler) scheduleLoop(ctx context.Context) {
	warmup := time.NewTimer(r.cfg.WarmupDelay)
	defer warmup.Stop()

	select {
	case <-ctx.Done():
		return
	case <-warmup.C:
	}
	r.runScheduled()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runScheduled()
		}
	}
}

// runScheduled detaches from the scheduler context so a run that started
// just before monitoring ended can complete.
func (r *Reconciler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FlushTimeout)
	defer cancel()

	if err := r.RunOnce(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrNoSyncTarget) {
		r.logger.Warn("scheduled sync deferred", zap.Error(err))
	}
}

// RunOnce performs one flush. It is a no-op when there is no active identity,
// no known device, or nothing pending. Any failure before the final clear
// leaves the ledger untouched so the next run retries the same entries.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer r.running.Store(false)

	userID := r.ledger.Identity()
	if userID == "" {
		return nil
	}
	deviceID, ok := r.devices.CurrentDevice()
	if !ok {
		return ErrNoSyncTarget
	}

	events := r.ledger.ReadAll()
	if len(events) == 0 {
		return nil
	}

	// Audit trail first: points carry the event timestamp, so a retried
	// flush lands on the same points instead of duplicating them.
	for _, event := range events {
		if err := r.archive.AppendRawReading(ctx, deviceID, userID, event); err != nil {
			return fmt.Errorf("reconcile: archive reading: %w", err)
		}
	}

	deltaByDay := make(map[model.Day]float64)
	var totalMl float64
	for _, event := range events {
		day := model.DayOf(event.Timestamp, r.loc)
		deltaByDay[day] += event.ConsumptionMl
		totalMl += event.ConsumptionMl
	}

	// Additive read-modify-write per day. Not atomic against concurrent
	// writers; a single user has one active session, so lost updates are
	// accepted as an eventual-consistency tradeoff.
	for day, delta := range deltaByDay {
		current, err := r.totals.GetDailyTotal(ctx, userID, day)
		if err != nil {
			return fmt.Errorf("reconcile: read total for %s: %w", day, err)
		}
		if err := r.totals.SetDailyTotal(ctx, userID, day, model.Round1(current+delta)); err != nil {
			return fmt.Errorf("reconcile: write total for %s: %w", day, err)
		}
	}

	if err := r.registry.SetDeviceOwner(ctx, deviceID, userID); err != nil {
		return fmt.Errorf("reconcile: record device owner: %w", err)
	}

	if err := r.ledger.Clear(); err != nil {
		return fmt.Errorf("reconcile: clear ledger: %w", err)
	}

	now := time.Now().UTC()
	if err := r.store.Set("sync:last:"+userID, []byte(now.Format(time.RFC3339))); err != nil {
		r.logger.Warn("persist last-sync timestamp failed", zap.Error(err))
	}
	if err := r.registry.RecordSync(ctx, userID, deviceID, len(events), model.Round1(totalMl)); err != nil {
		r.logger.Warn("record sync history failed", zap.Error(err))
	}

	r.logger.Info("ledger flushed",
		zap.String("user_id", userID),
		zap.String("device_id", deviceID),
		zap.Int("events", len(events)),
		zap.Float64("total_ml", model.Round1(totalMl)),
		zap.Int("days", len(deltaByDay)))
	return nil
}
