package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"aquatrack/internal/model"
	"aquatrack/internal/remote"
)

// PendingSource exposes the still-unflushed ledger events.
type PendingSource interface {
	Identity() string
	Pending() []model.ConsumptionEvent
}

// Reader answers period-total queries by combining remote per-day totals
// with pending ledger events, so a dashboard never undercounts while a flush
// is outstanding. Remote reads go through a circuit breaker; when the remote
// store is unavailable the reader degrades to ledger-only figures.
type Reader struct {
	totals  remote.TotalsStore
	pending PendingSource
	breaker *gobreaker.CircuitBreaker
	loc     *time.Location
	logger  *zap.Logger
	now     func() time.Time
}

// NewReader builds a reader. loc selects the day boundary, nil = UTC.
func NewReader(totals remote.TotalsStore, pending PendingSource, loc *time.Location, logger *zap.Logger) *Reader {
	if loc == nil {
		loc = time.UTC
	}
	return &Reader{
		totals:  totals,
		pending: pending,
		loc:     loc,
		logger:  logger,
		now:     time.Now,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "remote-totals",
			Interval: time.Minute,
			Timeout:  15 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Total returns the combined consumption for the period ending now.
func (r *Reader) Total(ctx context.Context, period model.Period) (float64, error) {
	switch period {
	case model.PeriodDay, model.PeriodWeek, model.PeriodMonth:
	default:
		return 0, fmt.Errorf("aggregate: unknown period %q", period)
	}

	userID := r.pending.Identity()
	if userID == "" {
		return 0, fmt.Errorf("aggregate: no active identity")
	}

	days := period.DaysIn(r.now(), r.loc)
	inPeriod := make(map[model.Day]struct{}, len(days))
	for _, d := range days {
		inPeriod[d] = struct{}{}
	}

	var total float64

	result, err := r.breaker.Execute(func() (any, error) {
		return r.totals.QueryDailyTotals(ctx, userID, days)
	})
	if err != nil {
		// Ledger-only fallback keeps the dashboard live while the remote
		// store is unreachable or the breaker is open.
		r.logger.Warn("remote totals unavailable, serving ledger-only figures",
			zap.String("user_id", userID), zap.Error(err))
	} else {
		for _, v := range result.(map[model.Day]float64) {
			total += v
		}
	}

	for _, event := range r.pending.Pending() {
		if _, ok := inPeriod[model.DayOf(event.Timestamp, r.loc)]; ok {
			total += event.ConsumptionMl
		}
	}

	return model.Round1(total), nil
}
