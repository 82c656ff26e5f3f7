// Package remote defines the contracts of the aggregation backend. The core
// consumes it as an opaque keyed read/write/query service; implementations
// live in the subpackages.
package remote

import (
	"context"

	"aquatrack/internal/model"
)

// TotalsStore holds the per-user per-day consumption accumulators. Totals
// are monotonically non-decreasing; the reconciler is the only writer.
type TotalsStore interface {
	GetDailyTotal(ctx context.Context, userID string, day model.Day) (float64, error)
	SetDailyTotal(ctx context.Context, userID string, day model.Day, total float64) error
	QueryDailyTotals(ctx context.Context, userID string, days []model.Day) (map[model.Day]float64, error)
}

// ReadingArchive is the append-only raw event log kept for audit and replay.
type ReadingArchive interface {
	AppendRawReading(ctx context.Context, deviceID, userID string, event model.ConsumptionEvent) error
}

// DeviceRegistry records device ownership and flush history.
type DeviceRegistry interface {
	SetDeviceOwner(ctx context.Context, deviceID, userID string) error
	RecordSync(ctx context.Context, userID, deviceID string, events int, totalMl float64) error
}
