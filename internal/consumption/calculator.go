package consumption

import (
	"sync"

	"aquatrack/internal/model"
)

// Appender receives every computed event before any other observer sees it,
// so a crash between decode and persistence cannot lose consumption.
type Appender interface {
	Append(event model.ConsumptionEvent)
}

// Calculator derives consumption deltas from consecutive fill-level readings.
// A drop in level is intake; a rise is a refill and counts as zero. The first
// reading after each (re)connection only seeds the previous level.
type Calculator struct {
	mu          sync.Mutex
	ledger      Appender
	prevVolume  float64
	seeded      bool
	accumulated float64
}

// NewCalculator builds a calculator appending into the given ledger.
func NewCalculator(ledger Appender) *Calculator {
	return &Calculator{ledger: ledger}
}

// Observe processes one reading. Readings without a volume are ignored. The
// returned event has already been appended to the ledger.
func (c *Calculator) Observe(reading *model.Reading) (*model.ConsumptionEvent, bool) {
	if reading == nil || reading.VolumeMl == nil {
		return nil, false
	}
	volume := *reading.VolumeMl

	c.mu.Lock()
	defer c.mu.Unlock()

	event := model.ConsumptionEvent{
		Timestamp:        reading.At,
		VolumeMl:         volume,
		PreviousVolumeMl: volume,
	}

	if c.seeded {
		raw := c.prevVolume - volume
		if raw < 0 {
			raw = 0
		}
		event.PreviousVolumeMl = c.prevVolume
		event.ConsumptionMl = model.Round1(raw)
		c.accumulated = model.Round1(c.accumulated + event.ConsumptionMl)
	} else {
		c.seeded = true
	}
	c.prevVolume = volume

	c.ledger.Append(event)
	return &event, true
}

// Reset forgets the previous volume so the next reading seeds again. Called
// on disconnect and on identity change.
func (c *Calculator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seeded = false
	c.prevVolume = 0
}

// ResetAccumulation additionally zeroes the running total, for logout.
func (c *Calculator) ResetAccumulation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seeded = false
	c.prevVolume = 0
	c.accumulated = 0
}

// Accumulated returns the running consumption total since login.
func (c *Calculator) Accumulated() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accumulated
}
