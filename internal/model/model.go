package model

import (
	"math"
	"time"
)

// Device identifies a bottle sensor by its stable radio address.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Reading is a single decoded telemetry snapshot. Fields the frame did not
// carry, or carried with a non-numeric value, are nil.
type Reading struct {
	VolumeMl    *float64  `json:"volume_ml"`
	DistanceCm  *float64  `json:"distance_cm"`
	BatteryVolt *float64  `json:"battery_v"`
	BatteryPct  *float64  `json:"battery_pct"`
	LightPct    *float64  `json:"light_pct"`
	At          time.Time `json:"at"`
}

// ConsumptionEvent records water consumed between two consecutive readings.
// ConsumptionMl is never negative; the first event after a (re)connection is
// the zero seed.
type ConsumptionEvent struct {
	Timestamp        time.Time `json:"timestamp"`
	VolumeMl         float64   `json:"volume_ml"`
	PreviousVolumeMl float64   `json:"previous_volume_ml"`
	ConsumptionMl    float64   `json:"consumption_ml"`
}

// Day is a calendar-day key in YYYY-MM-DD form.
type Day string

const dayLayout = "2006-01-02"

// DayOf derives the calendar-day key for a timestamp in the given location.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	return Day(t.In(loc).Format(dayLayout))
}

// Time returns midnight of the day in the given location.
func (d Day) Time(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(dayLayout, string(d), loc)
}

// Next returns the following calendar day.
func (d Day) Next(loc *time.Location) Day {
	t, err := d.Time(loc)
	if err != nil {
		return d
	}
	return DayOf(t.AddDate(0, 0, 1), loc)
}

// Period selects an aggregation window for total queries.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// DaysIn expands a period anchored at now into its calendar days. Weeks start
// on Monday; months run from the 1st through today.
func (p Period) DaysIn(now time.Time, loc *time.Location) []Day {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	var start time.Time
	switch p {
	case PeriodWeek:
		offset := (int(now.Weekday()) + 6) % 7
		start = time.Date(now.Year(), now.Month(), now.Day()-offset, 0, 0, 0, 0, loc)
	case PeriodMonth:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
	default:
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	}

	var days []Day
	for t := start; !t.After(now); t = t.AddDate(0, 0, 1) {
		days = append(days, DayOf(t, loc))
	}
	return days
}

// Round1 rounds to one decimal place, the resolution of the bottle's level
// sensor.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
