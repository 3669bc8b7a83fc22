package domain

import (
	"fmt"
	"time"
)

// DefaultLocation is where appointments take place unless configured otherwise.
const DefaultLocation = "Immigration Office - Main Building"

// TimeWindow is a half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks the window is non-empty.
func (w TimeWindow) Validate() error {
	if !w.End.After(w.Start) {
		return fmt.Errorf("%w: window end must be after start", ErrInvalidInput)
	}
	return nil
}

// Widen extends the end of the window by d.
func (w TimeWindow) Widen(d time.Duration) TimeWindow {
	return TimeWindow{Start: w.Start, End: w.End.Add(d)}
}

// AppointmentSlot is a unit of scheduling capacity.
// ReservedCount never exceeds Capacity.
type AppointmentSlot struct {
	ID            string        `json:"id"`
	StartTime     time.Time     `json:"start_time"`
	Duration      time.Duration `json:"duration"`
	Capacity      int           `json:"capacity"`
	ReservedCount int           `json:"reserved_count"`
	Location      string        `json:"location"`
	CreatedAt     time.Time     `json:"created_at"`
}

// HasCapacity reports whether another reservation fits.
func (s *AppointmentSlot) HasCapacity() bool {
	return s.ReservedCount < s.Capacity
}

// EndTime returns the end of the slot.
func (s *AppointmentSlot) EndTime() time.Time {
	return s.StartTime.Add(s.Duration)
}

// Appointment binds a submission to a reserved slot. One per submission.
type Appointment struct {
	ID           string    `json:"id"`
	SubmissionID string    `json:"submission_id"`
	SlotID       string    `json:"slot_id"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Location     string    `json:"location"`
	CreatedAt    time.Time `json:"created_at"`
}

// SlotTimes are the daily start times of generated slots.
var SlotTimes = []struct{ Hour, Minute int }{
	{9, 0}, {10, 30}, {12, 0}, {14, 0}, {15, 30},
}

// SlotCalendar generates working-day slots starting at from, for the given
// number of calendar days. Weekends are skipped.
func SlotCalendar(from time.Time, days int, duration time.Duration, capacity int, location string) []*AppointmentSlot {
	var slots []*AppointmentSlot
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	for i := 0; i < days; i++ {
		d := day.AddDate(0, 0, i)
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		for _, t := range SlotTimes {
			start := time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, d.Location())
			if start.Before(from) {
				continue
			}
			slots = append(slots, &AppointmentSlot{
				StartTime: start,
				Duration:  duration,
				Capacity:  capacity,
				Location:  location,
			})
		}
	}
	return slots
}
