package domain

import (
	"sort"
	"time"
)

// DefaultBuffer is the minimum gap kept between two bookings of one professional.
const DefaultBuffer = 5 * time.Minute

// Slot is a candidate or confirmed booking window of exactly one service duration.
type Slot struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

func (s Slot) Overlaps(start, end TimeOfDay) bool {
	return s.Start < end && s.End > start
}

func (s Slot) String() string {
	return s.Start.String() + "-" + s.End.String()
}

// GenerateSlots cuts w into back-to-back slots of length d. A trailing
// remainder shorter than d is dropped.
func GenerateSlots(w ScheduleWindow, d time.Duration) []Slot {
	step := TimeOfDay(d / time.Minute)
	if step <= 0 || w.StartTime >= w.EndTime {
		return nil
	}

	out := make([]Slot, 0, int(w.EndTime-w.StartTime)/int(step))
	for t := w.StartTime; t+step <= w.EndTime; t += step {
		out = append(out, Slot{Start: t, End: t + step})
	}
	return out
}

// FilterSlots drops candidates that intersect an active break, or a live
// booking padded by buffer on both sides.
func FilterSlots(candidates []Slot, breaks []BreakWindow, bookings []BookedInterval, buffer time.Duration) []Slot {
	live := make([]BookedInterval, 0, len(bookings))
	for _, b := range bookings {
		if b.Status.Live() {
			live = append(live, b)
		}
	}

	out := make([]Slot, 0, len(candidates))
	for _, c := range candidates {
		if hitsBreak(c, breaks) {
			continue
		}
		if _, ok := FindConflict(live, c.Start, c.End, buffer); ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Offered reports whether slot is one of the candidates an active window in
// windows yields for duration d once breaks are removed. Bookings are not
// considered.
func Offered(windows []ScheduleWindow, slot Slot, d time.Duration) bool {
	for _, w := range windows {
		if !w.IsActive {
			continue
		}
		for _, c := range FilterSlots(GenerateSlots(w, d), w.Breaks, nil, 0) {
			if c == slot {
				return true
			}
		}
	}
	return false
}

func hitsBreak(c Slot, breaks []BreakWindow) bool {
	for _, b := range breaks {
		if !b.IsActive || b.StartTime >= b.EndTime {
			continue
		}
		if c.Overlaps(b.StartTime, b.EndTime) {
			return true
		}
	}
	return false
}

// FindConflict returns the first interval that [start, end) collides with
// once both sides are padded by buffer. A zero buffer is the plain
// half-open overlap test.
func FindConflict(intervals []BookedInterval, start, end TimeOfDay, buffer time.Duration) (BookedInterval, bool) {
	pad := TimeOfDay(buffer / time.Minute)
	for _, b := range intervals {
		if start < b.EndTime+pad && end+pad > b.StartTime {
			return b, true
		}
	}
	return BookedInterval{}, false
}

// NormalizeSlots sorts slots chronologically and drops any slot that overlaps
// one already kept, so overlapping schedule windows cannot yield overlapping
// availability.
func NormalizeSlots(slots []Slot) []Slot {
	sorted := make([]Slot, len(slots))
	copy(sorted, slots)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	out := make([]Slot, 0, len(sorted))
	for _, s := range sorted {
		if n := len(out); n > 0 && s.Start < out[n-1].End {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Reasons an availability answer can be empty without an error.
const (
	ReasonVacation   = "vacation"
	ReasonNoSchedule = "no_schedule"
)

// Availability is the answer for one (professional, date, service). Reason is
// set only when Slots is empty for a known cause.
type Availability struct {
	Slots  []Slot `json:"slots"`
	Reason string `json:"reason,omitempty"`
}
