package recurrence

import "time"

// DefaultFiringWindow is the default half-width of the firing window.
// The window tolerates imprecise poll cadence from the tick loop; it is
// symmetric and centered on the scheduled minute. Sized for a poll
// interval of up to five minutes.
const DefaultFiringWindow = 150 * time.Second

// Decision is the outcome of a ShouldFire evaluation. The evaluator never
// logs; Reason and Err exist so the caller can.
type Decision struct {
	Fire   bool
	Reason string
	Err    error // set only for configuration errors
}

// Decision reasons.
const (
	ReasonFire          = "within firing window"
	ReasonInvalid       = "invalid configuration"
	ReasonBeforeStart   = "before start date"
	ReasonAfterEnd      = "after end date"
	ReasonOutsideWindow = "outside firing window"
	ReasonAlreadyRan    = "already ran today"
	ReasonDayMismatch   = "not a scheduled day"
)

// Evaluator answers whether a rule should fire at a given instant and
// projects the next fire instant. It holds no mutable state and is safe
// for concurrent use.
type Evaluator struct {
	window time.Duration // half-width of the firing window
}

// NewEvaluator creates an Evaluator with the given firing-window half-width.
// A non-positive window selects DefaultFiringWindow.
func NewEvaluator(window time.Duration) *Evaluator {
	if window <= 0 {
		window = DefaultFiringWindow
	}
	return &Evaluator{window: window}
}

// Window returns the firing-window half-width.
func (e *Evaluator) Window() time.Duration {
	return e.window
}

// ShouldFire decides whether rule should fire at instant now. It is a pure
// predicate: rule state (in particular LastRun) is read, never written.
func (e *Evaluator) ShouldFire(rule Rule, now time.Time) Decision {
	if err := rule.Validate(); err != nil {
		return Decision{Reason: ReasonInvalid, Err: err}
	}

	loc := rule.Location
	localNow := now.In(loc)

	if dateBefore(localNow, rule.Start) {
		return Decision{Reason: ReasonBeforeStart}
	}
	if rule.End != nil && dateAfter(localNow, *rule.End) {
		return Decision{Reason: ReasonAfterEnd}
	}

	var scheduled time.Time
	if rule.Frequency == FrequencyCron {
		// Most recent occurrence inside the window, if any. Next is strictly
		// after its argument, so back off one extra second to keep an
		// occurrence sitting exactly on the window edge.
		scheduled = rule.Cron.Next(now.Add(-e.window - time.Second).In(loc))
	} else {
		y, m, d := localNow.Date()
		scheduled = time.Date(y, m, d, rule.At.Hour, rule.At.Minute, 0, 0, loc)
	}

	delta := now.Sub(scheduled)
	if delta < -e.window || delta > e.window {
		return Decision{Reason: ReasonOutsideWindow}
	}

	if rule.LastRun != nil && sameLocalDay(*rule.LastRun, now, loc) {
		return Decision{Reason: ReasonAlreadyRan}
	}

	switch rule.Frequency {
	case FrequencyDaily:
		if rule.Days != 0 && !rule.Days.Has(localNow.Weekday()) {
			return Decision{Reason: ReasonDayMismatch}
		}
	case FrequencyWeekly, FrequencyMultiDayWeekly:
		if !rule.Days.Has(localNow.Weekday()) {
			return Decision{Reason: ReasonDayMismatch}
		}
	case FrequencyMonthly:
		y, m, _ := localNow.Date()
		last := daysIn(y, m, loc)
		dom := localNow.Day()
		// Anchor days past the end of a short month clamp to its last day,
		// so a rule anchored to the 31st fires on Feb 28/29.
		if dom != rule.AnchorDay && !(rule.AnchorDay > last && dom == last) {
			return Decision{Reason: ReasonDayMismatch}
		}
	case FrequencyCron:
		// The window check against the cron occurrence already decided.
	}

	return Decision{Fire: true, Reason: ReasonFire}
}

// NextFireTime returns the next instant at or after from at which rule
// would fire, expressed in the rule's timezone. ok is false when the rule
// can never fire again or its configuration is invalid. The projection is
// pure date arithmetic, not a search: every branch is bounded.
func (e *Evaluator) NextFireTime(rule Rule, from time.Time) (next time.Time, ok bool) {
	if err := rule.Validate(); err != nil {
		return time.Time{}, false
	}

	loc := rule.Location

	if rule.Frequency == FrequencyCron {
		seed := from
		if seed.Before(rule.Start) {
			seed = rule.Start.Add(-time.Second)
		}
		next = rule.Cron.Next(seed.In(loc))
		if next.IsZero() {
			return time.Time{}, false
		}
		return e.boundEnd(rule, next, loc)
	}

	origin := from.In(loc)
	if origin.Before(rule.Start) {
		origin = rule.Start
	}
	oy, om, od := origin.Date()

	at := func(y int, m time.Month, d int) time.Time {
		// time.Date normalizes out-of-range days, so d may carry an offset.
		return time.Date(y, m, d, rule.At.Hour, rule.At.Minute, 0, 0, loc)
	}

	switch rule.Frequency {
	case FrequencyDaily, FrequencyMultiDayWeekly:
		if rule.Frequency == FrequencyDaily && rule.Days == 0 {
			next = at(oy, om, od)
			if !next.After(from) {
				next = at(oy, om, od+1)
			}
			break
		}
		// Walk forward at most a week, plus one day for the
		// today-but-already-past case.
		for i := 0; i < 8; i++ {
			c := at(oy, om, od+i)
			if rule.Days.Has(c.Weekday()) && c.After(from) {
				next = c
				break
			}
		}

	case FrequencyWeekly:
		target := singleDay(rule.Days)
		cur := time.Date(oy, om, od, 0, 0, 0, 0, loc).Weekday()
		jump := (int(target) - int(cur) + 7) % 7
		next = at(oy, om, od+jump)
		if !next.After(from) {
			next = at(oy, om, od+jump+7)
		}

	case FrequencyMonthly:
		next = at(oy, om, clampDay(rule.AnchorDay, oy, om, loc))
		if !next.After(from) {
			ny, nm := oy, om+1
			if nm > time.December {
				ny, nm = oy+1, time.January
			}
			next = at(ny, nm, clampDay(rule.AnchorDay, ny, nm, loc))
		}
	}

	if next.IsZero() {
		return time.Time{}, false
	}
	return e.boundEnd(rule, next, loc)
}

// boundEnd enforces the inclusive end date on a projected instant.
func (e *Evaluator) boundEnd(rule Rule, next time.Time, loc *time.Location) (time.Time, bool) {
	if rule.End != nil && dateAfter(next.In(loc), *rule.End) {
		return time.Time{}, false
	}
	return next.In(loc), true
}

// singleDay returns the only weekday in a one-element set.
func singleDay(s DaySet) time.Weekday {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			return d
		}
	}
	return time.Sunday
}

// dateBefore reports whether t's calendar date precedes ref's.
// Both must already be in the rule's location.
func dateBefore(t, ref time.Time) bool {
	ty, tm, td := t.Date()
	ry, rm, rd := ref.Date()
	if ty != ry {
		return ty < ry
	}
	if tm != rm {
		return tm < rm
	}
	return td < rd
}

// dateAfter reports whether t's calendar date follows ref's.
func dateAfter(t, ref time.Time) bool {
	return dateBefore(ref, t)
}
