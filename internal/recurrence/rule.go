// Package recurrence decides when a recurring email schedule fires.
//
// Rules arrive from the store in string form (comma-joined day tags,
// "HH:mm" send times, ISO dates). ParseRule converts them into a typed
// Rule at the boundary; all evaluation logic works on the typed form.
// Both evaluator operations are pure: they read only their arguments,
// never the wall clock, and never panic on malformed input.
package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Frequency string

const (
	FrequencyDaily          Frequency = "DAILY"
	FrequencyWeekly         Frequency = "WEEKLY"
	FrequencyMultiDayWeekly Frequency = "MULTI_DAY_WEEKLY"
	FrequencyMonthly        Frequency = "MONTHLY"
	FrequencyCron           Frequency = "CRON"
)

// ParseFrequency maps a stored frequency string to a Frequency.
func ParseFrequency(s string) (Frequency, error) {
	switch Frequency(strings.ToUpper(strings.TrimSpace(s))) {
	case FrequencyDaily:
		return FrequencyDaily, nil
	case FrequencyWeekly:
		return FrequencyWeekly, nil
	case FrequencyMultiDayWeekly:
		return FrequencyMultiDayWeekly, nil
	case FrequencyMonthly:
		return FrequencyMonthly, nil
	case FrequencyCron:
		return FrequencyCron, nil
	default:
		return "", &ConfigError{Field: "frequency", Reason: fmt.Sprintf("unknown value %q", s)}
	}
}

// DaySet is a set of weekdays, one bit per time.Weekday.
type DaySet uint8

func (s DaySet) Has(d time.Weekday) bool {
	return s&(1<<uint(d)) != 0
}

func (s DaySet) Count() int {
	n := 0
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			n++
		}
	}
	return n
}

func (s DaySet) String() string {
	var tags []string
	// Week starts on Monday in the stored representation.
	for _, d := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday} {
		if s.Has(d) {
			tags = append(tags, dayTag(d))
		}
	}
	return strings.Join(tags, ",")
}

// ParseDayTag maps a stored weekday tag to a time.Weekday.
func ParseDayTag(tag string) (time.Weekday, error) {
	switch strings.ToUpper(strings.TrimSpace(tag)) {
	case "SUN":
		return time.Sunday, nil
	case "MON":
		return time.Monday, nil
	case "TUE":
		return time.Tuesday, nil
	case "WED":
		return time.Wednesday, nil
	case "THU":
		return time.Thursday, nil
	case "FRI":
		return time.Friday, nil
	case "SAT":
		return time.Saturday, nil
	default:
		return 0, &ConfigError{Field: "days_of_week", Reason: fmt.Sprintf("unknown day tag %q", tag)}
	}
}

func dayTag(d time.Weekday) string {
	switch d {
	case time.Sunday:
		return "SUN"
	case time.Monday:
		return "MON"
	case time.Tuesday:
		return "TUE"
	case time.Wednesday:
		return "WED"
	case time.Thursday:
		return "THU"
	case time.Friday:
		return "FRI"
	case time.Saturday:
		return "SAT"
	}
	return ""
}

// ParseDaySet parses a comma-joined day tag string ("MON,WED,FRI").
// An empty string yields the empty set.
func ParseDaySet(s string) (DaySet, error) {
	var set DaySet
	if strings.TrimSpace(s) == "" {
		return set, nil
	}
	for _, tag := range strings.Split(s, ",") {
		d, err := ParseDayTag(tag)
		if err != nil {
			return 0, err
		}
		set |= 1 << uint(d)
	}
	return set, nil
}

// TimeOfDay is a local wall-clock time within a rule's timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses a 24-hour "HH:mm" string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return TimeOfDay{}, &ConfigError{Field: "send_time", Reason: fmt.Sprintf("expected HH:mm, got %q", s)}
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, &ConfigError{Field: "send_time", Reason: fmt.Sprintf("invalid hour in %q", s)}
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, &ConfigError{Field: "send_time", Reason: fmt.Sprintf("invalid minute in %q", s)}
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ConfigError reports an invalid or inconsistent rule configuration.
// Rules carrying a ConfigError never fire; the caller decides how to log it.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Reason)
}

// Source is the stored string layout of a schedule's recurrence fields,
// as supplied by the rule store.
type Source struct {
	Frequency      string
	DaysOfWeek     string
	SendTime       string
	Timezone       string
	CronExpression string
	StartDate      time.Time // date component significant, any zone
	EndDate        *time.Time
	LastRunAt      *time.Time
}

// Rule is the typed recurrence configuration the evaluator works on.
// It is treated as an immutable value per evaluation call.
type Rule struct {
	Frequency Frequency
	Days      DaySet
	At        TimeOfDay
	Location  *time.Location

	// Start and End are midnights of the bounding calendar dates in Location.
	// End is inclusive: the rule may still fire on the End date itself.
	Start time.Time
	End   *time.Time

	// AnchorDay is Start's day-of-month; MONTHLY rules target it, clamped
	// to the last day of shorter months.
	AnchorDay int

	// Cron is set only for FrequencyCron.
	Cron cron.Schedule

	LastRun *time.Time
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseRule converts a stored Source into a typed, validated Rule.
func ParseRule(src Source) (Rule, error) {
	freq, err := ParseFrequency(src.Frequency)
	if err != nil {
		return Rule{}, err
	}

	days, err := ParseDaySet(src.DaysOfWeek)
	if err != nil {
		return Rule{}, err
	}

	tz := src.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Rule{}, &ConfigError{Field: "timezone", Reason: err.Error()}
	}

	rule := Rule{
		Frequency: freq,
		Days:      days,
		Location:  loc,
		LastRun:   src.LastRunAt,
	}

	if freq == FrequencyCron {
		if strings.TrimSpace(src.CronExpression) == "" {
			return Rule{}, &ConfigError{Field: "cron_expression", Reason: "required for CRON frequency"}
		}
		sched, err := cronParser.Parse(src.CronExpression)
		if err != nil {
			return Rule{}, &ConfigError{Field: "cron_expression", Reason: err.Error()}
		}
		rule.Cron = sched
	} else {
		at, err := ParseTimeOfDay(src.SendTime)
		if err != nil {
			return Rule{}, err
		}
		rule.At = at
	}

	if src.StartDate.IsZero() {
		return Rule{}, &ConfigError{Field: "start_date", Reason: "required"}
	}
	rule.Start = midnightOf(src.StartDate, loc)
	rule.AnchorDay = src.StartDate.Day()

	if src.EndDate != nil {
		end := midnightOf(*src.EndDate, loc)
		if end.Before(rule.Start) {
			return Rule{}, &ConfigError{Field: "end_date", Reason: "before start_date"}
		}
		rule.End = &end
	}

	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// Validate checks the day-set invariants per frequency. ParseRule already
// calls it; it exists separately so rules constructed in code get the same
// guarantees before evaluation.
func (r Rule) Validate() error {
	if r.Location == nil {
		return &ConfigError{Field: "timezone", Reason: "missing location"}
	}
	if r.Start.IsZero() {
		return &ConfigError{Field: "start_date", Reason: "required"}
	}
	if r.End != nil && r.End.Before(r.Start) {
		return &ConfigError{Field: "end_date", Reason: "before start_date"}
	}

	switch r.Frequency {
	case FrequencyDaily:
		// Empty set means every day; a non-empty set restricts days.
		return nil
	case FrequencyWeekly:
		if r.Days.Count() != 1 {
			return &ConfigError{Field: "days_of_week", Reason: fmt.Sprintf("WEEKLY requires exactly one day, got %d", r.Days.Count())}
		}
		return nil
	case FrequencyMultiDayWeekly:
		if r.Days.Count() == 0 {
			return &ConfigError{Field: "days_of_week", Reason: "MULTI_DAY_WEEKLY requires at least one day"}
		}
		return nil
	case FrequencyMonthly:
		// Day-of-week selection is ignored; the anchor day drives firing.
		if r.AnchorDay < 1 || r.AnchorDay > 31 {
			return &ConfigError{Field: "start_date", Reason: fmt.Sprintf("anchor day %d out of range", r.AnchorDay)}
		}
		return nil
	case FrequencyCron:
		if r.Cron == nil {
			return &ConfigError{Field: "cron_expression", Reason: "not parsed"}
		}
		return nil
	default:
		return &ConfigError{Field: "frequency", Reason: fmt.Sprintf("unknown value %q", string(r.Frequency))}
	}
}

// midnightOf returns midnight of t's calendar date, reinterpreted in loc.
// The date is taken from t in its own zone, so a DATE column scanned as
// UTC midnight keeps its calendar day.
func midnightOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// sameLocalDay reports whether a and b fall on the same calendar date in loc.
func sameLocalDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// daysIn returns the number of days in the given month.
func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// clampDay reduces day to the last day of the month when the month is shorter.
func clampDay(day, year int, month time.Month, loc *time.Location) int {
	if last := daysIn(year, month, loc); day > last {
		return last
	}
	return day
}
