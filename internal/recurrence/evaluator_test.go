package recurrence

import (
	"testing"
	"time"
)

func mustRule(t *testing.T, src Source) Rule {
	t.Helper()
	rule, err := ParseRule(src)
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	return rule
}

func instant(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic("bad test instant: " + s)
	}
	return t
}

func TestShouldFire_DailyWindowAroundSendTime(t *testing.T) {
	// 09:00 America/New_York is 13:00 UTC during EDT.
	rule := mustRule(t, Source{
		Frequency: "DAILY",
		SendTime:  "09:00",
		Timezone:  "America/New_York",
		StartDate: date(2024, time.January, 1),
	})
	eval := NewEvaluator(0)

	tests := []struct {
		name string
		now  time.Time
		fire bool
	}{
		{name: "exactly on time", now: instant("2024-06-01T13:00:00Z"), fire: true},
		{name: "two minutes late", now: instant("2024-06-01T13:02:00Z"), fire: true},
		{name: "two minutes early", now: instant("2024-06-01T12:58:00Z"), fire: true},
		{name: "window edge late", now: instant("2024-06-01T13:02:30Z"), fire: true},
		{name: "window edge early", now: instant("2024-06-01T12:57:30Z"), fire: true},
		{name: "just outside late", now: instant("2024-06-01T13:02:31Z"), fire: false},
		{name: "just outside early", now: instant("2024-06-01T12:57:29Z"), fire: false},
		{name: "wrong hour", now: instant("2024-06-01T15:00:00Z"), fire: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := eval.ShouldFire(rule, tt.now)
			if dec.Fire != tt.fire {
				t.Errorf("ShouldFire(%s) = %v (%s), want %v", tt.now, dec.Fire, dec.Reason, tt.fire)
			}
		})
	}
}

func TestShouldFire_NeverTwiceSameLocalDay(t *testing.T) {
	lastRun := instant("2024-06-01T13:00:05Z") // 09:00:05 EDT, same local day
	rule := mustRule(t, Source{
		Frequency: "DAILY",
		SendTime:  "09:00",
		Timezone:  "America/New_York",
		StartDate: date(2024, time.January, 1),
		LastRunAt: &lastRun,
	})
	eval := NewEvaluator(0)

	dec := eval.ShouldFire(rule, instant("2024-06-01T13:01:00Z"))
	if dec.Fire {
		t.Fatal("fired twice on the same local day")
	}
	if dec.Reason != ReasonAlreadyRan {
		t.Errorf("Reason = %q, want %q", dec.Reason, ReasonAlreadyRan)
	}

	// The next local day is eligible again.
	dec = eval.ShouldFire(rule, instant("2024-06-02T13:01:00Z"))
	if !dec.Fire {
		t.Errorf("next day did not fire: %s", dec.Reason)
	}
}

func TestShouldFire_LastRunComparedInRuleTimezone(t *testing.T) {
	// 2024-06-01T03:00Z is still May 31 in New York. A run recorded at that
	// instant must not suppress the June 1 fire.
	lastRun := instant("2024-06-01T03:00:00Z")
	rule := mustRule(t, Source{
		Frequency: "DAILY",
		SendTime:  "09:00",
		Timezone:  "America/New_York",
		StartDate: date(2024, time.January, 1),
		LastRunAt: &lastRun,
	})

	dec := NewEvaluator(0).ShouldFire(rule, instant("2024-06-01T13:00:00Z"))
	if !dec.Fire {
		t.Errorf("fire suppressed by previous local day's run: %s", dec.Reason)
	}
}

func TestShouldFire_WeeklyOnlyOnConfiguredDay(t *testing.T) {
	rule := mustRule(t, Source{
		Frequency:  "WEEKLY",
		DaysOfWeek: "WED",
		SendTime:   "10:00",
		Timezone:   "UTC",
		StartDate:  date(2024, time.January, 1),
	})
	eval := NewEvaluator(0)

	// 2024-06-05 is a Wednesday. Every other weekday at the send time must
	// be rejected.
	for offset := 0; offset < 7; offset++ {
		now := time.Date(2024, time.June, 3+offset, 10, 0, 0, 0, time.UTC)
		dec := eval.ShouldFire(rule, now)
		want := now.Weekday() == time.Wednesday
		if dec.Fire != want {
			t.Errorf("ShouldFire(%s %s) = %v, want %v", now.Weekday(), now, dec.Fire, want)
		}
	}
}

func TestShouldFire_DailyWithDayRestriction(t *testing.T) {
	rule := mustRule(t, Source{
		Frequency:  "DAILY",
		DaysOfWeek: "MON,WED,FRI",
		SendTime:   "10:00",
		Timezone:   "UTC",
		StartDate:  date(2024, time.January, 1),
	})
	eval := NewEvaluator(0)

	fire := eval.ShouldFire(rule, time.Date(2024, time.June, 3, 10, 0, 0, 0, time.UTC)) // Monday
	if !fire.Fire {
		t.Errorf("Monday did not fire: %s", fire.Reason)
	}
	skip := eval.ShouldFire(rule, time.Date(2024, time.June, 4, 10, 0, 0, 0, time.UTC)) // Tuesday
	if skip.Fire {
		t.Error("Tuesday fired despite day restriction")
	}
	if skip.Reason != ReasonDayMismatch {
		t.Errorf("Reason = %q, want %q", skip.Reason, ReasonDayMismatch)
	}
}

func TestShouldFire_MonthlyClampsToShortMonths(t *testing.T) {
	rule := mustRule(t, Source{
		Frequency: "MONTHLY",
		SendTime:  "00:00",
		Timezone:  "UTC",
		StartDate: date(2024, time.January, 31),
	})
	eval := NewEvaluator(0)

	tests := []struct {
		name string
		now  time.Time
		fire bool
	}{
		{name: "anchor day", now: time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC), fire: true},
		{name: "leap february 29", now: time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC), fire: true},
		{name: "non-leap february 28", now: time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC), fire: true},
		{name: "30-day month day 30", now: time.Date(2024, time.April, 30, 0, 0, 0, 0, time.UTC), fire: true},
		{name: "mid-month", now: time.Date(2024, time.April, 15, 0, 0, 0, 0, time.UTC), fire: false},
		{name: "day 28 of a 31-day month", now: time.Date(2024, time.March, 28, 0, 0, 0, 0, time.UTC), fire: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := eval.ShouldFire(rule, tt.now)
			if dec.Fire != tt.fire {
				t.Errorf("ShouldFire(%s) = %v (%s), want %v", tt.now, dec.Fire, dec.Reason, tt.fire)
			}
		})
	}
}

func TestShouldFire_DateBounds(t *testing.T) {
	end := date(2024, time.June, 15)
	rule := mustRule(t, Source{
		Frequency: "DAILY",
		SendTime:  "10:00",
		Timezone:  "UTC",
		StartDate: date(2024, time.June, 10),
		EndDate:   &end,
	})
	eval := NewEvaluator(0)

	tests := []struct {
		name   string
		now    time.Time
		fire   bool
		reason string
	}{
		{name: "before start", now: instant("2024-06-09T10:00:00Z"), fire: false, reason: ReasonBeforeStart},
		{name: "on start", now: instant("2024-06-10T10:00:00Z"), fire: true, reason: ReasonFire},
		{name: "on end date inclusive", now: instant("2024-06-15T10:00:00Z"), fire: true, reason: ReasonFire},
		{name: "after end", now: instant("2024-06-16T10:00:00Z"), fire: false, reason: ReasonAfterEnd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := eval.ShouldFire(rule, tt.now)
			if dec.Fire != tt.fire || dec.Reason != tt.reason {
				t.Errorf("ShouldFire(%s) = %v (%s), want %v (%s)", tt.now, dec.Fire, dec.Reason, tt.fire, tt.reason)
			}
		})
	}
}

func TestShouldFire_InvalidRuleNeverFiresNeverPanics(t *testing.T) {
	// Built directly rather than parsed, so Validate is the only guard.
	rule := Rule{
		Frequency: FrequencyWeekly,
		Days:      0, // invalid: weekly needs exactly one day
		At:        TimeOfDay{Hour: 10},
		Location:  time.UTC,
		Start:     date(2024, time.January, 1),
	}
	dec := NewEvaluator(0).ShouldFire(rule, instant("2024-06-05T10:00:00Z"))
	if dec.Fire {
		t.Fatal("invalid rule fired")
	}
	if dec.Reason != ReasonInvalid || dec.Err == nil {
		t.Errorf("Decision = %+v, want invalid-config with error", dec)
	}

	if _, ok := NewEvaluator(0).NextFireTime(rule, instant("2024-06-05T10:00:00Z")); ok {
		t.Error("NextFireTime returned a time for an invalid rule")
	}
}

func TestShouldFire_CronFrequency(t *testing.T) {
	rule := mustRule(t, Source{
		Frequency:      "CRON",
		CronExpression: "30 14 * * *",
		Timezone:       "UTC",
		StartDate:      date(2024, time.January, 1),
	})
	eval := NewEvaluator(0)

	if dec := eval.ShouldFire(rule, instant("2024-06-01T14:30:00Z")); !dec.Fire {
		t.Errorf("on-time cron did not fire: %s", dec.Reason)
	}
	if dec := eval.ShouldFire(rule, instant("2024-06-01T14:32:00Z")); !dec.Fire {
		t.Errorf("cron within window did not fire: %s", dec.Reason)
	}
	if dec := eval.ShouldFire(rule, instant("2024-06-01T14:40:00Z")); dec.Fire {
		t.Error("cron fired outside window")
	}
}

func TestShouldFire_CustomWindow(t *testing.T) {
	rule := mustRule(t, Source{
		Frequency: "DAILY",
		SendTime:  "09:00",
		Timezone:  "UTC",
		StartDate: date(2024, time.January, 1),
	})
	eval := NewEvaluator(30 * time.Second)

	if dec := eval.ShouldFire(rule, instant("2024-06-01T09:00:30Z")); !dec.Fire {
		t.Errorf("within narrow window did not fire: %s", dec.Reason)
	}
	if dec := eval.ShouldFire(rule, instant("2024-06-01T09:01:00Z")); dec.Fire {
		t.Error("fired outside narrow window")
	}
}

func TestNextFireTime_DailyUnrestricted(t *testing.T) {
	rule := mustRule(t, Source{
		Frequency: "DAILY",
		SendTime:  "09:00",
		Timezone:  "UTC",
		StartDate: date(2024, time.January, 1),
	})
	eval := NewEvaluator(0)

	tests := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{name: "before today's time", from: instant("2024-06-01T05:00:00Z"), want: instant("2024-06-01T09:00:00Z")},
		{name: "exactly at today's time rolls over", from: instant("2024-06-01T09:00:00Z"), want: instant("2024-06-02T09:00:00Z")},
		{name: "after today's time", from: instant("2024-06-01T12:00:00Z"), want: instant("2024-06-02T09:00:00Z")},
		{name: "before start date", from: instant("2023-11-01T00:00:00Z"), want: instant("2024-01-01T09:00:00Z")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := eval.NextFireTime(rule, tt.from)
			if !ok {
				t.Fatal("NextFireTime returned no instant")
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextFireTime(%s) = %s, want %s", tt.from, got, tt.want)
			}
		})
	}
}

func TestNextFireTime_Weekly(t *testing.T) {
	rule := mustRule(t, Source{
		Frequency:  "WEEKLY",
		DaysOfWeek: "WED",
		SendTime:   "10:00",
		Timezone:   "UTC",
		StartDate:  date(2024, time.January, 1),
	})
	eval := NewEvaluator(0)

	// Monday June 3 -> Wednesday June 5.
	got, ok := eval.NextFireTime(rule, instant("2024-06-03T00:00:00Z"))
	if !ok || !got.Equal(instant("2024-06-05T10:00:00Z")) {
		t.Errorf("NextFireTime = %s (ok=%v), want 2024-06-05T10:00:00Z", got, ok)
	}

	// Wednesday after the send time -> next Wednesday.
	got, ok = eval.NextFireTime(rule, instant("2024-06-05T11:00:00Z"))
	if !ok || !got.Equal(instant("2024-06-12T10:00:00Z")) {
		t.Errorf("NextFireTime same-day-past = %s (ok=%v), want 2024-06-12T10:00:00Z", got, ok)
	}
}

func TestNextFireTime_MultiDayWalksToNextPermittedDay(t *testing.T) {
	rule := mustRule(t, Source{
		Frequency:  "MULTI_DAY_WEEKLY",
		DaysOfWeek: "TUE,THU",
		SendTime:   "08:00",
		Timezone:   "UTC",
		StartDate:  date(2024, time.January, 1),
	})
	eval := NewEvaluator(0)

	tests := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{name: "monday", from: instant("2024-06-03T00:00:00Z"), want: instant("2024-06-04T08:00:00Z")},
		{name: "tuesday before time", from: instant("2024-06-04T06:00:00Z"), want: instant("2024-06-04T08:00:00Z")},
		{name: "tuesday after time", from: instant("2024-06-04T09:00:00Z"), want: instant("2024-06-06T08:00:00Z")},
		{name: "friday wraps week", from: instant("2024-06-07T12:00:00Z"), want: instant("2024-06-11T08:00:00Z")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := eval.NextFireTime(rule, tt.from)
			if !ok {
				t.Fatal("NextFireTime returned no instant")
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextFireTime(%s) = %s, want %s", tt.from, got, tt.want)
			}
		})
	}
}

func TestNextFireTime_MonthlyClamp(t *testing.T) {
	rule := mustRule(t, Source{
		Frequency: "MONTHLY",
		SendTime:  "00:00",
		Timezone:  "UTC",
		StartDate: date(2024, time.January, 31),
	})
	eval := NewEvaluator(0)

	tests := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{name: "leap february", from: instant("2024-02-01T00:00:00Z"), want: instant("2024-02-29T00:00:00Z")},
		{name: "february to march 31", from: instant("2024-02-29T12:00:00Z"), want: instant("2024-03-31T00:00:00Z")},
		{name: "april clamps to 30", from: instant("2024-04-01T00:00:00Z"), want: instant("2024-04-30T00:00:00Z")},
		{name: "non-leap february", from: instant("2025-02-01T00:00:00Z"), want: instant("2025-02-28T00:00:00Z")},
		{name: "year rollover", from: instant("2024-12-31T01:00:00Z"), want: instant("2025-01-31T00:00:00Z")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := eval.NextFireTime(rule, tt.from)
			if !ok {
				t.Fatal("NextFireTime returned no instant")
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextFireTime(%s) = %s, want %s", tt.from, got, tt.want)
			}
		})
	}
}

func TestNextFireTime_EndDateBoundary(t *testing.T) {
	end := date(2024, time.June, 10)
	rule := mustRule(t, Source{
		Frequency: "DAILY",
		SendTime:  "09:00",
		Timezone:  "UTC",
		StartDate: date(2024, time.June, 1),
		EndDate:   &end,
	})
	eval := NewEvaluator(0)

	// Still inside the bounds: the end date itself is a valid fire day.
	got, ok := eval.NextFireTime(rule, instant("2024-06-10T05:00:00Z"))
	if !ok || !got.Equal(instant("2024-06-10T09:00:00Z")) {
		t.Errorf("NextFireTime on end date = %s (ok=%v)", got, ok)
	}

	// Past the end date's send time: no further occurrences.
	if _, ok := eval.NextFireTime(rule, instant("2024-06-10T10:00:00Z")); ok {
		t.Error("NextFireTime returned an instant past the end date")
	}
}

func TestNextFireTime_IdempotentAndMonotone(t *testing.T) {
	rule := mustRule(t, Source{
		Frequency:  "MULTI_DAY_WEEKLY",
		DaysOfWeek: "MON,FRI",
		SendTime:   "07:15",
		Timezone:   "Europe/Berlin",
		StartDate:  date(2024, time.January, 1),
	})
	eval := NewEvaluator(0)

	from := instant("2024-06-01T00:00:00Z")
	for i := 0; i < 30; i++ {
		first, ok1 := eval.NextFireTime(rule, from)
		second, ok2 := eval.NextFireTime(rule, from)
		if ok1 != ok2 || !first.Equal(second) {
			t.Fatalf("NextFireTime not idempotent at %s: %s vs %s", from, first, second)
		}
		if ok1 && first.Before(from) {
			t.Fatalf("NextFireTime(%s) = %s is before from", from, first)
		}
		from = from.Add(13 * time.Hour)
	}
}

func TestNextFireTime_ReturnsRuleTimezone(t *testing.T) {
	rule := mustRule(t, Source{
		Frequency: "DAILY",
		SendTime:  "09:00",
		Timezone:  "America/New_York",
		StartDate: date(2024, time.January, 1),
	})

	got, ok := NewEvaluator(0).NextFireTime(rule, instant("2024-06-01T00:00:00Z"))
	if !ok {
		t.Fatal("NextFireTime returned no instant")
	}
	if got.Location().String() != "America/New_York" {
		t.Errorf("Location = %v, want America/New_York", got.Location())
	}
	if got.Hour() != 9 || got.Minute() != 0 {
		t.Errorf("local time = %02d:%02d, want 09:00", got.Hour(), got.Minute())
	}
}

func TestNextFireTime_Cron(t *testing.T) {
	rule := mustRule(t, Source{
		Frequency:      "CRON",
		CronExpression: "0 10 * * 3", // Wednesdays 10:00
		Timezone:       "UTC",
		StartDate:      date(2024, time.January, 1),
	})

	got, ok := NewEvaluator(0).NextFireTime(rule, instant("2024-06-03T00:00:00Z"))
	if !ok || !got.Equal(instant("2024-06-05T10:00:00Z")) {
		t.Errorf("NextFireTime = %s (ok=%v), want 2024-06-05T10:00:00Z", got, ok)
	}
}
