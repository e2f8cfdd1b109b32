// Package schedule computes the next eligible fire time for a robot's
// recurrence configuration. NextFireTime is a pure function of
// (config, now, lastRunAt) so re-scheduling after a process restart is
// idempotent.
package schedule

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/theshibabasement/maxun/pkg/models"
)

// ErrComputation wraps every malformed-configuration failure so callers can
// classify schedule errors without inspecting messages.
var ErrComputation = errors.New("schedule computation failed")

// maxAdvance bounds the residual roll-forward loop. skipAhead lands the
// candidate within a few periods of now, so the loop only absorbs window
// clamps and month-length adjustments.
const maxAdvance = 1000

func fieldErr(field, reason string) error {
	return errors.Wrap(ErrComputation, fmt.Sprintf("%s: %s", field, reason))
}

// Validate rejects a malformed configuration with a field-level reason.
// A valid cronExpression makes the structured recurrence fields irrelevant.
func Validate(cfg models.ScheduleConfig) error {
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fieldErr("timezone", "unknown IANA name "+cfg.Timezone)
	}
	if cfg.CronExpression != "" {
		if _, err := cron.ParseStandard(cfg.CronExpression); err != nil {
			return fieldErr("cronExpression", err.Error())
		}
		return nil
	}
	if cfg.RunEvery <= 0 {
		return fieldErr("runEvery", "must be a positive integer")
	}
	switch cfg.RunEveryUnit {
	case models.Minutes, models.Hours, models.Days, models.Weeks, models.Months:
	default:
		return fieldErr("runEveryUnit", "unrecognized unit "+string(cfg.RunEveryUnit))
	}
	if _, ok := models.Weekday(cfg.StartFrom); !ok {
		return fieldErr("startFrom", "unrecognized weekday "+cfg.StartFrom)
	}
	if cfg.AtTimeStart != "" {
		if _, err := parseClock(cfg.AtTimeStart); err != nil {
			return fieldErr("atTimeStart", err.Error())
		}
	}
	if cfg.AtTimeEnd != "" {
		if _, err := parseClock(cfg.AtTimeEnd); err != nil {
			return fieldErr("atTimeEnd", err.Error())
		}
	}
	if cfg.AtTimeStart != "" && cfg.AtTimeEnd != "" {
		start, _ := parseClock(cfg.AtTimeStart)
		end, _ := parseClock(cfg.AtTimeEnd)
		if end < start {
			return fieldErr("atTimeEnd", "window end precedes atTimeStart")
		}
	}
	if cfg.DayOfMonth != nil {
		if cfg.RunEveryUnit != models.Months {
			return fieldErr("dayOfMonth", "only valid with runEveryUnit MONTHS")
		}
		if *cfg.DayOfMonth < 1 || *cfg.DayOfMonth > 31 {
			return fieldErr("dayOfMonth", "must be between 1 and 31")
		}
	}
	return nil
}

// NextFireTime computes the next timestamp strictly after now at which the
// configuration is eligible to fire. A cronExpression, when present,
// overrides the structured fields entirely.
func NextFireTime(cfg models.ScheduleConfig, now time.Time, lastRunAt *time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return time.Time{}, fieldErr("timezone", "unknown IANA name "+cfg.Timezone)
	}
	localNow := now.In(loc)

	if cfg.CronExpression != "" {
		sched, err := cron.ParseStandard(cfg.CronExpression)
		if err != nil {
			return time.Time{}, fieldErr("cronExpression", err.Error())
		}
		return sched.Next(localNow), nil
	}

	if err := Validate(cfg); err != nil {
		return time.Time{}, err
	}

	base := anchor(cfg, localNow)
	if lastRunAt != nil && lastRunAt.In(loc).After(base) {
		base = lastRunAt.In(loc)
	}

	base = skipAhead(cfg, base, localNow, loc)
	candidate := advance(cfg, base, loc)
	for i := 0; ; i++ {
		if i >= maxAdvance {
			return time.Time{}, fieldErr("runEvery", "no future fire time within bounds")
		}
		clamped, rolled := clampToWindow(cfg, candidate, loc)
		if rolled {
			candidate = clamped
		}
		if clamped.After(localNow) {
			return clamped, nil
		}
		candidate = advance(cfg, candidate, loc)
	}
}

// anchor is the start of the most recent day at/before now falling on the
// configured weekday, in the robot's timezone. Keeping the anchor in the
// past lets lastRunAt dominate once a robot has run.
func anchor(cfg models.ScheduleConfig, localNow time.Time) time.Time {
	target, _ := models.Weekday(cfg.StartFrom)
	day := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, localNow.Location())
	offset := (int(day.Weekday()) - int(target) + 7) % 7
	return day.AddDate(0, 0, -offset)
}

// skipAhead jumps base forward by whole recurrence periods to land it within
// one period of now. Without the jump a minute-granularity recurrence whose
// anchor sits days back would exhaust maxAdvance one minute at a time.
func skipAhead(cfg models.ScheduleConfig, base, localNow time.Time, loc *time.Location) time.Time {
	if !base.Before(localNow) {
		return base
	}
	elapsed := localNow.Sub(base)
	switch cfg.RunEveryUnit {
	case models.Minutes, models.Hours:
		period := time.Duration(cfg.RunEvery) * time.Minute
		if cfg.RunEveryUnit == models.Hours {
			period = time.Duration(cfg.RunEvery) * time.Hour
		}
		if periods := elapsed / period; periods > 0 {
			return base.Add(periods * period)
		}
	case models.Days, models.Weeks:
		days := cfg.RunEvery
		if cfg.RunEveryUnit == models.Weeks {
			days *= 7
		}
		// count calendar days and back off one period so a DST shift
		// cannot push the jump past now
		if periods := int(elapsed.Hours())/(24*days) - 1; periods > 0 {
			return base.AddDate(0, 0, periods*days)
		}
	case models.Months:
		months := (localNow.Year()-base.Year())*12 + int(localNow.Month()) - int(base.Month())
		if periods := months/cfg.RunEvery - 1; periods > 0 {
			return addMonths(cfg, base, periods*cfg.RunEvery, loc)
		}
	}
	return base
}

// advance adds one recurrence period to t, pinning dayOfMonth for MONTHS.
func advance(cfg models.ScheduleConfig, t time.Time, loc *time.Location) time.Time {
	switch cfg.RunEveryUnit {
	case models.Minutes:
		return t.Add(time.Duration(cfg.RunEvery) * time.Minute)
	case models.Hours:
		return t.Add(time.Duration(cfg.RunEvery) * time.Hour)
	case models.Days:
		return t.AddDate(0, 0, cfg.RunEvery)
	case models.Weeks:
		return t.AddDate(0, 0, 7*cfg.RunEvery)
	case models.Months:
		return addMonths(cfg, t, cfg.RunEvery, loc)
	}
	return t
}

// addMonths adds n months without Go's date normalization: day 31 in a
// shorter month clamps to the month's last day instead of spilling into the
// next month.
func addMonths(cfg models.ScheduleConfig, t time.Time, n int, loc *time.Location) time.Time {
	months := int(t.Month()) - 1 + n
	year := t.Year() + months/12
	month := time.Month(months%12 + 1)

	day := t.Day()
	if cfg.DayOfMonth != nil {
		day = *cfg.DayOfMonth
	}
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, t.Hour(), t.Minute(), t.Second(), 0, loc)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// clampToWindow forces the candidate's time-of-day into the configured
// [atTimeStart, atTimeEnd] window: earlier than the window rolls to
// atTimeStart the same day, later rolls to atTimeStart the next calendar
// day. The late case is only reachable when lastRunAt itself lies outside
// the window; anchor-derived candidates start at midnight and hit the early
// branch. The roll does not consult startFrom: recurrence is measured from
// lastRunAt once one exists, not from the weekday anchor.
func clampToWindow(cfg models.ScheduleConfig, candidate time.Time, loc *time.Location) (time.Time, bool) {
	if cfg.AtTimeStart == "" && cfg.AtTimeEnd == "" {
		return candidate, false
	}
	start := 0
	end := 24*60 - 1
	if cfg.AtTimeStart != "" {
		start, _ = parseClock(cfg.AtTimeStart)
	}
	if cfg.AtTimeEnd != "" {
		end, _ = parseClock(cfg.AtTimeEnd)
	}

	tod := candidate.Hour()*60 + candidate.Minute()
	if tod >= start && tod <= end {
		return candidate, false
	}
	day := candidate
	if tod > end {
		day = day.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), start/60, start%60, 0, 0, loc), true
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, errors.Errorf("expected HH:MM, got %q", s)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, errors.Errorf("out of range time of day %q", s)
	}
	return hh*60 + mm, nil
}
