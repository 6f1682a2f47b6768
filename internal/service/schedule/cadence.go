package schedule

import (
	"time"

	"github.com/ifuryst/autoreel/internal/models"
)

// NextDaily returns the next hour:minute in loc strictly after now, in UTC.
// The comparison is done on local wall-clock minutes so offset changes
// between now and the target do not shift the day.
func NextDaily(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	current := local.Hour()*60 + local.Minute()
	target := hour*60 + minute

	day := local
	if target <= current {
		day = local.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc).UTC()
}

// NextHourly advances prev by whole hours until it is strictly after now.
// Slots missed while the service was down are skipped, not replayed.
func NextHourly(prev, now time.Time) time.Time {
	next := prev.Add(time.Hour)
	if next.After(now) {
		return next.UTC()
	}
	missed := now.Sub(next)/time.Hour + 1
	return next.Add(missed * time.Hour).UTC()
}

// FirstRun is the initial due instant of a newly scheduled workflow. Hourly
// workflows start at the next occurrence of their minute past the hour.
func FirstRun(wf *models.Workflow, now time.Time, loc *time.Location) time.Time {
	if wf.Cadence == models.CadenceDaily {
		return NextDaily(now, wf.HourOfDay, wf.MinuteOfHour, loc)
	}
	local := now.In(loc)
	slot := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), wf.MinuteOfHour, 0, 0, loc)
	if !slot.After(now) {
		slot = slot.Add(time.Hour)
	}
	return slot.UTC()
}

// Advance computes the due instant that follows a dispatched slot.
func Advance(sch *models.Schedule, now time.Time, loc *time.Location) time.Time {
	if sch.Cadence == models.CadenceHourly {
		return NextHourly(sch.NextRunAt, now)
	}
	return NextDaily(now, sch.HourOfDay, sch.MinuteOfHour, loc)
}
