package service

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/unclebandit/leadblast-dispatch/internal/model"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextOccurrence returns the occurrence after prev. Calendar arithmetic is
// done in loc so a 09:00 campaign stays at 09:00 local across DST changes.
func NextOccurrence(prev time.Time, rec *model.Recurrence, loc *time.Location) (time.Time, error) {
	if rec == nil {
		return time.Time{}, fmt.Errorf("campaign has no recurrence")
	}
	if loc == nil {
		loc = time.UTC
	}
	local := prev.In(loc)

	if rec.Frequency == model.FrequencyCron {
		if rec.CronExpr == "" {
			return time.Time{}, fmt.Errorf("cron frequency without an expression")
		}
		sched, err := cronParser.Parse(rec.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron %q: %w", rec.CronExpr, err)
		}
		next := sched.Next(local)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron %q never fires", rec.CronExpr)
		}
		return next, nil
	}

	if rec.Interval < 1 {
		return time.Time{}, fmt.Errorf("invalid interval %d", rec.Interval)
	}

	switch rec.Frequency {
	case model.FrequencyDaily:
		return local.AddDate(0, 0, rec.Interval), nil
	case model.FrequencyWeekly:
		return local.AddDate(0, 0, 7*rec.Interval), nil
	case model.FrequencyMonthly:
		return local.AddDate(0, rec.Interval, 0), nil
	}
	return time.Time{}, fmt.Errorf("unknown frequency %q", rec.Frequency)
}

// PastEnd reports whether next falls after the recurrence end date.
func PastEnd(next time.Time, rec *model.Recurrence) bool {
	return rec != nil && rec.EndDate != nil && next.After(*rec.EndDate)
}
