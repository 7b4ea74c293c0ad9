package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// warmupSchedule fires once at first, then every base interval after the
// previous activation. Next is only called from the cron run goroutine.
type warmupSchedule struct {
	base  cron.Schedule
	first time.Time
	armed bool
}

func (s *warmupSchedule) Next(t time.Time) time.Time {
	if !s.armed {
		s.armed = true
		if s.first.After(t) {
			return s.first
		}
		// Zero warm-up: due immediately.
		return t
	}
	return s.base.Next(t)
}

// buildSchedule returns a schedule whose first activation is now+warmup.
func buildSchedule(every time.Duration, now time.Time, warmup time.Duration) cron.Schedule {
	if warmup < 0 {
		warmup = 0
	}
	return &warmupSchedule{base: cron.Every(every), first: now.Add(warmup)}
}
