// Package task executes scheduled jobs: periodic refreshes, maintenance
// statements and ledger retry sweeps, supervised so one job's failure never
// blocks the others.
package task

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger computes when a job fires next. The expression grammar is a
// pluggable capability: alternative schedule syntaxes substitute here.
type Trigger interface {
	NextFireTime(after time.Time) time.Time
}

// IntervalTrigger fires at a fixed interval.
type IntervalTrigger struct {
	Every time.Duration
}

func (t IntervalTrigger) NextFireTime(after time.Time) time.Time {
	return after.Add(t.Every)
}

// CronTrigger fires on a five-field cron expression, evaluated in a fixed
// timezone.
type CronTrigger struct {
	expr  string
	loc   *time.Location
	sched cron.Schedule
}

// NewCronTrigger parses expr (minute hour dom month dow) in the named
// timezone; an empty tz means UTC.
func NewCronTrigger(expr, tz string) (*CronTrigger, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", tz, err)
		}
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return &CronTrigger{expr: expr, loc: loc, sched: sched}, nil
}

func (t *CronTrigger) NextFireTime(after time.Time) time.Time {
	return t.sched.Next(after.In(t.loc))
}

func (t *CronTrigger) String() string {
	return t.expr
}
