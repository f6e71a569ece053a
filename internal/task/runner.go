package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbergin/freshet/internal/alert"
)

// Outcome is a job's last recorded result.
type Outcome string

const (
	OutcomeNeverRan  Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Action is the work a job performs.
type Action interface {
	Name() string
	Run(ctx context.Context) error
}

// ActionFunc adapts a function to Action.
type ActionFunc struct {
	ActionName string
	Fn         func(ctx context.Context) error
}

func (a ActionFunc) Name() string                  { return a.ActionName }
func (a ActionFunc) Run(ctx context.Context) error { return a.Fn(ctx) }

// Job declares one scheduled job. Escalate receives the job's failures; nil
// falls back to the runner's sink.
type Job struct {
	ID       string
	Trigger  Trigger
	Action   Action
	Escalate alert.Sink
}

// JobStatus is a read-only view of one job.
type JobStatus struct {
	ID          string
	NextFire    time.Time
	LastRun     time.Time
	LastOutcome Outcome
	LastError   string
	Skips       int64
}

type jobState struct {
	Job
	nextFire    time.Time
	lastRun     time.Time
	lastOutcome Outcome
	lastErr     string
	skips       int64
	running     atomic.Bool
}

// Runner owns the ScheduledJobs. Its decision loop is single-threaded; job
// actions run in their own goroutines so a long action never blocks the
// loop or other jobs. Jobs are not re-entrant: a due occurrence overlapping
// a still-running one is skipped and logged, never queued.
type Runner struct {
	mu   sync.Mutex
	jobs map[string]*jobState

	sink alert.Sink
	log  zerolog.Logger
	poll time.Duration
	now  func() time.Time
	wg   sync.WaitGroup
}

// NewRunner creates a runner polling job triggers at the given granularity.
func NewRunner(sink alert.Sink, poll time.Duration, log zerolog.Logger) *Runner {
	if poll <= 0 {
		poll = time.Second
	}
	return &Runner{
		jobs: make(map[string]*jobState),
		sink: sink,
		log:  log,
		poll: poll,
		now:  time.Now,
	}
}

// Schedule registers a job and computes its first fire time.
func (r *Runner) Schedule(job Job) error {
	if job.ID == "" || job.Trigger == nil || job.Action == nil {
		return fmt.Errorf("job %q: id, trigger and action are required", job.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("job %q already scheduled", job.ID)
	}
	r.jobs[job.ID] = &jobState{
		Job:      job,
		nextFire: job.Trigger.NextFireTime(r.now()),
	}
	return nil
}

// Run polls until the context is cancelled, then waits for in-flight jobs.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			r.RunDue(ctx, r.now())
		}
	}
}

// RunDue fires every job whose trigger is due at now.
func (r *Runner) RunDue(ctx context.Context, now time.Time) {
	r.mu.Lock()
	var due []*jobState
	for _, j := range r.jobs {
		if !j.nextFire.After(now) {
			due = append(due, j)
			j.nextFire = j.Trigger.NextFireTime(now)
		}
	}
	r.mu.Unlock()

	for _, j := range due {
		if !j.running.CompareAndSwap(false, true) {
			r.mu.Lock()
			j.skips++
			r.mu.Unlock()
			r.log.Info().Str("job", j.ID).Msg("job skipped, previous run still in progress")
			continue
		}

		r.wg.Add(1)
		go func(j *jobState) {
			defer r.wg.Done()
			defer j.running.Store(false)
			r.execute(ctx, j, now)
		}(j)
	}
}

// execute supervises one job run: panics and errors are captured into the
// job's outcome and escalated, never propagated.
func (r *Runner) execute(ctx context.Context, j *jobState, started time.Time) {
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("job panicked: %v", p)
			}
		}()
		err = j.Action.Run(ctx)
	}()

	r.mu.Lock()
	j.lastRun = started
	if err != nil {
		j.lastOutcome = OutcomeFailed
		j.lastErr = err.Error()
	} else {
		j.lastOutcome = OutcomeSucceeded
		j.lastErr = ""
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Error().Err(err).Str("job", j.ID).Msg("job failed")
		sink := j.Escalate
		if sink == nil {
			sink = r.sink
		}
		alert.Emit(sink, alert.Alert{
			Severity:  alert.SeverityWarning,
			Subsystem: "task",
			Message:   "scheduled job failed",
			Context:   map[string]string{"job": j.ID, "action": j.Action.Name(), "error": err.Error()},
		})
		return
	}
	r.log.Debug().Str("job", j.ID).Str("action", j.Action.Name()).Msg("job succeeded")
}

// Snapshot returns the status of every job, for the status surface.
func (r *Runner) Snapshot() []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]JobStatus, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, JobStatus{
			ID:          j.ID,
			NextFire:    j.nextFire,
			LastRun:     j.lastRun,
			LastOutcome: j.lastOutcome,
			LastError:   j.lastErr,
			Skips:       j.skips,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}
