// Package janitor runs scheduled housekeeping: expired OAuth state tokens
// are purged on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zulandar/switchyard/internal/auth"
)

// DefaultSchedule purges every ten minutes.
const DefaultSchedule = "*/10 * * * *"

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Janitor purges expired OAuth states.
type Janitor struct {
	states   *auth.StateStore
	expr     string
	schedule cron.Schedule
	now      func() time.Time
	out      io.Writer
}

// Opts holds parameters for creating a Janitor.
type Opts struct {
	States   *auth.StateStore
	Schedule string // 5-field cron expression; empty means DefaultSchedule
	Now      func() time.Time
	Out      io.Writer
}

// New validates the schedule and creates a Janitor.
func New(opts Opts) (*Janitor, error) {
	if opts.States == nil {
		return nil, fmt.Errorf("janitor: state store is required")
	}
	expr := opts.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("janitor: schedule %q: %w", expr, err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Janitor{states: opts.States, expr: expr, schedule: sched, now: now, out: out}, nil
}

// Next returns the first run after from.
func (j *Janitor) Next(from time.Time) time.Time {
	return j.schedule.Next(from)
}

// RunOnce purges expired states and returns how many were removed.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	n, err := j.states.Purge(ctx, j.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		fmt.Fprintf(j.out, "janitor: purged %d expired oauth state(s)\n", n)
	}
	return n, nil
}

// Run purges on schedule until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(cronParser))
	c.Schedule(j.schedule, cron.FuncJob(func() {
		if _, err := j.RunOnce(ctx); err != nil {
			log.Printf("janitor: purge: %v", err)
		}
	}))
	c.Start()
	fmt.Fprintf(j.out, "janitor: scheduled %q\n", j.expr)

	<-ctx.Done()
	// Wait for a purge in flight.
	<-c.Stop().Done()
	return nil
}
