// Runs rescan jobs on cron schedules, never more than one instance of a job at a time
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/robfig/cron/v3"
)

type LastRun struct {
	Started  time.Time
	Finished time.Time
	Error    string // "" => success
}

type JobFn func(ctx context.Context, logger *log.Logger) error

type Job struct {
	ID       string // the scanned root
	Schedule cron.Schedule
	NextRun  time.Time
	run      JobFn
	running  bool
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// accepts "0 3 * * *" (optionally with seconds) and descriptors like "@daily" or "@every 6h"
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cronParser.Parse(spec)
}

func NewJob(id string, schedule string, run JobFn, now time.Time) (*Job, error) {
	parsed, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}

	return &Job{
		ID:       id,
		Schedule: parsed,
		NextRun:  parsed.Next(now),
		run:      run,
	}, nil
}

type jobResult struct {
	job *Job
	run LastRun
}

// blocks until ctx is cancelled and the running jobs have stopped. onFinished is
// called from the scheduler's goroutine after each run.
func Run(
	ctx context.Context,
	jobs []*Job,
	logger *log.Logger,
	onFinished func(job *Job, run LastRun),
) error {
	jobFinished := make(chan *jobResult, len(jobs))

	nextEarliestCh := func() <-chan time.Time {
		if len(jobs) == 0 {
			return nil // blocks forever
		}

		earliest := jobs[0].NextRun
		for _, job := range jobs {
			if job.NextRun.Before(earliest) {
				earliest = job.NextRun
			}
		}

		return time.After(time.Until(earliest))
	}

	recordJobFinished := func(result *jobResult) {
		result.job.running = false

		onFinished(result.job, result.run)
	}

	nextJobBecomesRunnableCh := nextEarliestCh()

	for {
		select {
		case now := <-nextJobBecomesRunnableCh:
			for _, job := range jobs {
				if !job.NextRun.After(now) {
					startJob(ctx, job, jobFinished, logger)
				}
			}

			nextJobBecomesRunnableCh = nextEarliestCh()
		case result := <-jobFinished:
			recordJobFinished(result)
		case <-ctx.Done():
			for _, job := range jobs {
				if job.running {
					// not necessarily this job's result, we're just counting
					recordJobFinished(<-jobFinished)
				}
			}

			return nil
		}
	}
}

func startJob(ctx context.Context, job *Job, finished chan<- *jobResult, logger *log.Logger) {
	job.NextRun = job.Schedule.Next(job.NextRun)

	jlog := logex.Prefix("scheduler/"+job.ID, logex.NonNil(logger))
	jlogl := logex.Levels(jlog)

	if job.running {
		jlogl.Error.Println("skipping: previous run still in progress")
		return
	}

	job.running = true

	jlogl.Info.Println("starting")

	go func() {
		result := &jobResult{
			job: job,
			run: LastRun{Started: time.Now()},
		}

		if err := job.run(ctx, jlog); err != nil {
			result.run.Error = err.Error()
		}

		result.run.Finished = time.Now()

		duration := result.run.Finished.Sub(result.run.Started)

		if result.run.Error != "" {
			jlogl.Error.Printf("failed in %s: %s", duration, result.run.Error)
		} else {
			jlogl.Info.Printf("completed in %s", duration)
		}

		finished <- result
	}()
}
