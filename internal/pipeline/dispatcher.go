// internal/pipeline/dispatcher.go
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"docgen/internal/common/logger"
	"docgen/internal/jobs"
	"docgen/internal/models"
)

const defaultIdleWait = 250 * time.Millisecond

// Dispatcher feeds queued job ids to the orchestrator with a fixed number
// of goroutines.
type Dispatcher struct {
	orchestrator *Orchestrator
	queue        jobs.Queue
	workers      int
	logger       logger.Logger
}

func NewDispatcher(orchestrator *Orchestrator, queue jobs.Queue, workers int, log logger.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		orchestrator: orchestrator,
		queue:        queue,
		workers:      workers,
		logger: log.WithFields(map[string]interface{}{
			"component": "dispatcher",
			"workers":   workers,
		}),
	}
}

// Run consumes the queue until ctx ends or the queue is closed. Jobs in
// flight when ctx ends keep running to their own deadline.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", nil)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				jobID, err := d.queue.Dequeue(ctx)
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, jobs.ErrQueueClosed) {
						return
					}
					d.logger.Warn("dequeue failed", map[string]interface{}{
						"worker": worker,
						"error":  err.Error(),
					})
					if !sleepCtx(ctx, time.Second) {
						return
					}
					continue
				}
				d.process(context.WithoutCancel(ctx), jobID)
			}
		}(i)
	}
	wg.Wait()

	d.logger.Info("dispatcher stopped", nil)
	return nil
}

// RunBatch processes at most limits.MaxJobs jobs and starts none after
// limits.MaxWall. It returns once the queue stays empty for IdleWait.
func (d *Dispatcher) RunBatch(ctx context.Context, limits BatchLimits) (*BatchReport, error) {
	started := time.Now()

	wallCtx := ctx
	if limits.MaxWall > 0 {
		var cancel context.CancelFunc
		wallCtx, cancel = context.WithTimeout(ctx, limits.MaxWall)
		defer cancel()
	}
	idleWait := limits.IdleWait
	if idleWait <= 0 {
		idleWait = defaultIdleWait
	}

	var (
		claimed   atomic.Int64
		completed atomic.Int64
		failed    atomic.Int64
		mu        sync.Mutex
		stoppedBy string
	)
	stop := func(reason string) {
		mu.Lock()
		if stoppedBy == "" {
			stoppedBy = reason
		}
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					stop(StopCancelled)
					return
				}
				if wallCtx.Err() != nil {
					stop(StopMaxWall)
					return
				}
				if limits.MaxJobs > 0 && claimed.Add(1) > int64(limits.MaxJobs) {
					stop(StopMaxJobs)
					return
				}

				waitCtx, cancel := context.WithTimeout(wallCtx, idleWait)
				jobID, err := d.queue.Dequeue(waitCtx)
				cancel()
				if err != nil {
					claimed.Add(-1)
					switch {
					case ctx.Err() != nil:
						stop(StopCancelled)
					case wallCtx.Err() != nil:
						stop(StopMaxWall)
					default:
						stop(StopDrained)
					}
					return
				}

				if d.process(context.WithoutCancel(ctx), jobID) == models.StatusCompleted {
					completed.Add(1)
				} else {
					failed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	report := &BatchReport{
		Completed: int(completed.Load()),
		Failed:    int(failed.Load()),
		StoppedBy: stoppedBy,
		Elapsed:   time.Since(started),
	}
	report.Processed = report.Completed + report.Failed

	d.logger.Info("batch finished", map[string]interface{}{
		"processed": report.Processed,
		"completed": report.Completed,
		"failed":    report.Failed,
		"stoppedBy": report.StoppedBy,
		"elapsedMs": report.Elapsed.Milliseconds(),
	})
	if stoppedBy == StopCancelled {
		return report, ctx.Err()
	}
	return report, nil
}

func (d *Dispatcher) process(ctx context.Context, jobID string) models.JobStatus {
	outcome, err := d.orchestrator.Process(ctx, jobID)
	if outcome == nil {
		d.logger.Error("job could not be processed", map[string]interface{}{
			"jobId": jobID,
			"error": err.Error(),
		})
		return models.StatusFailed
	}
	return outcome.Job.Status
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
