// internal/pipeline/models.go
package pipeline

import (
	"context"
	"time"

	"docgen/internal/markup"
	"docgen/internal/models"
)

// Markup sources beyond the generator's own.
const (
	SourceCache  = "cache"
	SourceShared = "shared"
)

// MarkupGenerator produces a document body for a prompt.
type MarkupGenerator interface {
	Generate(ctx context.Context, req markup.Request) (*markup.Result, error)
}

// EventSink receives terminal job updates for systems outside the process.
type EventSink interface {
	Emit(ctx context.Context, update models.JobUpdate) error
}

// Outcome is the result of processing one job.
type Outcome struct {
	Job    *models.GenerationJob
	Markup string
	PDF    []byte
}

// BatchLimits bound one invocation on hosts that cap execution time.
// MaxWall bounds when new jobs may start; jobs already running finish
// under their own deadline.
type BatchLimits struct {
	MaxJobs  int
	MaxWall  time.Duration
	IdleWait time.Duration
}

// Batch stop reasons.
const (
	StopDrained   = "drained"
	StopMaxJobs   = "max_jobs"
	StopMaxWall   = "max_wall"
	StopCancelled = "cancelled"
)

type BatchReport struct {
	Processed int           `json:"processed"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	StoppedBy string        `json:"stoppedBy"`
	Elapsed   time.Duration `json:"elapsed"`
}
