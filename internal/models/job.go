package models

import "time"

// JobStatus is the coarse lifecycle state of a job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage is a named phase of the generation pipeline.
type Stage string

const (
	StageNone               Stage = ""
	StageAnalyzing          Stage = "Analyzing"
	StageGeneratingContent  Stage = "GeneratingContent"
	StageFormattingDocument Stage = "FormattingDocument"
	StageFinalizing         Stage = "Finalizing"
)

// CompletedProgress is reported once a job completes.
const CompletedProgress = 100

var stageOrder = map[Stage]int{
	StageNone:               0,
	StageAnalyzing:          1,
	StageGeneratingContent:  2,
	StageFormattingDocument: 3,
	StageFinalizing:         4,
}

var stageProgress = map[Stage]int{
	StageAnalyzing:          10,
	StageGeneratingContent:  35,
	StageFormattingDocument: 70,
	StageFinalizing:         90,
}

// Order is the position of s in the pipeline, -1 when unknown.
func (s Stage) Order() int {
	if o, ok := stageOrder[s]; ok {
		return o
	}
	return -1
}

// Progress is the fixed milestone reported on entering s.
func (s Stage) Progress() int {
	return stageProgress[s]
}

// Stages returns the pipeline stages in order.
func Stages() []Stage {
	return []Stage{StageAnalyzing, StageGeneratingContent, StageFormattingDocument, StageFinalizing}
}

// StageEvent records entry into a stage.
type StageEvent struct {
	Stage    Stage     `json:"stage"`
	Progress int       `json:"progress"`
	At       time.Time `json:"at"`
}

// GenerationJob is owned and mutated by exactly one pipeline goroutine.
// Readers receive copies via Snapshot.
type GenerationJob struct {
	ID             string       `json:"id"`
	Identity       string       `json:"identity"`
	Tier           Tier         `json:"tier"`
	Status         JobStatus    `json:"status"`
	Stage          Stage        `json:"stage,omitempty"`
	Progress       int          `json:"progress"`
	ResultHandle   string       `json:"resultHandle,omitempty"`
	ErrorKind      string       `json:"errorKind,omitempty"`
	ErrorMessage   string       `json:"errorMessage,omitempty"`
	CacheHit       bool         `json:"cacheHit"`
	MarkupSource   string       `json:"markupSource,omitempty"`
	RenderStrategy string       `json:"renderStrategy,omitempty"`
	History        []StageEvent `json:"history,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
}

// NewJob creates the queued job for an accepted request.
func NewJob(req *GenerationRequest, now time.Time) *GenerationJob {
	return &GenerationJob{
		ID:        req.ID,
		Identity:  req.Identity,
		Tier:      req.Tier,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Start moves a queued job to processing.
func (j *GenerationJob) Start(now time.Time) bool {
	if j.Status != StatusQueued {
		return false
	}
	j.Status = StatusProcessing
	j.UpdatedAt = now
	return true
}

// Advance enters stage. Moves that would go backward, repeat a stage,
// or touch a terminal job are refused.
func (j *GenerationJob) Advance(stage Stage, now time.Time) bool {
	if j.Status.Terminal() || stage.Order() <= j.Stage.Order() {
		return false
	}
	j.Status = StatusProcessing
	j.Stage = stage
	if p := stage.Progress(); p > j.Progress {
		j.Progress = p
	}
	j.History = append(j.History, StageEvent{Stage: stage, Progress: j.Progress, At: now})
	j.UpdatedAt = now
	return true
}

// Complete marks the job completed with its stored result.
func (j *GenerationJob) Complete(handle string, now time.Time) bool {
	if j.Status.Terminal() {
		return false
	}
	j.Status = StatusCompleted
	j.Progress = CompletedProgress
	j.ResultHandle = handle
	j.UpdatedAt = now
	j.CompletedAt = &now
	return true
}

// Fail marks the job failed. Progress is left where it stopped.
func (j *GenerationJob) Fail(kind, message string, now time.Time) bool {
	if j.Status.Terminal() {
		return false
	}
	j.Status = StatusFailed
	j.ErrorKind = kind
	j.ErrorMessage = message
	j.UpdatedAt = now
	j.CompletedAt = &now
	return true
}

// StageDuration is the time spent in stage, zero when it was skipped.
func (j *GenerationJob) StageDuration(stage Stage) time.Duration {
	for i, ev := range j.History {
		if ev.Stage != stage {
			continue
		}
		if i+1 < len(j.History) {
			return j.History[i+1].At.Sub(ev.At)
		}
		if j.CompletedAt != nil {
			return j.CompletedAt.Sub(ev.At)
		}
		return j.UpdatedAt.Sub(ev.At)
	}
	return 0
}

// Snapshot returns a deep copy safe to hand to readers.
func (j *GenerationJob) Snapshot() *GenerationJob {
	cp := *j
	if j.History != nil {
		cp.History = make([]StageEvent, len(j.History))
		copy(cp.History, j.History)
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Update builds the notification for the job's current state.
func (j *GenerationJob) Update(message string) JobUpdate {
	return JobUpdate{
		JobID:        j.ID,
		Status:       j.Status,
		Stage:        j.Stage,
		Progress:     j.Progress,
		ResultHandle: j.ResultHandle,
		ErrorKind:    j.ErrorKind,
		Message:      message,
		Timestamp:    j.UpdatedAt,
	}
}

// JobUpdate is one stage/progress/completion event; each is independently serialisable.
type JobUpdate struct {
	JobID        string    `json:"jobId"`
	Status       JobStatus `json:"status"`
	Stage        Stage     `json:"stage,omitempty"`
	Progress     int       `json:"progress"`
	ResultHandle string    `json:"resultHandle,omitempty"`
	ErrorKind    string    `json:"errorKind,omitempty"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Terminal reports whether the update closes the job's event stream.
func (u JobUpdate) Terminal() bool {
	return u.Status.Terminal()
}
