// internal/pipeline/orchestrator.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "docgen/internal/common/errors"
	"docgen/internal/common/logger"
	"docgen/internal/common/metrics"
	"docgen/internal/common/observability"
	"docgen/internal/cache"
	"docgen/internal/jobs"
	"docgen/internal/markup"
	"docgen/internal/models"
	"docgen/internal/notifier"
	"docgen/internal/ratelimit"
	"docgen/internal/render"
	"docgen/internal/script"
	"docgen/internal/storage"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrMissingDependency = errors.New("PIPELINE_MISSING_DEPENDENCY")

const maxTitleRunes = 80

// Dependencies are the collaborators the orchestrator drives. Events and
// Observability are optional.
type Dependencies struct {
	Jobs          jobs.Store
	Queue         jobs.Queue
	Cache         *cache.ContentCache
	Guard         *ratelimit.Guard
	Generator     MarkupGenerator
	Chain         *Chain
	Results       storage.ResultStore
	Notifier      *notifier.Notifier
	Events        EventSink
	Observability *observability.Observability
}

// Orchestrator admits requests and runs each accepted job through the
// generation stages. One goroutine owns a job while it is processed.
type Orchestrator struct {
	config *Config
	deps   Dependencies
	logger logger.Logger
	now    func() time.Time
}

func NewOrchestrator(config *Config, deps Dependencies, log logger.Logger) (*Orchestrator, error) {
	missing := []string{}
	if deps.Jobs == nil {
		missing = append(missing, "jobs")
	}
	if deps.Queue == nil {
		missing = append(missing, "queue")
	}
	if deps.Cache == nil {
		missing = append(missing, "cache")
	}
	if deps.Guard == nil {
		missing = append(missing, "guard")
	}
	if deps.Generator == nil {
		missing = append(missing, "generator")
	}
	if deps.Chain == nil {
		missing = append(missing, "chain")
	}
	if deps.Results == nil {
		missing = append(missing, "results")
	}
	if deps.Notifier == nil {
		missing = append(missing, "notifier")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingDependency, strings.Join(missing, ", "))
	}

	return &Orchestrator{
		config: config,
		deps:   deps,
		logger: log.WithFields(map[string]interface{}{
			"component": "orchestrator",
		}),
		now: time.Now,
	}, nil
}

// Submit validates and admits req. Rejections return RATE_LIMITED,
// QUOTA_EXCEEDED or INVALID_INPUT and create no job.
func (o *Orchestrator) Submit(ctx context.Context, req *models.GenerationRequest) (*models.GenerationJob, error) {
	if err := o.validate(req); err != nil {
		o.reject(req, err)
		return nil, err
	}

	// Quota goes first so an exhausted month does not spend hourly ceilings.
	if _, err := o.deps.Guard.Allow(ctx, req.Identity, req.Tier, ratelimit.ScopeQuota); err != nil {
		o.reject(req, err)
		return nil, err
	}
	scopes := []string{ratelimit.ScopeJob, ratelimit.ScopeGeneration}
	if req.Image != nil {
		scopes = append(scopes, ratelimit.ScopeUpload)
	}
	for _, scope := range scopes {
		if _, err := o.deps.Guard.Allow(ctx, req.Identity, req.Tier, scope); err != nil {
			o.deps.Guard.ReleaseQuota(ctx, req.Identity, req.Tier)
			o.reject(req, err)
			return nil, err
		}
	}

	now := o.now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.CreatedAt = now
	job := models.NewJob(req, now)

	if err := o.deps.Jobs.Create(ctx, job, req); err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("persist job: %w", err))
	}
	o.deps.Notifier.Publish(job.Update("queued"))

	if err := o.deps.Queue.Enqueue(ctx, job.ID); err != nil {
		job.Fail(string(apperrors.ErrCodeInternal), "job could not be queued", o.now())
		o.persist(ctx, job)
		o.deps.Notifier.Publish(job.Update("job could not be queued"))
		return nil, apperrors.NewInternalError(fmt.Errorf("enqueue job: %w", err))
	}

	o.logger.Info("job accepted", map[string]interface{}{
		"jobId":    job.ID,
		"identity": req.Identity,
		"tier":     string(req.Tier),
		"hasImage": req.Image != nil,
	})
	return job.Snapshot(), nil
}

func (o *Orchestrator) validate(req *models.GenerationRequest) error {
	if req.Tier == "" {
		req.Tier = models.TierFree
	}
	tier, ok := models.ParseTier(string(req.Tier))
	if !ok {
		return apperrors.NewInvalidInputError("tier", fmt.Sprintf("unknown tier %q", req.Tier))
	}
	req.Tier = tier

	if strings.TrimSpace(req.Prompt) == "" {
		return apperrors.NewInvalidInputError("prompt", "prompt is required")
	}
	if limit := o.deps.Guard.Policy().MaxPromptRunes(tier); limit > 0 {
		if n := utf8.RuneCountInString(req.Prompt); n > limit {
			return apperrors.NewInvalidInputError("prompt",
				fmt.Sprintf("prompt has %d characters, the %s plan allows %d", n, tier, limit))
		}
	}

	if req.Image != nil {
		img := req.Image
		if !AllowedImageTypes[img.MIMEType] {
			return apperrors.NewInvalidInputError("image.mimeType", fmt.Sprintf("unsupported image type %q", img.MIMEType))
		}
		if len(img.Data) == 0 {
			return apperrors.NewInvalidInputError("image.data", "image is empty")
		}
		if o.config.MaxImageBytes > 0 && len(img.Data) > o.config.MaxImageBytes {
			return apperrors.NewInvalidInputError("image.data",
				fmt.Sprintf("image is %d bytes, limit is %d", len(img.Data), o.config.MaxImageBytes))
		}
		if sniffed := http.DetectContentType(img.Data); sniffed != img.MIMEType {
			return apperrors.NewInvalidInputError("image.data",
				fmt.Sprintf("image content is %s, declared %s", sniffed, img.MIMEType))
		}
	}
	return nil
}

func (o *Orchestrator) reject(req *models.GenerationRequest, err error) {
	code := apperrors.CodeOf(err)
	metrics.JobsRejected.WithLabelValues(string(code)).Inc()
	o.logger.Info("request rejected", map[string]interface{}{
		"identity":  req.Identity,
		"tier":      string(req.Tier),
		"errorKind": string(code),
	})
}

// Process runs the job through its stages under the job deadline. A
// failed job is returned in the outcome together with the typed error.
func (o *Orchestrator) Process(ctx context.Context, jobID string) (*Outcome, error) {
	job, err := o.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return nil, apperrors.NewJobNotFoundError(jobID)
		}
		return nil, apperrors.NewInternalError(err)
	}
	if job.Status.Terminal() {
		return &Outcome{Job: job}, nil
	}
	req, err := o.deps.Jobs.Request(ctx, jobID)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	if o.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.JobTimeout)
		defer cancel()
	}

	log := o.logger.WithFields(map[string]interface{}{
		"jobId": job.ID,
		"tier":  string(job.Tier),
	})
	started := o.now()
	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()

	job.Start(started)
	outcome := &Outcome{Job: job}

	if err := o.run(ctx, job, req, outcome, log); err != nil {
		o.fail(ctx, job, err, log)
	}

	status := string(job.Status)
	elapsed := o.now().Sub(started)
	metrics.JobDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	for _, stage := range models.Stages() {
		if d := job.StageDuration(stage); d > 0 {
			metrics.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
		}
	}
	o.deps.Observability.RecordJobProcessed(ctx, status)
	o.deps.Observability.RecordJobDuration(ctx, elapsed, status)
	o.emit(job, log)

	outcome.Job = job.Snapshot()
	if job.Status == models.StatusFailed {
		return outcome, o.failure(job)
	}
	return outcome, nil
}

func (o *Orchestrator) run(ctx context.Context, job *models.GenerationJob, req *models.GenerationRequest, outcome *Outcome, log logger.Logger) error {
	// Analyzing
	spanCtx, span := o.enter(ctx, job, models.StageAnalyzing)
	profile := script.Detect(req.Prompt)
	fingerprint := cache.Fingerprint(req.Prompt, req.Tier)
	body, hit := o.deps.Cache.Get(spanCtx, fingerprint)
	span.End()

	if hit {
		job.CacheHit = true
		job.MarkupSource = SourceCache
		log.Debug("markup served from cache", map[string]interface{}{"fingerprint": fingerprint})
	} else {
		spanCtx, span = o.enter(ctx, job, models.StageGeneratingContent)
		var err error
		body, err = o.generate(spanCtx, job, req, profile, fingerprint)
		span.End()
		if err != nil {
			return err
		}
	}
	outcome.Markup = body

	spanCtx, span = o.enter(ctx, job, models.StageFormattingDocument)
	doc := render.Document{
		Title:     titleFor(req),
		Body:      body,
		Profile:   script.Detect(markup.TextContent(body)),
		Image:     req.Image,
		Watermark: req.Watermark,
		Brand:     req.Brand,
	}
	pdf, strategy, err := o.deps.Chain.Render(spanCtx, doc)
	span.End()
	if err != nil {
		return err
	}
	job.RenderStrategy = strategy
	if strategy != StrategyBrowserPool {
		log.Warn("document rendered on degraded path", map[string]interface{}{"strategy": strategy})
	}

	spanCtx, span = o.enter(ctx, job, models.StageFinalizing)
	defer span.End()
	if err := ctx.Err(); err != nil {
		return apperrors.NewTimeoutError(string(models.StageFinalizing), err)
	}
	handle, err := o.deps.Results.Put(spanCtx, job.ID, pdf)
	if err != nil {
		if ctx.Err() != nil {
			return apperrors.NewTimeoutError(string(models.StageFinalizing), ctx.Err())
		}
		return apperrors.NewStorageFailureError(err)
	}
	outcome.PDF = pdf

	job.Complete(handle, o.now())
	o.persist(ctx, job)
	o.deps.Notifier.Publish(job.Update("completed"))
	metrics.JobsCompleted.WithLabelValues(string(job.Tier), strategy).Inc()
	log.Info("job completed", map[string]interface{}{
		"resultHandle": handle,
		"strategy":     strategy,
		"cacheHit":     job.CacheHit,
		"markupSource": job.MarkupSource,
	})
	return nil
}

// generate produces markup once per fingerprint across concurrent jobs and
// populates the cache. Fallback bodies after an upstream failure are not
// cached so a later request can still get AI output.
func (o *Orchestrator) generate(ctx context.Context, job *models.GenerationJob, req *models.GenerationRequest, profile script.Profile, fingerprint string) (string, error) {
	var result *markup.Result
	body, shared, err := o.deps.Cache.Dedupe(ctx, fingerprint, func(callCtx context.Context) (string, error) {
		res, err := o.deps.Generator.Generate(callCtx, markup.Request{
			Prompt:  req.Prompt,
			Tier:    req.Tier,
			Brand:   req.Brand,
			Profile: profile,
		})
		if err != nil {
			return "", err
		}
		result = res
		if cacheable(res) {
			_ = o.deps.Cache.Set(callCtx, fingerprint, res.Markup, 0)
		}
		return res.Markup, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", apperrors.NewTimeoutError(string(models.StageGeneratingContent), ctx.Err())
		}
		// The shared call gave up while this job still has time left.
		o.logger.Warn("markup generation did not settle, using templated markup", map[string]interface{}{
			"jobId": job.ID,
			"error": err.Error(),
		})
		metrics.MarkupGenerations.WithLabelValues(string(markup.SourceFallback), markup.ReasonUpstreamUnavailable).Inc()
		job.MarkupSource = string(markup.SourceFallback)
		return markup.FallbackBody(req.Prompt, req.Brand, profile), nil
	}

	switch {
	case result != nil:
		job.MarkupSource = string(result.Source)
	case shared:
		job.MarkupSource = SourceShared
	}
	return body, nil
}

func cacheable(res *markup.Result) bool {
	if res.Source == markup.SourceAI {
		return true
	}
	return res.Reason == markup.ReasonRTLBypass || res.Reason == markup.ReasonMissingCredentials
}

// enter advances the job, persists and publishes the transition, and opens
// the stage span.
func (o *Orchestrator) enter(ctx context.Context, job *models.GenerationJob, stage models.Stage) (context.Context, trace.Span) {
	if job.Advance(stage, o.now()) {
		o.persist(ctx, job)
		o.deps.Notifier.Publish(job.Update(string(stage)))
	}
	return o.deps.Observability.StartSpan(ctx, "pipeline."+string(stage),
		attribute.String("job.id", job.ID),
		attribute.String("job.tier", string(job.Tier)),
	)
}

func (o *Orchestrator) fail(ctx context.Context, job *models.GenerationJob, err error, log logger.Logger) {
	code := apperrors.CodeOf(err)
	message := err.Error()
	if stdErr, ok := apperrors.AsStandardError(err); ok {
		message = stdErr.Message
		if stdErr.Details != "" {
			message += ": " + stdErr.Details
		}
	}

	job.Fail(string(code), message, o.now())
	o.persist(context.WithoutCancel(ctx), job)
	o.deps.Notifier.Publish(job.Update(message))
	metrics.JobsFailed.WithLabelValues(string(job.Tier), string(code)).Inc()
	log.Error("job failed", map[string]interface{}{
		"stage":     string(job.Stage),
		"errorKind": string(code),
		"error":     err.Error(),
	})
}

func (o *Orchestrator) failure(job *models.GenerationJob) error {
	return &apperrors.StandardError{
		Code:      apperrors.ErrorCode(job.ErrorKind),
		Message:   job.ErrorMessage,
		Retryable: apperrors.IsRetryableErrorCode(apperrors.ErrorCode(job.ErrorKind)),
		Metadata:  map[string]interface{}{"jobId": job.ID},
		Timestamp: job.UpdatedAt,
	}
}

func (o *Orchestrator) persist(ctx context.Context, job *models.GenerationJob) {
	if err := o.deps.Jobs.Update(ctx, job.Snapshot()); err != nil {
		o.logger.Warn("failed to persist job state", map[string]interface{}{
			"jobId":  job.ID,
			"status": string(job.Status),
			"error":  err.Error(),
		})
	}
}

func (o *Orchestrator) emit(job *models.GenerationJob, log logger.Logger) {
	if o.deps.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Events.Emit(ctx, job.Update("")); err != nil {
		log.Warn("failed to emit job event", map[string]interface{}{"error": err.Error()})
	}
}

// Job returns the current record of jobID.
func (o *Orchestrator) Job(ctx context.Context, jobID string) (*models.GenerationJob, error) {
	job, err := o.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return nil, apperrors.NewJobNotFoundError(jobID)
		}
		return nil, apperrors.NewInternalError(err)
	}
	return job, nil
}

// Result loads the stored PDF for handle.
func (o *Orchestrator) Result(ctx context.Context, handle string) ([]byte, error) {
	data, err := o.deps.Results.Get(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidHandle) {
			return nil, apperrors.NewResultNotFoundError(handle)
		}
		return nil, apperrors.NewStorageFailureError(err)
	}
	return data, nil
}

func (o *Orchestrator) Notifier() *notifier.Notifier {
	return o.deps.Notifier
}

func titleFor(req *models.GenerationRequest) string {
	if req.Brand.CompanyName != "" {
		return req.Brand.CompanyName
	}
	line := strings.TrimSpace(req.Prompt)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if utf8.RuneCountInString(line) > maxTitleRunes {
		line = string([]rune(line)[:maxTitleRunes]) + "…"
	}
	return line
}
