package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	apperrors "docgen/internal/common/errors"
	"docgen/internal/common/validation"
	"docgen/internal/models"

	"github.com/go-chi/chi/v5"
)

const defaultMaxBodyBytes = 16 << 20

// CreateJob validates the body, admits the job and answers 202 with the
// locations to poll or stream.
func (s *Server) CreateJob(w http.ResponseWriter, r *http.Request) {
	limit := s.config.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.errors.HandleHTTPError(w, r, apperrors.NewInvalidInputError("(root)",
				fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit)))
			return
		}
		s.errors.HandleHTTPError(w, r, apperrors.NewInvalidInputError("(root)", "body could not be read"))
		return
	}

	result := validation.CreateJob.ValidateBytes(raw)
	if !result.Valid {
		s.errors.HandleHTTPError(w, r, apperrors.NewInvalidInputError(result.Errors[0].Field, result.Error()))
		return
	}

	var body createJobRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		s.errors.HandleHTTPError(w, r, apperrors.NewInvalidInputError("(root)", "body is not valid JSON"))
		return
	}

	req := &models.GenerationRequest{
		Identity:  IdentityFrom(r.Context()),
		Prompt:    body.Prompt,
		Tier:      tierOf(r, body.Tier),
		Watermark: body.Watermark,
		Brand:     body.Brand,
	}
	if body.Image != nil {
		data, err := base64.StdEncoding.DecodeString(body.Image.Data)
		if err != nil {
			s.errors.HandleHTTPError(w, r, apperrors.NewInvalidInputError("image.data", "image is not valid base64"))
			return
		}
		req.Image = &models.SourceImage{Data: data, MIMEType: body.Image.MIMEType}
	}

	job, err := s.orchestrator.Submit(r.Context(), req)
	if err != nil {
		s.errors.HandleHTTPError(w, r, err)
		return
	}

	statusURL := "/v1/jobs/" + job.ID
	w.Header().Set("Location", statusURL)
	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		StatusURL: statusURL,
		StreamURL: statusURL + "/stream",
		ResultURL: statusURL + "/result",
	})
}

func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orchestrator.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.errors.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// DownloadResult serves the finished PDF of a completed job.
func (s *Server) DownloadResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := s.orchestrator.Job(r.Context(), jobID)
	if err != nil {
		s.errors.HandleHTTPError(w, r, err)
		return
	}
	if job.Status != models.StatusCompleted || job.ResultHandle == "" {
		s.errors.HandleHTTPError(w, r, apperrors.NewResultNotFoundError(jobID))
		return
	}

	s.servePDF(w, r, job.ResultHandle, job.ID+".pdf")
}

// DownloadHandle serves a stored PDF by the opaque handle reported on the
// completed job.
func (s *Server) DownloadHandle(w http.ResponseWriter, r *http.Request) {
	handle := "results/" + chi.URLParam(r, "*")
	s.servePDF(w, r, handle, path.Base(handle))
}

func (s *Server) servePDF(w http.ResponseWriter, r *http.Request, handle, filename string) {
	data, err := s.orchestrator.Result(r.Context(), handle)
	if err != nil {
		s.errors.HandleHTTPError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// StreamJob pushes job updates as server-sent events until the job ends
// or the client leaves. Heartbeats keep idle connections open and double
// as a poll of the job store, so an update dropped from a full buffer is
// still observed.
func (s *Server) StreamJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	ctx := r.Context()

	// Subscribe before reading the snapshot so no update falls between them.
	sub, err := s.orchestrator.Notifier().Subscribe(jobID)
	if err != nil {
		s.errors.HandleHTTPError(w, r, apperrors.NewInternalError(err))
		return
	}
	defer func() { _ = s.orchestrator.Notifier().Unsubscribe(sub) }()

	job, err := s.orchestrator.Job(ctx, jobID)
	if err != nil {
		s.errors.HandleHTTPError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &eventStream{w: w, rc: rc}
	last := job.Update("")
	if err := stream.send(last); err != nil || last.Terminal() {
		return
	}

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case update, ok := <-sub.C:
			if !ok {
				return
			}
			if !advances(last, update) {
				continue
			}
			last = update
			if err := stream.send(update); err != nil || update.Terminal() {
				return
			}

		case <-ticker.C:
			if err := stream.heartbeat(); err != nil {
				return
			}
			current, err := s.orchestrator.Job(ctx, jobID)
			if err != nil {
				continue
			}
			update := current.Update("")
			if !advances(last, update) {
				continue
			}
			last = update
			if err := stream.send(update); err != nil || update.Terminal() {
				return
			}
		}
	}
}

// advances reports whether next moves the stream forward from last.
// Repeats and regressions are dropped.
func advances(last, next models.JobUpdate) bool {
	switch {
	case last.Terminal():
		return false
	case next.Terminal():
		return true
	case next.Stage != last.Stage:
		return next.Stage.Order() > last.Stage.Order()
	default:
		return last.Status == models.StatusQueued && next.Status == models.StatusProcessing
	}
}

type eventStream struct {
	w  io.Writer
	rc *http.ResponseController
}

func (e *eventStream) send(update models.JobUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: job-update\ndata: %s\n\n", payload); err != nil {
		return err
	}
	return e.rc.Flush()
}

func (e *eventStream) heartbeat() error {
	if _, err := io.WriteString(e.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	return e.rc.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
