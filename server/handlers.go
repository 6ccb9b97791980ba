package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sakamotopaya/code-agent-sub007/server/extra"
	"github.com/sakamotopaya/code-agent-sub007/server/transport"
	"github.com/sakamotopaya/code-agent-sub007/server/validators"
	"go.uber.org/zap"
)

const (
	APIPrefix         = "/api/v1"
	ExecuteStreamPath = APIPrefix + "/execute/stream"
	JobsPath          = APIPrefix + "/jobs"
	StatusPath        = "/status"

	contentTypeJSON = "application/json"
)

type jobRequest struct {
	Task string `json:"task"`
	Mode string `json:"mode,omitempty"`
}

type jobResponse struct {
	JobID     string    `json:"jobId"`
	StreamURL string    `json:"streamUrl,omitempty"`
	Status    JobStatus `json:"status"`
}

type jobListResponse struct {
	Jobs []string `json:"jobs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func streamURL(jobID string) string {
	return JobsPath + "/" + jobID + "/stream"
}

func (b *ServerBuilder) registerRoutes() {
	guard := func(h http.HandlerFunc) http.Handler {
		return transport.RequireAuth(b.auth, b.logger, h)
	}
	b.logger.Info("Registering job API", zap.String("prefix", APIPrefix))
	b.mux.Handle("POST "+ExecuteStreamPath, guard(b.handleExecuteStream))
	b.mux.Handle("POST "+JobsPath, guard(b.handleCreateJob))
	b.mux.Handle("GET "+JobsPath, guard(b.handleListJobs))
	b.mux.Handle("GET "+JobsPath+"/{jobId}/stream", guard(b.handleAttachStream))
	b.mux.Handle("POST "+JobsPath+"/{jobId}/cancel", guard(b.handleCancelJob))

	b.logger.Info("Registering status handler", zap.String("path", StatusPath))
	b.mux.HandleFunc("GET "+StatusPath, extra.StatusHandler(b.cfg, b.logger, b.jobs, b.streams))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// readJobRequest decodes and validates a job request, answering the client
// itself on failure.
func (b *ServerBuilder) readJobRequest(w http.ResponseWriter, r *http.Request) (*jobRequest, bool) {
	var body jobRequest
	r.Body = http.MaxBytesReader(w, r.Body, b.maxBody)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request exceeds maximum allowed size")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	body.Task = strings.TrimSpace(body.Task)
	if body.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return nil, false
	}

	req := &validators.Request{
		UserID:     transport.UserID(r.Context()),
		RemoteAddr: transport.RemoteHost(r),
		BodySize:   r.ContentLength,
		Mode:       body.Mode,
	}
	if err := validators.Run(req, b.validators...); err != nil {
		b.logger.Debug("Job request rejected", zap.String("client", req.ClientKey()), zap.Error(err))
		writeError(w, validators.StatusCode(err), err.Error())
		return nil, false
	}
	return &body, true
}

func (b *ServerBuilder) createJob(w http.ResponseWriter, r *http.Request) (*Job, bool) {
	body, ok := b.readJobRequest(w, r)
	if !ok {
		return nil, false
	}
	job, err := b.jobs.Create(transport.UserID(r.Context()), body.Task, body.Mode)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrJobsShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return nil, false
	}
	return job, true
}

// POST /api/v1/execute/stream
func (b *ServerBuilder) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	job, ok := b.createJob(w, r)
	if !ok {
		return
	}
	b.serveStream(w, r, job, true)
}

// POST /api/v1/jobs
func (b *ServerBuilder) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	job, ok := b.createJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, jobResponse{JobID: job.ID, StreamURL: streamURL(job.ID), Status: job.Status()})
}

// GET /api/v1/jobs
func (b *ServerBuilder) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: b.jobs.List(transport.UserID(r.Context()))})
}

// GET /api/v1/jobs/{jobId}/stream
func (b *ServerBuilder) handleAttachStream(w http.ResponseWriter, r *http.Request) {
	job, err := b.jobs.Get(r.PathValue("jobId"), transport.UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	b.serveStream(w, r, job, false)
}

// POST /api/v1/jobs/{jobId}/cancel
func (b *ServerBuilder) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := b.jobs.Get(r.PathValue("jobId"), transport.UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := b.jobs.Cancel(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: job.ID, Status: job.Status()})
}

// serveStream attaches w as the job's stream, starts a pending job and holds
// the connection until the stream is closed or replaced, or the client leaves.
// Leaving detaches the stream; the job keeps running and can be re-attached.
// A job created by this request is torn down when no stream can be attached.
func (b *ServerBuilder) serveStream(w http.ResponseWriter, r *http.Request, job *Job, created bool) {
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	stream, err := b.streams.CreateStream(job.ID, w)
	if err != nil {
		b.logger.Error("Failed to create stream", zap.String("jobID", job.ID), zap.Error(err))
		if created {
			b.jobs.finish(r.Context(), job, JobFailed)
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := b.jobs.Start(r.Context(), job); err != nil && !errors.Is(err, ErrJobStarted) {
		b.logger.Warn("Job failed to start", zap.String("jobID", job.ID), zap.Error(err))
	}

	select {
	case <-stream.Done():
	case <-r.Context().Done():
		b.logger.Debug("Client left the stream", zap.String("jobID", job.ID))
		b.streams.Detach(stream)
	}
}
