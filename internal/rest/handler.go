// Package rest exposes the queue over HTTP for the UI layer.
package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pmoura/fetchq/internal/job"
	"github.com/pmoura/fetchq/internal/logctx"
	"github.com/pmoura/fetchq/internal/queue"
	"github.com/pmoura/fetchq/internal/sink"
)

// SubmitJobRequest is the enqueue payload. Destination is optional; the
// handler's default target is used when it is omitted.
type SubmitJobRequest struct {
	ResourceID  string             `json:"resource_id"`
	Format      string             `json:"format"`
	Quality     string             `json:"quality"`
	Title       string             `json:"title"`
	Destination *SubmitDestination `json:"destination,omitempty"`
}

// SubmitDestination overrides the handler's default target for one job.
type SubmitDestination struct {
	Kind      string `json:"kind"`
	Directory string `json:"directory"`
	TreeURI   string `json:"tree_uri"`
	FileName  string `json:"file_name"`
}

// ActionRequest is the single-field action payload kept for clients that
// predate the per-job routes. The only supported action is
// "cancel:<local_id>".
type ActionRequest struct {
	Action string `json:"action"`
}

// JobResponse is the wire shape of one job.
type JobResponse struct {
	LocalID      string `json:"local_id"`
	ServerID     string `json:"server_id,omitempty"`
	ResourceID   string `json:"resource_id"`
	Format       string `json:"format"`
	Quality      string `json:"quality,omitempty"`
	Title        string `json:"title,omitempty"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	Location     string `json:"location,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// QueueHandler serves the queue API.
type QueueHandler struct {
	username      string
	password      string
	manager       *queue.Manager
	defaultTarget sink.Target
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(username, password string, manager *queue.Manager, defaultTarget sink.Target) *QueueHandler {
	return &QueueHandler{
		username:      username,
		password:      password,
		manager:       manager,
		defaultTarget: defaultTarget,
	}
}

func (h *QueueHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Post("/jobs", h.HandleSubmit)
	r.Get("/jobs", h.HandleList)
	r.Get("/jobs/{localID}", h.HandleGet)
	r.Post("/jobs/{localID}/cancel", h.HandleCancel)
	r.Delete("/jobs/{localID}", h.HandleDelete)
	r.Post("/queue/cleanup", h.HandleCleanup)
	r.Post("/actions", h.HandleAction)

	return r
}

// HandleSubmit enqueues a new job and answers immediately with its local id.
func (h *QueueHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.ResourceID == "" || req.Format == "" {
		http.Error(w, "resource_id and format are required", http.StatusBadRequest)

		return
	}

	target, err := h.resolveTarget(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	localID := h.manager.Submit(queue.SubmitRequest{
		Descriptor: job.Descriptor{
			ResourceID: req.ResourceID,
			Format:     req.Format,
			Quality:    req.Quality,
			Title:      req.Title,
		},
		Target: target,
	})

	logger.Info("job submitted", "job_id", localID, "resource_id", req.ResourceID)

	writeJSON(w, http.StatusAccepted, map[string]string{"local_id": localID})
}

// HandleList returns a snapshot of every known job.
func (h *QueueHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	jobs := h.manager.Jobs()

	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toResponse(j))
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// HandleGet returns one job.
func (h *QueueHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	localID := chi.URLParam(r, "localID")

	j, ok := h.manager.Job(localID)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)

		return
	}

	writeJSON(w, http.StatusOK, toResponse(j))
}

// HandleCancel requests cancellation. Unknown and terminal jobs answer
// 202 as well since cancel is idempotent.
func (h *QueueHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	localID := chi.URLParam(r, "localID")

	h.manager.Cancel(localID)

	w.WriteHeader(http.StatusAccepted)
}

// HandleDelete cancels a job if needed and forgets it.
func (h *QueueHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	localID := chi.URLParam(r, "localID")

	h.manager.Delete(localID)

	w.WriteHeader(http.StatusNoContent)
}

// HandleCleanup cancels every non-terminal job.
func (h *QueueHandler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	logctx.LoggerFromContext(r.Context()).Info("cleanup requested, cancelling all jobs")

	h.manager.CancelAll()

	w.WriteHeader(http.StatusAccepted)
}

// HandleAction dispatches the legacy action payload.
func (h *QueueHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	localID, ok := strings.CutPrefix(req.Action, "cancel:")
	if !ok || localID == "" {
		logger.Error("unknown action", "action", req.Action)
		http.Error(w, fmt.Sprintf("unknown action %q", req.Action), http.StatusBadRequest)

		return
	}

	h.manager.Cancel(localID)

	w.WriteHeader(http.StatusAccepted)
}

func (h *QueueHandler) resolveTarget(req *SubmitJobRequest) (sink.Target, error) {
	if req.Destination == nil {
		target := h.defaultTarget
		target.FileName = filepath.Base(defaultFileName(req))

		return target, nil
	}

	target := sink.Target{
		Kind:      sink.TargetKind(req.Destination.Kind),
		Directory: req.Destination.Directory,
		TreeURI:   req.Destination.TreeURI,
		FileName:  req.Destination.FileName,
	}

	switch target.Kind {
	case sink.KindFilesystem:
		if target.Directory == "" {
			return sink.Target{}, fmt.Errorf("filesystem destination requires directory")
		}
	case sink.KindDocument:
		if target.TreeURI == "" {
			return sink.Target{}, fmt.Errorf("document destination requires tree_uri")
		}
	default:
		return sink.Target{}, fmt.Errorf("unknown destination kind %q", req.Destination.Kind)
	}

	if target.FileName == "" {
		target.FileName = defaultFileName(req)
	}

	// The name is joined into the destination directory, so path elements
	// in a client-supplied name must not escape it.
	target.FileName = filepath.Base(target.FileName)

	return target, nil
}

func defaultFileName(req *SubmitJobRequest) string {
	name := req.Title
	if name == "" {
		name = req.ResourceID
	}

	return name + "." + req.Format
}

func toResponse(j job.Job) JobResponse {
	return JobResponse{
		LocalID:      j.LocalID,
		ServerID:     j.ServerID,
		ResourceID:   j.ResourceID,
		Format:       j.Format,
		Quality:      j.Quality,
		Title:        j.Title,
		Status:       string(j.Status),
		Progress:     j.Progress,
		Location:     j.Location,
		ErrorKind:    j.ErrorKind,
		ErrorMessage: j.ErrorMessage,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

func (h *QueueHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" && h.password == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}
