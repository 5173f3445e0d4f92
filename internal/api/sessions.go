package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/workflow"
)

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Filename string         `json:"filename"`
	Records  []workflow.Row `json:"records"`
}

// SessionResponse wraps a session with its workflow state.
type SessionResponse struct {
	Session *domain.Session       `json:"session"`
	Stats   *domain.WorkflowStats `json:"stats,omitempty"`
	Queued  bool                  `json:"queued,omitempty"`
}

// CreateSession handles POST /sessions: ingest then classify.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Records) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "records must not be empty",
		})
		return
	}
	if req.Filename == "" {
		req.Filename = "upload.json"
	}

	sess, err := h.ingester.Ingest(r.Context(), req.Filename, req.Records)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp, code, err := h.dispatch(r.Context(), domain.WorkflowJob{SessionID: sess.ID, TraceID: GetTraceID(r.Context())})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if code == http.StatusOK {
		code = http.StatusCreated
	}
	writeJSON(w, code, resp)
}

// RunSession handles POST /sessions/{id}/run.
func (h *Handler) RunSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.repo.GetSession(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	resp, code, err := h.dispatch(r.Context(), domain.WorkflowJob{SessionID: id, TraceID: GetTraceID(r.Context())})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, code, resp)
}

// ReprocessRequest is the body of POST /sessions/{id}/reprocess.
type ReprocessRequest struct {
	SkipStages []string `json:"skip_stages"`
}

// ReprocessSession handles POST /sessions/{id}/reprocess.
func (h *Handler) ReprocessSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ReprocessRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	skip := make([]domain.Stage, 0, len(req.SkipStages))
	for _, s := range req.SkipStages {
		stage, err := domain.ParseStage(s)
		if err != nil {
			writeError(w, r, err)
			return
		}
		skip = append(skip, stage)
	}

	if _, err := h.repo.GetSession(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	resp, code, err := h.dispatch(r.Context(), domain.WorkflowJob{
		SessionID:  id,
		SkipStages: skip,
		Reprocess:  true,
		TraceID:    GetTraceID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, code, resp)
}

// dispatch runs a job inline, or queues it when async processing is on.
// A stage failure is not an error here: the errored session is returned.
func (h *Handler) dispatch(ctx context.Context, job domain.WorkflowJob) (*SessionResponse, int, error) {
	if h.async {
		busy, err := h.orch.Busy(ctx, job.SessionID)
		if err != nil {
			return nil, 0, err
		}
		if busy {
			return nil, 0, domain.ErrSessionBusy
		}
		if err := workflow.Enqueue(ctx, h.bus, job); err != nil {
			return nil, 0, err
		}
		sess, err := h.repo.GetSession(ctx, job.SessionID)
		if err != nil {
			return nil, 0, err
		}
		return &SessionResponse{Session: sess, Queued: true}, http.StatusAccepted, nil
	}

	var runErr error
	if job.Reprocess {
		_, runErr = h.orch.Reprocess(ctx, job.SessionID, job.SkipStages)
	} else {
		_, runErr = h.orch.RunFull(ctx, job.SessionID)
	}
	if runErr != nil && !isStageFailure(runErr) {
		return nil, 0, runErr
	}

	status, err := h.orch.Status(ctx, job.SessionID)
	if err != nil {
		return nil, 0, err
	}
	return &SessionResponse{Session: status.Session, Stats: &status.Stats}, http.StatusOK, nil
}

// isStageFailure reports errors already recorded on the session.
func isStageFailure(err error) bool {
	return !errors.Is(err, domain.ErrNotFound) &&
		!errors.Is(err, domain.ErrSessionBusy) &&
		!errors.Is(err, domain.ErrInvalidInput)
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.ListSessions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession handles GET /sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.repo.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// SessionStatus handles GET /sessions/{id}/status.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.orch.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ListRecords handles GET /sessions/{id}/records. Query parameters:
// risk_level filters by level; visible=true hides excluded and
// whitelisted records.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.repo.GetSession(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	records, err := h.repo.ListRecords(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	level := domain.RiskLevel(r.URL.Query().Get("risk_level"))
	visibleOnly := r.URL.Query().Get("visible") == "true"

	out := make([]*domain.Record, 0, len(records))
	for _, rec := range records {
		if visibleOnly && (rec.Excluded() || rec.Whitelisted) {
			continue
		}
		if level != "" && (rec.RiskLevel == nil || *rec.RiskLevel != level) {
			continue
		}
		out = append(out, rec)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": out,
		"count":   len(out),
	})
}

// ListProcessingErrors handles GET /sessions/{id}/errors.
func (h *Handler) ListProcessingErrors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.repo.GetSession(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	perrs, err := h.repo.ListProcessingErrors(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"errors": perrs,
		"count":  len(perrs),
	})
}
