package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"tabular-ai-analyst/internal/domain"
	"tabular-ai-analyst/internal/domain/model"
)

// Conversation ids reach the sandbox DSN and sandbox table namespace;
// only a plain identifier shape is accepted at the boundary.
var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func conversationIDParam(r *http.Request) (string, error) {
	id := chi.URLParam(r, "conversationID")
	if !conversationIDPattern.MatchString(id) {
		return "", domain.NewValidationError(domain.CodeUnsafeStatement, "invalid conversation id")
	}
	return id, nil
}

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func userIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Class   string `json:"class"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError maps the error taxonomy onto HTTP statuses. Resource and
// infrastructure failures of accepted jobs never come through here; they
// arrive on the event stream.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	ce := domain.AsCoded(err)
	status := http.StatusInternalServerError
	switch ce.Class {
	case domain.ClassValidation:
		status = http.StatusBadRequest
		if ce.Code == domain.CodeDuplicateDataset {
			status = http.StatusConflict
		}
	case domain.ClassAdmission:
		switch ce.Code {
		case domain.CodeRateLimited:
			status = http.StatusTooManyRequests
		case domain.CodeQueueFull:
			status = http.StatusServiceUnavailable
		}
	case domain.ClassResource:
		status = http.StatusUnprocessableEntity
	}

	var body errorBody
	body.Error.Class = string(ce.Class)
	body.Error.Code = string(ce.Code)
	body.Error.Message = ce.Message
	writeJSON(w, status, body)
}

type toolRequestBody struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

type jobAccepted struct {
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	State     string `json:"state"`
	DatasetID string `json:"dataset_id,omitempty"`
}

// handleToolRequest is the synchronous admission path: validation and
// admission failures answer immediately, an accepted job answers 202 and
// everything later arrives on the event stream.
func (s *Server) handleToolRequest(w http.ResponseWriter, r *http.Request) {
	conv, err := conversationIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body toolRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	job, err := s.analysisUC.SubmitToolRequest(r.Context(), userIDFrom(r.Context()), model.ToolRequest{
		Kind:           model.JobKind(body.Kind),
		ConversationID: conv,
		Payload:        body.Payload,
	})
	if err != nil {
		// A rate-limited request carries the current decision so the
		// client can tell the user when to come back.
		ce := domain.AsCoded(err)
		if ce.Code == domain.CodeRateLimited {
			s.writeRateLimited(w, r)
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, jobAccepted{
		JobID:     job.ID,
		Kind:      string(job.Kind),
		State:     string(job.State),
		DatasetID: job.DatasetID,
	})
}

func (s *Server) writeRateLimited(w http.ResponseWriter, r *http.Request) {
	d, err := s.limiter.Check(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusTooManyRequests, d)
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	d, err := s.limiter.Check(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, d)
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	conv, err := conversationIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ds := s.analysisUC.ListDatasets(r.Context(), conv)
	writeJSON(w, http.StatusOK, map[string]any{"datasets": ds})
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	conv, err := conversationIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ds, err := s.analysisUC.GetDataset(r.Context(), conv, chi.URLParam(r, "datasetID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleRemoveDataset(w http.ResponseWriter, r *http.Request) {
	conv, err := conversationIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	err = s.analysisUC.RemoveDataset(r.Context(), conv, chi.URLParam(r, "datasetID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if !s.analysisUC.CancelJob(r.Context(), chi.URLParam(r, "jobID")) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such queued or running job"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
