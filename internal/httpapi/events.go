package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/studykit/scheduler/internal/models"
	"github.com/studykit/scheduler/internal/worker"
)

// EventsHandler accepts domain change events (plan edits, enrollment
// changes) from the study administration system and queues them for
// background recompute.
type EventsHandler struct {
	pool      *worker.Pool
	logger    *zap.Logger
	authToken string
}

// NewEventsHandler creates a new handler.
func NewEventsHandler(pool *worker.Pool, logger *zap.Logger, authToken string) *EventsHandler {
	return &EventsHandler{pool: pool, logger: logger, authToken: authToken}
}

// RegisterRoutes registers the event ingest route on the provided mux.
func (h *EventsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/internal/events", h.handleEvent)
}

type eventRequest struct {
	Kind             string `json:"kind"`
	StudyID          string `json:"study_id"`
	SchedulePlanGuid string `json:"schedule_plan_guid,omitempty"`
	HealthCode       string `json:"health_code,omitempty"`
}

func (h *EventsHandler) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	// Auth: Bearer token
	if h.authToken != "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.authToken {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
	}

	var req eventRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.logger.Warn("Event decode error", zap.Error(err))
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	event := worker.Event{
		Kind:             worker.EventKind(req.Kind),
		StudyID:          req.StudyID,
		SchedulePlanGuid: req.SchedulePlanGuid,
		HealthCode:       req.HealthCode,
	}
	if err := h.pool.Submit(event); err != nil {
		h.logger.Warn("Event rejected",
			zap.String("kind", req.Kind),
			zap.String("study_id", req.StudyID),
			zap.Error(err),
		)
		status := http.StatusServiceUnavailable
		if errors.Is(err, models.ErrValidation) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
