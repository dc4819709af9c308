// Package httpapi exposes the scheduling engine over HTTP. Handlers are
// thin: decode, call the service, encode. All validation lives in the
// service layer.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/studykit/scheduler/internal/models"
	"github.com/studykit/scheduler/internal/scheduler"
)

// ActivitiesHandler serves the scheduled-activity endpoints.
type ActivitiesHandler struct {
	service *scheduler.Service
	logger  *zap.Logger
}

// NewActivitiesHandler creates a new handler.
func NewActivitiesHandler(service *scheduler.Service, logger *zap.Logger) *ActivitiesHandler {
	return &ActivitiesHandler{service: service, logger: logger}
}

// RegisterRoutes registers activity routes on the provided mux.
func (h *ActivitiesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v3/activities", h.handleActivitiesV3)
	mux.HandleFunc("/v4/activities", h.handleActivitiesV4)
	mux.HandleFunc("/v4/activities/history", h.handleHistory)
	mux.HandleFunc("/v3/tasks", h.handleTasks)
}

// activityResponse decorates a scheduled activity with its derived
// status as of the request.
type activityResponse struct {
	models.ScheduledActivity
	Status models.Status `json:"status"`
}

func toResponses(activities []models.ScheduledActivity, now time.Time) []activityResponse {
	out := make([]activityResponse, 0, len(activities))
	for _, a := range activities {
		out = append(out, activityResponse{ScheduledActivity: a, Status: a.StatusAsOf(now)})
	}
	return out
}

// scheduleContextFromRequest builds the participant's window from query
// parameters and client headers. endsOn is required and its zone offset
// becomes the context zone.
func scheduleContextFromRequest(r *http.Request) (models.ScheduleContext, error) {
	q := r.URL.Query()
	sctx := models.ScheduleContext{
		StudyID:    q.Get("studyId"),
		HealthCode: q.Get("healthCode"),
	}

	endsOnRaw := q.Get("endsOn")
	if endsOnRaw == "" {
		return sctx, errors.New("endsOn is required")
	}
	endsOn, err := time.Parse(time.RFC3339, endsOnRaw)
	if err != nil {
		return sctx, errors.New("endsOn must be an ISO 8601 timestamp")
	}
	sctx.EndsOn = endsOn
	sctx.Zone = endsOn.Location()

	if startsOnRaw := q.Get("startsOn"); startsOnRaw != "" {
		startsOn, err := time.Parse(time.RFC3339, startsOnRaw)
		if err != nil {
			return sctx, errors.New("startsOn must be an ISO 8601 timestamp")
		}
		sctx.StartsOn = startsOn
	}

	sctx.Client.AppName = r.Header.Get("X-App-Name")
	if v := r.Header.Get("X-App-Version"); v != "" {
		version, err := strconv.Atoi(v)
		if err != nil {
			return sctx, errors.New("X-App-Version must be an integer")
		}
		sctx.Client.AppVersion = version
	}
	if createdRaw := q.Get("accountCreatedOn"); createdRaw != "" {
		created, err := time.Parse(time.RFC3339, createdRaw)
		if err != nil {
			return sctx, errors.New("accountCreatedOn must be an ISO 8601 timestamp")
		}
		sctx.AccountCreatedOn = created
	}
	return sctx, nil
}

func (h *ActivitiesHandler) handleActivitiesV3(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getActivities(w, r, h.service.GetScheduledActivities)
	case http.MethodPost:
		h.updateActivities(w, r)
	case http.MethodDelete:
		h.deleteActivities(w, r)
	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (h *ActivitiesHandler) handleActivitiesV4(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	h.getActivities(w, r, h.service.GetScheduledActivitiesV4)
}

type getFunc func(ctx context.Context, sctx models.ScheduleContext) ([]models.ScheduledActivity, error)

func (h *ActivitiesHandler) getActivities(w http.ResponseWriter, r *http.Request, get getFunc) {
	sctx, err := scheduleContextFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	activities, err := get(r.Context(), sctx)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": toResponses(activities, sctx.NowOrDefault()),
		"total": len(activities),
	})
}

func (h *ActivitiesHandler) updateActivities(w http.ResponseWriter, r *http.Request) {
	healthCode := r.URL.Query().Get("healthCode")
	var updates []models.ScheduledActivity
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.service.UpdateScheduledActivities(r.Context(), healthCode, updates); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": len(updates)})
}

func (h *ActivitiesHandler) deleteActivities(w http.ResponseWriter, r *http.Request) {
	healthCode := r.URL.Query().Get("healthCode")
	if err := h.service.DeleteActivitiesForParticipant(r.Context(), healthCode); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ActivitiesHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	pageSize := 50
	if v := q.Get("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "pageSize must be an integer")
			return
		}
		pageSize = n
	}

	var start, end *time.Time
	if v := q.Get("scheduledOnStart"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "scheduledOnStart must be an ISO 8601 timestamp")
			return
		}
		start = &t
	}
	if v := q.Get("scheduledOnEnd"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "scheduledOnEnd must be an ISO 8601 timestamp")
			return
		}
		end = &t
	}

	items, nextOffset, err := h.service.GetActivityHistory(r.Context(),
		q.Get("healthCode"), q.Get("activityGuid"), start, end, q.Get("offsetKey"), pageSize)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":         toResponses(items, time.Now()),
		"next_page_key": nextOffset,
	})
}

func (h *ActivitiesHandler) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sctx, err := scheduleContextFromRequest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		tasks, err := h.service.GetTasks(r.Context(), sctx)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": tasks, "total": len(tasks)})

	case http.MethodPost:
		healthCode := r.URL.Query().Get("healthCode")
		var updates []models.Task
		if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if err := h.service.UpdateTasks(r.Context(), healthCode, updates); err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"updated": len(updates)})

	case http.MethodDelete:
		healthCode := r.URL.Query().Get("healthCode")
		if err := h.service.DeleteTasks(r.Context(), healthCode); err != nil {
			h.writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (h *ActivitiesHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
