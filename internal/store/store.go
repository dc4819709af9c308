// Package store persists scheduled activities and legacy tasks. The
// engine consumes the ActivityStore contract only; Postgres is the one
// implementation shipped here.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/studykit/scheduler/internal/models"
)

// ErrStore marks a backing persistence failure. Surfaced to callers as a
// service-unavailable condition, never silently swallowed.
var ErrStore = errors.New("store error")

// ActivityStore is the durable store keyed by participant + activity
// GUID.
type ActivityStore interface {
	// GetActivity returns one persisted activity, or models.ErrNotFound.
	GetActivity(ctx context.Context, healthCode, guid string) (models.ScheduledActivity, error)

	// GetActivities returns the persisted matches for the candidate
	// list, with timestamps rendered in the given zone.
	GetActivities(ctx context.Context, zone *time.Location, candidates []models.ScheduledActivity) ([]models.ScheduledActivity, error)

	// GetActivityHistory pages through persisted occurrences of one plan
	// activity inside a window. offsetKey is the GUID of the last item
	// of the previous page; empty starts from the beginning. The second
	// return is the next page's offset key, empty when exhausted.
	GetActivityHistory(ctx context.Context, healthCode, activityGuid string, start, end time.Time, zone *time.Location, offsetKey string, pageSize int) ([]models.ScheduledActivity, string, error)

	// SaveActivities batch-upserts generated activities. Upserts never
	// touch started/finished timestamps or client data; those belong to
	// the participant.
	SaveActivities(ctx context.Context, activities []models.ScheduledActivity) error

	// UpdateActivities writes participant-authored state (started,
	// finished, client data) back to the store.
	UpdateActivities(ctx context.Context, healthCode string, activities []models.ScheduledActivity) error

	DeleteActivitiesForParticipant(ctx context.Context, healthCode string) error
	DeleteActivitiesForPlan(ctx context.Context, schedulePlanGuid string) error
}

// TaskStore is the legacy run-key-grouped task store.
type TaskStore interface {
	// TaskRunHasNotOccurred reports whether no task from the given
	// scheduler run has been persisted yet.
	TaskRunHasNotOccurred(ctx context.Context, healthCode, runKey string) (bool, error)

	SaveTasks(ctx context.Context, healthCode string, tasks []models.Task) error
	GetTasks(ctx context.Context, healthCode string, startsOn, endsOn time.Time) ([]models.Task, error)
	UpdateTasks(ctx context.Context, healthCode string, tasks []models.Task) error
	DeleteTasks(ctx context.Context, healthCode string) error
}
