package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studykit/scheduler/internal/models"
)

func taskContext(t *testing.T) models.ScheduleContext {
	t.Helper()
	return models.ScheduleContext{
		StudyID:    "study-a",
		HealthCode: "hc-1",
		Zone:       time.UTC,
		StartsOn:   ts(t, "2026-03-10T00:00:00Z"),
		EndsOn:     ts(t, "2026-03-12T00:00:00Z"),
		Now:        ts(t, "2026-03-10T12:00:00Z"),
	}
}

func TestGetTasks_WindowValidation(t *testing.T) {
	env := newTestEnv(nil, enrollmentEvents(t))

	past := taskContext(t)
	past.EndsOn = past.Now.Add(-time.Hour)
	_, err := env.service.GetTasks(context.Background(), past)
	assert.True(t, errors.Is(err, models.ErrValidation))

	wide := taskContext(t)
	wide.EndsOn = wide.Now.Add(5 * 24 * time.Hour)
	_, err = env.service.GetTasks(context.Background(), wide)
	assert.True(t, errors.Is(err, models.ErrValidation))
	assert.Contains(t, err.Error(), "4 days or less")
}

func TestGetTasks_PersistsRunOnce(t *testing.T) {
	env := newTestEnv([]models.SchedulePlan{dailyTaskPlan(24 * time.Hour)}, enrollmentEvents(t))
	sctx := taskContext(t)

	first, err := env.service.GetTasks(context.Background(), sctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	persistedCount := len(env.store.tasks["hc-1"])
	second, err := env.service.GetTasks(context.Background(), sctx)
	require.NoError(t, err)
	assert.Equal(t, len(first), len(second))
	assert.Equal(t, persistedCount, len(env.store.tasks["hc-1"]),
		"an already persisted run must not be written again")
}

func TestGetTasks_PreservesUpdatedState(t *testing.T) {
	env := newTestEnv([]models.SchedulePlan{dailyTaskPlan(24 * time.Hour)}, enrollmentEvents(t))
	sctx := taskContext(t)

	tasks, err := env.service.GetTasks(context.Background(), sctx)
	require.NoError(t, err)
	require.NotEmpty(t, tasks)

	startedOn := ts(t, "2026-03-10T13:00:00Z")
	update := tasks[0]
	update.StartedOn = &startedOn
	require.NoError(t, env.service.UpdateTasks(context.Background(), "hc-1", []models.Task{update}))

	again, err := env.service.GetTasks(context.Background(), sctx)
	require.NoError(t, err)
	var found *models.Task
	for i := range again {
		if again[i].Guid == update.Guid {
			found = &again[i]
		}
	}
	require.NotNil(t, found)
	require.NotNil(t, found.StartedOn)
	assert.Equal(t, startedOn, *found.StartedOn)
}

func TestUpdateTasks_Validation(t *testing.T) {
	env := newTestEnv(nil, nil)

	err := env.service.UpdateTasks(context.Background(), "", []models.Task{{Guid: "x"}})
	assert.True(t, errors.Is(err, models.ErrValidation))

	err = env.service.UpdateTasks(context.Background(), "hc-1", []models.Task{{}})
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestDeleteTasks(t *testing.T) {
	env := newTestEnv([]models.SchedulePlan{dailyTaskPlan(24 * time.Hour)}, enrollmentEvents(t))

	_, err := env.service.GetTasks(context.Background(), taskContext(t))
	require.NoError(t, err)
	require.NotEmpty(t, env.store.tasks["hc-1"])

	require.NoError(t, env.service.DeleteTasks(context.Background(), "hc-1"))
	assert.Empty(t, env.store.tasks["hc-1"])

	err = env.service.DeleteTasks(context.Background(), "")
	assert.True(t, errors.Is(err, models.ErrValidation))
}
