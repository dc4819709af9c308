package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/studykit/scheduler/internal/models"
	"github.com/studykit/scheduler/internal/resolver"
)

func newTestGenerator(plans *fakePlans, events *fakeEvents, consents *fakeConsents, schemas map[string]int) *Generator {
	logger := zap.NewNop()
	res := resolver.New(passthroughSurveys{}, passthroughSchemas{revisions: schemas}, passthroughCompounds{}, logger)
	return NewGenerator(plans, res, events, consents, logger)
}

func TestBuildEventMap_RecordedEnrollmentWins(t *testing.T) {
	recorded := ts(t, "2026-02-15T10:00:00Z")
	g := newTestGenerator(&fakePlans{}, &fakeEvents{events: map[string]time.Time{
		models.EventEnrollment: recorded,
	}}, &fakeConsents{}, nil)

	sctx := dailyContext(t)
	sctx.AccountCreatedOn = ts(t, "2026-01-01T00:00:00Z")

	events, err := g.BuildEventMap(context.Background(), sctx)
	require.NoError(t, err)
	assert.True(t, events[models.EventEnrollment].Equal(recorded))
}

func TestBuildEventMap_FallsBackToAccountCreated(t *testing.T) {
	created := ts(t, "2026-01-01T00:00:00Z")
	g := newTestGenerator(&fakePlans{}, &fakeEvents{events: map[string]time.Time{}}, &fakeConsents{}, nil)

	sctx := dailyContext(t)
	sctx.AccountCreatedOn = created

	events, err := g.BuildEventMap(context.Background(), sctx)
	require.NoError(t, err)
	assert.True(t, events[models.EventEnrollment].Equal(created))
}

func TestBuildEventMap_FallsBackToConsentRecord(t *testing.T) {
	signedOn := ts(t, "2026-01-05T00:00:00Z")
	g := newTestGenerator(&fakePlans{}, &fakeEvents{events: map[string]time.Time{}},
		&fakeConsents{signedOn: signedOn, found: true}, nil)

	events, err := g.BuildEventMap(context.Background(), dailyContext(t))
	require.NoError(t, err)
	assert.True(t, events[models.EventEnrollment].Equal(signedOn))
}

func TestBuildEventMap_NoEnrollmentAnywhere(t *testing.T) {
	g := newTestGenerator(&fakePlans{}, &fakeEvents{events: map[string]time.Time{}}, &fakeConsents{}, nil)

	_, err := g.BuildEventMap(context.Background(), dailyContext(t))
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestBuildEventMap_NormalizesToContextZone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	recorded := ts(t, "2026-02-15T10:00:00Z")
	g := newTestGenerator(&fakePlans{}, &fakeEvents{events: map[string]time.Time{
		models.EventEnrollment: recorded,
	}}, &fakeConsents{}, nil)

	sctx := dailyContext(t)
	sctx.Zone = ny

	events, err := g.BuildEventMap(context.Background(), sctx)
	require.NoError(t, err)
	assert.Equal(t, ny.String(), events[models.EventEnrollment].Location().String())
}

func TestGenerate_ScopedToSinglePlan(t *testing.T) {
	other := dailyTaskPlan(24 * time.Hour)
	other.Guid = "plan-other"
	other.Strategy.Schedule.Activities = []models.Activity{{
		Guid: "act-other", Label: "Other", Type: models.ActivityTypeTask,
		Task: &models.TaskReference{Identifier: "other"},
	}}

	plans := &fakePlans{plans: []models.SchedulePlan{dailyTaskPlan(24 * time.Hour), other}}
	g := newTestGenerator(plans, &fakeEvents{events: enrollmentEvents(t)}, &fakeConsents{}, nil)

	sctx := dailyContext(t).WithSchedulePlan("plan-other")
	generated, err := g.Generate(context.Background(), sctx)
	require.NoError(t, err)
	require.NotEmpty(t, generated)
	for _, sa := range generated {
		assert.Equal(t, "plan-other", sa.SchedulePlanGuid)
	}
}

func TestGenerate_SkipsUnresolvableActivity(t *testing.T) {
	plan := dailyTaskPlan(24 * time.Hour)
	plan.Strategy.Schedule.Activities = []models.Activity{
		{
			Guid: "act-good", Label: "Fine", Type: models.ActivityTypeTask,
			Task: &models.TaskReference{Identifier: "walk"},
		},
		{
			Guid: "act-bad", Label: "Broken", Type: models.ActivityTypeTask,
			Task: &models.TaskReference{
				Identifier: "missing",
				Schema:     &models.SchemaReference{ID: "missing-schema"},
			},
		},
	}

	g := newTestGenerator(&fakePlans{plans: []models.SchedulePlan{plan}},
		&fakeEvents{events: enrollmentEvents(t)}, &fakeConsents{}, nil)

	generated, err := g.Generate(context.Background(), dailyContext(t))
	require.NoError(t, err)
	require.NotEmpty(t, generated)
	for _, sa := range generated {
		assert.Equal(t, "act-good", sa.Activity.Guid)
	}
}

func TestGenerate_SchemaRevisionResolvedOncePerPass(t *testing.T) {
	plan := dailyTaskPlan(24 * time.Hour)
	plan.Strategy.Schedule.Activities = []models.Activity{{
		Guid: "act-tapping", Label: "Tapping", Type: models.ActivityTypeTask,
		Task: &models.TaskReference{
			Identifier: "tapping",
			Schema:     &models.SchemaReference{ID: "tapping"},
		},
	}}

	g := newTestGenerator(&fakePlans{plans: []models.SchedulePlan{plan}},
		&fakeEvents{events: enrollmentEvents(t)}, &fakeConsents{}, map[string]int{"tapping": 5})

	generated, err := g.Generate(context.Background(), dailyContext(t))
	require.NoError(t, err)
	require.NotEmpty(t, generated)
	for _, sa := range generated {
		require.NotNil(t, sa.Activity.Task.Schema)
		require.NotNil(t, sa.Activity.Task.Schema.Revision)
		assert.Equal(t, 5, *sa.Activity.Task.Schema.Revision)
	}
}
