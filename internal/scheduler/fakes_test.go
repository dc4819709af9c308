package scheduler

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/studykit/scheduler/internal/models"
	"github.com/studykit/scheduler/internal/resolver"
)

// In-memory collaborators for service-level tests.

type fakePlans struct {
	plans []models.SchedulePlan
}

func (f *fakePlans) GetSchedulePlans(_ context.Context, _ models.ClientInfo, _ string) ([]models.SchedulePlan, error) {
	return f.plans, nil
}

func (f *fakePlans) GetAllSchedulePlans(_ context.Context, _ string) ([]models.SchedulePlan, error) {
	return f.plans, nil
}

type fakeEvents struct {
	events    map[string]time.Time
	published []models.ScheduledActivity
}

func (f *fakeEvents) GetEventMap(_ context.Context, _ string) (map[string]time.Time, error) {
	return f.events, nil
}

func (f *fakeEvents) PublishActivityFinished(_ context.Context, activity models.ScheduledActivity) error {
	f.published = append(f.published, activity)
	return nil
}

type fakeConsents struct {
	signedOn time.Time
	found    bool
}

func (f *fakeConsents) GetEnrollmentDate(_ context.Context, _, _ string) (time.Time, bool, error) {
	return f.signedOn, f.found, nil
}

// memoryStore implements store.ActivityStore and store.TaskStore over
// plain maps.
type memoryStore struct {
	activities map[string]map[string]models.ScheduledActivity // healthCode -> guid -> activity
	tasks      map[string][]models.Task                       // healthCode -> tasks
	saveCalls  int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		activities: make(map[string]map[string]models.ScheduledActivity),
		tasks:      make(map[string][]models.Task),
	}
}

func (m *memoryStore) GetActivity(_ context.Context, healthCode, guid string) (models.ScheduledActivity, error) {
	if sa, ok := m.activities[healthCode][guid]; ok {
		return sa, nil
	}
	return models.ScheduledActivity{}, models.ErrNotFound
}

func (m *memoryStore) GetActivities(_ context.Context, _ *time.Location, candidates []models.ScheduledActivity) ([]models.ScheduledActivity, error) {
	var out []models.ScheduledActivity
	for _, c := range candidates {
		if sa, ok := m.activities[c.HealthCode][c.Guid]; ok {
			out = append(out, sa)
		}
	}
	return out, nil
}

func (m *memoryStore) GetActivityHistory(_ context.Context, healthCode, activityGuid string, start, end time.Time, _ *time.Location, offsetKey string, pageSize int) ([]models.ScheduledActivity, string, error) {
	var matched []models.ScheduledActivity
	for guid, sa := range m.activities[healthCode] {
		if !strings.HasPrefix(guid, activityGuid+":") {
			continue
		}
		if guid <= offsetKey {
			continue
		}
		if sa.ScheduledOn.Before(start) || sa.ScheduledOn.After(end) {
			continue
		}
		matched = append(matched, sa)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Guid < matched[j].Guid })

	next := ""
	if len(matched) > pageSize {
		matched = matched[:pageSize]
		next = matched[pageSize-1].Guid
	}
	return matched, next, nil
}

func (m *memoryStore) SaveActivities(_ context.Context, activities []models.ScheduledActivity) error {
	m.saveCalls++
	for _, sa := range activities {
		byGuid, ok := m.activities[sa.HealthCode]
		if !ok {
			byGuid = make(map[string]models.ScheduledActivity)
			m.activities[sa.HealthCode] = byGuid
		}
		if existing, ok := byGuid[sa.Guid]; ok {
			// Generated columns only; participant state is untouched.
			existing.SchedulePlanGuid = sa.SchedulePlanGuid
			existing.Activity = sa.Activity
			existing.ScheduledOn = sa.ScheduledOn
			existing.ExpiresOn = sa.ExpiresOn
			byGuid[sa.Guid] = existing
			continue
		}
		sa.Persisted = true
		byGuid[sa.Guid] = sa
	}
	return nil
}

func (m *memoryStore) UpdateActivities(_ context.Context, healthCode string, activities []models.ScheduledActivity) error {
	for _, sa := range activities {
		if existing, ok := m.activities[healthCode][sa.Guid]; ok {
			existing.StartedOn = sa.StartedOn
			existing.FinishedOn = sa.FinishedOn
			existing.ClientData = sa.ClientData
			m.activities[healthCode][sa.Guid] = existing
		}
	}
	return nil
}

func (m *memoryStore) DeleteActivitiesForParticipant(_ context.Context, healthCode string) error {
	delete(m.activities, healthCode)
	return nil
}

func (m *memoryStore) DeleteActivitiesForPlan(_ context.Context, schedulePlanGuid string) error {
	for _, byGuid := range m.activities {
		for guid, sa := range byGuid {
			if sa.SchedulePlanGuid == schedulePlanGuid {
				delete(byGuid, guid)
			}
		}
	}
	return nil
}

func (m *memoryStore) TaskRunHasNotOccurred(_ context.Context, healthCode, runKey string) (bool, error) {
	for _, task := range m.tasks[healthCode] {
		if task.RunKey == runKey {
			return false, nil
		}
	}
	return true, nil
}

func (m *memoryStore) SaveTasks(_ context.Context, healthCode string, tasks []models.Task) error {
	m.tasks[healthCode] = append(m.tasks[healthCode], tasks...)
	return nil
}

func (m *memoryStore) GetTasks(_ context.Context, healthCode string, startsOn, endsOn time.Time) ([]models.Task, error) {
	var out []models.Task
	for _, task := range m.tasks[healthCode] {
		if task.ScheduledOn.Before(startsOn) || task.ScheduledOn.After(endsOn) {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

func (m *memoryStore) UpdateTasks(_ context.Context, healthCode string, tasks []models.Task) error {
	for _, update := range tasks {
		for i, task := range m.tasks[healthCode] {
			if task.Guid == update.Guid {
				m.tasks[healthCode][i].StartedOn = update.StartedOn
				m.tasks[healthCode][i].FinishedOn = update.FinishedOn
			}
		}
	}
	return nil
}

func (m *memoryStore) DeleteTasks(_ context.Context, healthCode string) error {
	delete(m.tasks, healthCode)
	return nil
}

// Resolver lookups that never resolve anything; plans in these tests use
// concrete references.
type passthroughSurveys struct{}

func (passthroughSurveys) GetMostRecentlyPublishedVersion(_ context.Context, _, _ string) (models.SurveyVersion, bool, error) {
	return models.SurveyVersion{}, false, nil
}

type passthroughSchemas struct{ revisions map[string]int }

func (p passthroughSchemas) GetLatestRevisionForAppVersion(_ context.Context, _, schemaID string, _ models.ClientInfo) (int, bool, error) {
	rev, ok := p.revisions[schemaID]
	return rev, ok, nil
}

type passthroughCompounds struct{}

func (passthroughCompounds) GetDefinition(_ context.Context, _, _ string) (models.CompoundActivity, bool, error) {
	return models.CompoundActivity{}, false, nil
}

type testEnv struct {
	service *Service
	store   *memoryStore
	events  *fakeEvents
	plans   *fakePlans
}

func newTestEnv(plans []models.SchedulePlan, events map[string]time.Time) *testEnv {
	logger := zap.NewNop()
	planProvider := &fakePlans{plans: plans}
	eventService := &fakeEvents{events: events}
	res := resolver.New(passthroughSurveys{}, passthroughSchemas{revisions: map[string]int{"tapping": 2}}, passthroughCompounds{}, logger)
	generator := NewGenerator(planProvider, res, eventService, &fakeConsents{}, logger)
	mem := newMemoryStore()
	service := NewService(generator, mem, mem, eventService, nil, logger)
	return &testEnv{service: service, store: mem, events: eventService, plans: planProvider}
}
