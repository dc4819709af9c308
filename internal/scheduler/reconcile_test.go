package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studykit/scheduler/internal/models"
)

func ts(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func generatedActivity(t *testing.T, guid, scheduledOn string) models.ScheduledActivity {
	t.Helper()
	return models.ScheduledActivity{
		Guid:        models.DeriveActivityGuid(guid, ts(t, scheduledOn)),
		HealthCode:  "hc-1",
		ScheduledOn: ts(t, scheduledOn),
	}
}

func TestPerformMerge_FreshActivitiesAreSaved(t *testing.T) {
	now := ts(t, "2026-03-10T12:00:00Z")
	generated := []models.ScheduledActivity{
		generatedActivity(t, "act-1", "2026-03-11T09:00:00Z"),
		generatedActivity(t, "act-2", "2026-03-12T09:00:00Z"),
	}

	final, saves := PerformMerge(generated, map[string]models.ScheduledActivity{}, now)
	assert.Len(t, final, 2)
	assert.Len(t, saves, 2)
}

func TestPerformMerge_PersistedStateWins(t *testing.T) {
	now := ts(t, "2026-03-10T12:00:00Z")
	startedOn := ts(t, "2026-03-09T10:00:00Z")

	generated := []models.ScheduledActivity{
		generatedActivity(t, "act-1", "2026-03-09T09:00:00Z"),
	}
	persistedCopy := generated[0]
	persistedCopy.StartedOn = &startedOn
	persistedCopy.Persisted = true
	persisted := map[string]models.ScheduledActivity{persistedCopy.Guid: persistedCopy}

	final, saves := PerformMerge(generated, persisted, now)
	require.Len(t, final, 1)
	assert.Empty(t, saves, "a started activity must never be re-saved")
	require.NotNil(t, final[0].StartedOn)
	assert.Equal(t, startedOn, *final[0].StartedOn)
	assert.True(t, final[0].Persisted)
}

func TestPerformMerge_UpdatablePersistedIsReplaced(t *testing.T) {
	now := ts(t, "2026-03-10T12:00:00Z")

	generated := []models.ScheduledActivity{
		generatedActivity(t, "act-1", "2026-03-11T09:00:00Z"),
	}
	generated[0].Activity = models.Activity{Guid: "act-1", Label: "updated label"}

	stale := generated[0]
	stale.Activity = models.Activity{Guid: "act-1", Label: "old label"}
	stale.Persisted = true
	persisted := map[string]models.ScheduledActivity{stale.Guid: stale}

	final, saves := PerformMerge(generated, persisted, now)
	require.Len(t, final, 1)
	assert.Equal(t, "updated label", final[0].Activity.Label)
	require.Len(t, saves, 1)
	assert.Equal(t, "updated label", saves[0].Activity.Label)
}

func TestPerformMerge_ExpiredNeverPersisted(t *testing.T) {
	now := ts(t, "2026-03-10T12:00:00Z")
	expiresOn := ts(t, "2026-03-09T09:00:00Z")

	expired := generatedActivity(t, "act-1", "2026-03-08T09:00:00Z")
	expired.ExpiresOn = &expiresOn

	final, saves := PerformMerge([]models.ScheduledActivity{expired}, map[string]models.ScheduledActivity{}, now)
	assert.Len(t, final, 1, "expired activities still appear in the merge result")
	assert.Empty(t, saves)
}

func TestPerformMerge_ConsumesMatchedPersisted(t *testing.T) {
	now := ts(t, "2026-03-10T12:00:00Z")

	generated := []models.ScheduledActivity{
		generatedActivity(t, "act-1", "2026-03-11T09:00:00Z"),
	}
	matched := generated[0]
	matched.Persisted = true
	leftover := generatedActivity(t, "act-1", "2026-03-20T09:00:00Z")
	leftover.Persisted = true

	persisted := map[string]models.ScheduledActivity{
		matched.Guid:  matched,
		leftover.Guid: leftover,
	}

	PerformMerge(generated, persisted, now)
	_, matchedRemains := persisted[matched.Guid]
	assert.False(t, matchedRemains)
	_, leftoverRemains := persisted[leftover.Guid]
	assert.True(t, leftoverRemains, "unmatched persisted activities stay for the caller")
}

func TestPerformMerge_Idempotent(t *testing.T) {
	now := ts(t, "2026-03-10T12:00:00Z")
	generated := []models.ScheduledActivity{
		generatedActivity(t, "act-1", "2026-03-11T09:00:00Z"),
	}

	// First pass persists; second pass sees the saved copy, which is
	// still updatable, so it is simply replaced with an equal value.
	_, firstSaves := PerformMerge(generated, map[string]models.ScheduledActivity{}, now)
	require.Len(t, firstSaves, 1)

	persisted := map[string]models.ScheduledActivity{firstSaves[0].Guid: firstSaves[0]}
	final, _ := PerformMerge(generated, persisted, now)
	require.Len(t, final, 1)
	assert.Equal(t, generated[0].Guid, final[0].Guid)
}

func TestOrderActivities(t *testing.T) {
	now := ts(t, "2026-03-10T12:00:00Z")
	expiresOn := ts(t, "2026-03-09T00:00:00Z")

	late := generatedActivity(t, "act-3", "2026-03-13T09:00:00Z")
	early := generatedActivity(t, "act-1", "2026-03-11T09:00:00Z")
	expired := generatedActivity(t, "act-2", "2026-03-08T09:00:00Z")
	expired.ExpiresOn = &expiresOn

	orderedV3 := OrderActivities([]models.ScheduledActivity{late, expired, early}, models.VisibleV3, now)
	require.Len(t, orderedV3, 2)
	assert.Equal(t, early.Guid, orderedV3[0].Guid)
	assert.Equal(t, late.Guid, orderedV3[1].Guid)

	orderedV4 := OrderActivities([]models.ScheduledActivity{late, expired, early}, models.VisibleV4, now)
	require.Len(t, orderedV4, 3)
	assert.Equal(t, expired.Guid, orderedV4[0].Guid)
}
