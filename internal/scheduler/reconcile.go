package scheduler

import (
	"sort"
	"time"

	"github.com/studykit/scheduler/internal/metrics"
	"github.com/studykit/scheduler/internal/models"
)

// PerformMerge reconciles freshly generated activities against persisted
// ones, keyed by the deterministic GUID. Matched entries are removed from
// the persisted map; whatever remains afterwards was never regenerated
// this pass (participant-triggered follow-ups) and is the caller's to
// append in full-reconciliation mode.
//
// For each generated activity:
//   - a persisted match in a non-updatable status wins: it carries
//     participant-authored state and is returned in place of the
//     generated one, never re-saved;
//   - otherwise the generated version is kept, and scheduled for save
//     unless it is already expired.
func PerformMerge(generated []models.ScheduledActivity, persisted map[string]models.ScheduledActivity, now time.Time) (final, saves []models.ScheduledActivity) {
	final = make([]models.ScheduledActivity, 0, len(generated))
	for _, activity := range generated {
		dbActivity, ok := persisted[activity.Guid]
		if ok {
			delete(persisted, activity.Guid)
		}
		if ok && !dbActivity.StatusAsOf(now).Updatable() {
			final = append(final, dbActivity)
			metrics.ActivitiesPreserved.Inc()
			continue
		}
		final = append(final, activity)
		if activity.StatusAsOf(now) != models.StatusExpired {
			saves = append(saves, activity)
		}
	}
	return final, saves
}

// OrderActivities filters with the given visibility predicate and sorts
// ascending by scheduled timestamp.
func OrderActivities(activities []models.ScheduledActivity, visible func(models.ScheduledActivity, time.Time) bool, now time.Time) []models.ScheduledActivity {
	ordered := make([]models.ScheduledActivity, 0, len(activities))
	for _, a := range activities {
		if visible(a, now) {
			ordered = append(ordered, a)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ScheduledOn.Before(ordered[j].ScheduledOn)
	})
	return ordered
}
