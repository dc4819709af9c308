package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/studykit/scheduler/internal/models"
	"github.com/studykit/scheduler/internal/tracing"
)

// Legacy task API. Tasks group by runKey rather than reconciling per
// GUID: a run that has already been persisted is never written again, so
// started/finished state survives regeneration the same way.

// GetTasks returns the participant's tasks for the context window,
// persisting any scheduler runs not seen before and reading the result
// back so persisted started/finished values are picked up.
func (s *Service) GetTasks(ctx context.Context, sctx models.ScheduleContext) ([]models.Task, error) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.GetTasks")
	defer span.End()

	now := sctx.NowOrDefault()
	if sctx.EndsOn.Before(now) {
		return nil, fmt.Errorf("%w: end timestamp must be after the time of the request", models.ErrValidation)
	}
	if sctx.EndsOn.Add(-time.Duration(s.config.MaxTaskWindowDays)*24*time.Hour).After(now) {
		return nil, fmt.Errorf("%w: task request window must be %d days or less", models.ErrValidation, s.config.MaxTaskWindowDays)
	}

	events, err := s.generator.BuildEventMap(ctx, sctx)
	if err != nil {
		return nil, err
	}
	sctx = sctx.WithEvents(events)

	runs, err := s.scheduleTaskRuns(ctx, sctx)
	if err != nil {
		return nil, err
	}

	var toSave []models.Task
	for runKey, tasks := range runs {
		notOccurred, err := s.tasks.TaskRunHasNotOccurred(ctx, sctx.HealthCode, runKey)
		if err != nil {
			return nil, err
		}
		if notOccurred {
			toSave = append(toSave, tasks...)
		}
	}
	if err := s.tasks.SaveTasks(ctx, sctx.HealthCode, toSave); err != nil {
		return nil, err
	}

	startsOn := sctx.StartsOn
	if startsOn.IsZero() {
		startsOn = now
	}
	return s.tasks.GetTasks(ctx, sctx.HealthCode, startsOn, sctx.EndsOn)
}

// scheduleTaskRuns expands every plan of the study (unfiltered by
// client, per the legacy contract) into tasks grouped by run key.
func (s *Service) scheduleTaskRuns(ctx context.Context, sctx models.ScheduleContext) (map[string][]models.Task, error) {
	plans, err := s.generator.plans.GetAllSchedulePlans(ctx, sctx.StudyID)
	if err != nil {
		return nil, fmt.Errorf("load schedule plans: %w", err)
	}

	pass := s.generator.resolver.NewPass(sctx.StudyID, sctx.Client)
	runs := make(map[string][]models.Task)
	for _, plan := range plans {
		schedule := plan.ScheduleForParticipant(sctx)
		if schedule == nil {
			continue
		}
		bound := *schedule
		bound.SchedulePlanGuid = plan.Guid

		scoped := sctx.WithSchedulePlan(plan.Guid)
		activities, err := bound.ScheduledActivities(scoped)
		if err != nil {
			s.logger.Error("Failed to expand schedule",
				zap.String("schedule_plan_guid", plan.Guid),
				zap.Error(err),
			)
			continue
		}
		if len(activities) == 0 {
			continue
		}
		resolved, err := s.generator.resolveAll(ctx, pass, activities)
		if err != nil {
			return nil, err
		}
		if len(resolved) == 0 {
			continue
		}

		runKey := models.DeriveRunKey(plan.Guid, resolved[0].ScheduledOn)
		for _, sa := range resolved {
			runs[runKey] = append(runs[runKey], models.Task{
				Guid:        sa.Guid,
				RunKey:      runKey,
				HealthCode:  sctx.HealthCode,
				Activity:    sa.Activity,
				ScheduledOn: sa.ScheduledOn,
				ExpiresOn:   sa.ExpiresOn,
			})
		}
	}
	return runs, nil
}

// UpdateTasks applies participant-authored started/finished updates to
// persisted legacy tasks.
func (s *Service) UpdateTasks(ctx context.Context, healthCode string, tasks []models.Task) error {
	if healthCode == "" {
		return fmt.Errorf("%w: health code is required", models.ErrValidation)
	}
	for i, task := range tasks {
		if task.Guid == "" {
			return fmt.Errorf("%w: task #%d has no GUID", models.ErrValidation, i)
		}
	}
	return s.tasks.UpdateTasks(ctx, healthCode, tasks)
}

// DeleteTasks removes all of a participant's legacy tasks.
func (s *Service) DeleteTasks(ctx context.Context, healthCode string) error {
	if healthCode == "" {
		return fmt.Errorf("%w: health code is required", models.ErrValidation)
	}
	return s.tasks.DeleteTasks(ctx, healthCode)
}
