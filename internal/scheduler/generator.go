// Package scheduler generates a participant's scheduled activities from
// the study's schedule plans and reconciles them with previously
// persisted state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/studykit/scheduler/internal/metrics"
	"github.com/studykit/scheduler/internal/models"
	"github.com/studykit/scheduler/internal/resolver"
)

// PlanProvider supplies the schedule plans visible to a study.
type PlanProvider interface {
	// GetSchedulePlans returns the plans applicable to the given client.
	GetSchedulePlans(ctx context.Context, client models.ClientInfo, studyID string) ([]models.SchedulePlan, error)
	// GetAllSchedulePlans returns every plan of a study, unfiltered by
	// client. Legacy task path only.
	GetAllSchedulePlans(ctx context.Context, studyID string) ([]models.SchedulePlan, error)
}

// EventService supplies a participant's recorded trigger events and
// accepts activity-finished publications.
type EventService interface {
	GetEventMap(ctx context.Context, healthCode string) (map[string]time.Time, error)
	PublishActivityFinished(ctx context.Context, activity models.ScheduledActivity) error
}

// ConsentService recovers an enrollment date from consent records when
// the event store has none.
type ConsentService interface {
	GetEnrollmentDate(ctx context.Context, healthCode, studyID string) (time.Time, bool, error)
}

// Generator produces candidate scheduled activities for one participant
// and window.
type Generator struct {
	plans    PlanProvider
	resolver *resolver.Resolver
	events   EventService
	consents ConsentService
	logger   *zap.Logger
}

// NewGenerator creates a generator over the given collaborators.
func NewGenerator(plans PlanProvider, res *resolver.Resolver, events EventService, consents ConsentService, logger *zap.Logger) *Generator {
	return &Generator{
		plans:    plans,
		resolver: res,
		events:   events,
		consents: consents,
		logger:   logger,
	}
}

// Generate runs one generation pass: load plans, ask each strategy for a
// schedule, expand it over the window, and resolve every activity's
// references. An activity whose reference cannot be resolved is skipped
// with a warning; the rest of the batch proceeds.
func (g *Generator) Generate(ctx context.Context, sctx models.ScheduleContext) ([]models.ScheduledActivity, error) {
	start := time.Now()
	defer func() { metrics.GenerationDuration.Observe(time.Since(start).Seconds()) }()

	events, err := g.BuildEventMap(ctx, sctx)
	if err != nil {
		return nil, err
	}
	sctx = sctx.WithEvents(events)

	plans, err := g.plans.GetSchedulePlans(ctx, sctx.Client, sctx.StudyID)
	if err != nil {
		return nil, fmt.Errorf("load schedule plans: %w", err)
	}

	pass := g.resolver.NewPass(sctx.StudyID, sctx.Client)
	var scheduled []models.ScheduledActivity
	for _, plan := range plans {
		if sctx.SchedulePlanGuid != "" && plan.Guid != sctx.SchedulePlanGuid {
			continue
		}
		schedule := plan.ScheduleForParticipant(sctx)
		if schedule == nil {
			// Plan not applicable to this participant.
			continue
		}
		bound := *schedule
		bound.SchedulePlanGuid = plan.Guid

		activities, err := bound.ScheduledActivities(sctx)
		if err != nil {
			g.logger.Error("Failed to expand schedule",
				zap.String("schedule_plan_guid", plan.Guid),
				zap.Error(err),
			)
			continue
		}
		resolved, err := g.resolveAll(ctx, pass, activities)
		if err != nil {
			return nil, err
		}
		scheduled = append(scheduled, resolved...)
	}
	metrics.ActivitiesScheduled.Add(float64(len(scheduled)))
	return scheduled, nil
}

// resolveAll resolves every activity's references through the pass
// caches. Unresolvable references drop the single affected activity.
func (g *Generator) resolveAll(ctx context.Context, pass *resolver.Pass, activities []models.ScheduledActivity) ([]models.ScheduledActivity, error) {
	resolved := make([]models.ScheduledActivity, 0, len(activities))
	for _, sa := range activities {
		activity, err := pass.Resolve(ctx, sa.Activity)
		if errors.Is(err, models.ErrNotFound) {
			g.logger.Warn("Skipping activity with unresolvable reference",
				zap.String("guid", sa.Guid),
				zap.Error(err),
			)
			metrics.ActivitiesSkipped.Inc()
			continue
		}
		if err != nil {
			return nil, err
		}
		sa.Activity = activity
		resolved = append(resolved, sa)
	}
	return resolved, nil
}

// BuildEventMap merges the participant's recorded trigger events with a
// synthesized enrollment event when none is recorded yet, normalizing
// every timestamp to the context's zone so schedulers see one consistent
// zone. The enrollment fallback order is: recorded event, account-created
// timestamp, consent record.
func (g *Generator) BuildEventMap(ctx context.Context, sctx models.ScheduleContext) (map[string]time.Time, error) {
	recorded, err := g.events.GetEventMap(ctx, sctx.HealthCode)
	if err != nil {
		return nil, fmt.Errorf("load event map: %w", err)
	}

	events := make(map[string]time.Time, len(recorded)+1)
	for name, ts := range recorded {
		events[name] = ts.In(sctx.Zone)
	}
	if _, ok := events[models.EventEnrollment]; ok {
		return events, nil
	}

	if !sctx.AccountCreatedOn.IsZero() {
		events[models.EventEnrollment] = sctx.AccountCreatedOn.In(sctx.Zone)
		return events, nil
	}

	signedOn, found, err := g.consents.GetEnrollmentDate(ctx, sctx.HealthCode, sctx.StudyID)
	if err != nil {
		return nil, fmt.Errorf("load consent record: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: no enrollment event for participant", models.ErrNotFound)
	}
	g.logger.Warn("Enrollment missing from event store, pulling from consent record",
		zap.String("study_id", sctx.StudyID),
	)
	events[models.EventEnrollment] = signedOn.In(sctx.Zone)
	return events, nil
}
