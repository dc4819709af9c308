// Package worker recomputes persisted schedules in the background when
// plans or enrollments change. Recompute runs are serialized per entity
// through the distributed lock coordinator so two workers never rewrite
// the same plan or participant concurrently.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/studykit/scheduler/internal/lock"
	"github.com/studykit/scheduler/internal/models"
	"github.com/studykit/scheduler/internal/scheduler"
	"github.com/studykit/scheduler/internal/store"
)

// EventKind identifies the domain change that triggered a recompute.
type EventKind string

const (
	PlanCreated           EventKind = "plan_created"
	PlanUpdated           EventKind = "plan_updated"
	PlanDeleted           EventKind = "plan_deleted"
	ParticipantEnrolled   EventKind = "participant_enrolled"
	ParticipantUnenrolled EventKind = "participant_unenrolled"
)

// Lock entity types, also used as metric labels.
const (
	EntityPlan        = "schedule_plan"
	EntityParticipant = "participant"
)

// Event is one domain change to recompute schedules for. Plan events
// carry StudyID and SchedulePlanGuid; participant events carry StudyID
// and HealthCode.
type Event struct {
	Kind             EventKind
	StudyID          string
	SchedulePlanGuid string
	HealthCode       string
}

// Validate checks the event carries the fields its kind requires.
func (e Event) Validate() error {
	if e.StudyID == "" {
		return fmt.Errorf("%w: event has no study ID", models.ErrValidation)
	}
	switch e.Kind {
	case PlanCreated, PlanUpdated, PlanDeleted:
		if e.SchedulePlanGuid == "" {
			return fmt.Errorf("%w: %s event has no schedule plan GUID", models.ErrValidation, e.Kind)
		}
	case ParticipantEnrolled, ParticipantUnenrolled:
		if e.HealthCode == "" {
			return fmt.Errorf("%w: %s event has no health code", models.ErrValidation, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown event kind %q", models.ErrValidation, e.Kind)
	}
	return nil
}

// LockCoordinator is the slice of the lock package the worker uses.
// Acquire must return lock.ErrLockHeld (wrapped is fine) on conflict.
type LockCoordinator interface {
	Acquire(ctx context.Context, entityType, entityID string) (string, error)
	Release(ctx context.Context, entityType, entityID, token string) error
}

// ParticipantProvider pages through the enrolled participants of a
// study, and fetches one by health code for enrollment events.
type ParticipantProvider interface {
	GetParticipant(ctx context.Context, studyID, healthCode string) (models.Participant, error)
	ListParticipants(ctx context.Context, studyID, offsetKey string, pageSize int) ([]models.Participant, string, error)
}

// Backoff produces the delay before the next lock acquisition attempt.
type Backoff interface {
	Next() time.Duration
}

// JitterBackoff waits a fixed base plus a uniformly random jitter, so
// competing workers do not reacquire in lockstep.
type JitterBackoff struct {
	Base   time.Duration
	Jitter time.Duration
}

func (b JitterBackoff) Next() time.Duration {
	d := b.Base
	if b.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(b.Jitter)))
	}
	return d
}

// Config holds the recompute worker's tunables.
type Config struct {
	// RecomputeWindowDays is how far ahead of now background passes
	// regenerate activities.
	RecomputeWindowDays int `mapstructure:"recompute_window_days"`
	// ParticipantPageSize bounds each ListParticipants page.
	ParticipantPageSize int `mapstructure:"participant_page_size"`
	// BackoffBase and BackoffJitter shape the wait between lock
	// acquisition attempts.
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffJitter time.Duration `mapstructure:"backoff_jitter"`
}

func (c *Config) applyDefaults() {
	if c.RecomputeWindowDays == 0 {
		c.RecomputeWindowDays = 15
	}
	if c.ParticipantPageSize == 0 {
		c.ParticipantPageSize = 100
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 300 * time.Millisecond
	}
	if c.BackoffJitter == 0 {
		c.BackoffJitter = 400 * time.Millisecond
	}
}

// Worker recomputes schedules for one event at a time.
type Worker struct {
	generator    *scheduler.Generator
	store        store.ActivityStore
	participants ParticipantProvider
	locks        LockCoordinator
	backoff      Backoff
	config       *Config
	logger       *zap.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
	// now is replaceable in tests.
	now func() time.Time
}

// New creates a recompute worker.
func New(generator *scheduler.Generator, activityStore store.ActivityStore, participants ParticipantProvider, locks LockCoordinator, cfg *Config, logger *zap.Logger) *Worker {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.applyDefaults()
	return &Worker{
		generator:    generator,
		store:        activityStore,
		participants: participants,
		locks:        locks,
		backoff:      JitterBackoff{Base: cfg.BackoffBase, Jitter: cfg.BackoffJitter},
		config:       cfg,
		logger:       logger,
		sleep:        sleepCtx,
		now:          time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Handle processes one event to completion. Lock conflicts are waited
// out with jittered backoff and retried until the context is canceled;
// any other failure is returned to the caller for bounded retry.
func (w *Worker) Handle(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	switch event.Kind {
	case PlanCreated, PlanUpdated:
		return w.recomputePlan(ctx, event, event.Kind == PlanUpdated)
	case PlanDeleted:
		return w.runWithLock(ctx, EntityPlan, event.SchedulePlanGuid, func(ctx context.Context) error {
			return w.store.DeleteActivitiesForPlan(ctx, event.SchedulePlanGuid)
		})
	case ParticipantEnrolled:
		return w.recomputeParticipant(ctx, event)
	case ParticipantUnenrolled:
		return w.runWithLock(ctx, EntityParticipant, event.HealthCode, func(ctx context.Context) error {
			return w.store.DeleteActivitiesForParticipant(ctx, event.HealthCode)
		})
	}
	return fmt.Errorf("%w: unknown event kind %q", models.ErrValidation, event.Kind)
}

// recomputePlan regenerates the plan's activities for every enrolled
// participant. Generation runs outside the lock; the delete of stale
// occurrences and the write of the fresh set happen inside it, so
// readers see either the old plan's activities or the new plan's,
// never a partially cleared state.
func (w *Worker) recomputePlan(ctx context.Context, event Event, clearFirst bool) error {
	type participantBatch struct {
		healthCode string
		activities []models.ScheduledActivity
	}
	var batches []participantBatch

	offset := ""
	for {
		page, next, err := w.participants.ListParticipants(ctx, event.StudyID, offset, w.config.ParticipantPageSize)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		for _, p := range page {
			generated, err := w.generator.Generate(ctx, w.scheduleContext(event.StudyID, p, event.SchedulePlanGuid))
			if errors.Is(err, models.ErrNotFound) {
				// Participant without an enrollment event; nothing to schedule.
				continue
			}
			if err != nil {
				return fmt.Errorf("generate for participant: %w", err)
			}
			batches = append(batches, participantBatch{healthCode: p.HealthCode, activities: generated})
		}
		if next == "" {
			break
		}
		offset = next
	}

	return w.runWithLock(ctx, EntityPlan, event.SchedulePlanGuid, func(ctx context.Context) error {
		if clearFirst {
			if err := w.store.DeleteActivitiesForPlan(ctx, event.SchedulePlanGuid); err != nil {
				return err
			}
		}
		for _, batch := range batches {
			if err := w.store.SaveActivities(ctx, batch.activities); err != nil {
				return fmt.Errorf("save activities for %s: %w", batch.healthCode, err)
			}
		}
		return nil
	})
}

// recomputeParticipant generates the full schedule set for one newly
// enrolled participant across all plans of the study.
func (w *Worker) recomputeParticipant(ctx context.Context, event Event) error {
	p, err := w.participants.GetParticipant(ctx, event.StudyID, event.HealthCode)
	if err != nil {
		return fmt.Errorf("load participant: %w", err)
	}
	generated, err := w.generator.Generate(ctx, w.scheduleContext(event.StudyID, p, ""))
	if err != nil {
		return fmt.Errorf("generate for participant: %w", err)
	}
	return w.runWithLock(ctx, EntityParticipant, event.HealthCode, func(ctx context.Context) error {
		return w.store.SaveActivities(ctx, generated)
	})
}

// scheduleContext builds the generation window for a background pass:
// now through the configured recompute horizon, in the participant's
// zone.
func (w *Worker) scheduleContext(studyID string, p models.Participant, planGuid string) models.ScheduleContext {
	zone := p.Zone
	if zone == nil {
		zone = time.UTC
	}
	now := w.now().In(zone)
	sctx := models.ScheduleContext{
		StudyID:          studyID,
		HealthCode:       p.HealthCode,
		Zone:             zone,
		StartsOn:         now,
		EndsOn:           now.Add(time.Duration(w.config.RecomputeWindowDays) * 24 * time.Hour),
		AccountCreatedOn: p.AccountCreatedOn,
		Client:           p.Client,
		Now:              now,
	}
	if planGuid != "" {
		sctx = sctx.WithSchedulePlan(planGuid)
	}
	return sctx
}

// runWithLock serializes fn on the entity's distributed lock, waiting
// out conflicts with jittered backoff. The lock is released exactly
// once; a failed release is logged since the lock's TTL reclaims it.
func (w *Worker) runWithLock(ctx context.Context, entityType, entityID string, fn func(ctx context.Context) error) error {
	var token string
	for {
		t, err := w.locks.Acquire(ctx, entityType, entityID)
		if errors.Is(err, lock.ErrLockHeld) {
			if err := w.sleep(ctx, w.backoff.Next()); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("acquire %s lock: %w", entityType, err)
		}
		token = t
		break
	}
	defer func() {
		if err := w.locks.Release(context.WithoutCancel(ctx), entityType, entityID, token); err != nil {
			w.logger.Warn("Failed to release lock",
				zap.String("entity_type", entityType),
				zap.String("entity_id", entityID),
				zap.Error(err),
			)
		}
	}()
	return fn(ctx)
}
