package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/studykit/scheduler/internal/metrics"
	"github.com/studykit/scheduler/internal/models"
	"github.com/studykit/scheduler/internal/store"
	"github.com/studykit/scheduler/internal/tracing"
)

// Config holds the service's validation limits.
type Config struct {
	MaxDateRangeDays   int `mapstructure:"max_date_range_days"`
	MaxTaskWindowDays  int `mapstructure:"max_task_window_days"`
	ClientDataMaxBytes int `mapstructure:"client_data_max_bytes"`
	MinPageSize        int `mapstructure:"min_page_size"`
	MaxPageSize        int `mapstructure:"max_page_size"`
}

func (c *Config) applyDefaults() {
	if c.MaxDateRangeDays == 0 {
		c.MaxDateRangeDays = 15
	}
	if c.MaxTaskWindowDays == 0 {
		c.MaxTaskWindowDays = 4
	}
	if c.ClientDataMaxBytes == 0 {
		c.ClientDataMaxBytes = 8192
	}
	if c.MinPageSize == 0 {
		c.MinPageSize = 5
	}
	if c.MaxPageSize == 0 {
		c.MaxPageSize = 100
	}
}

// Service is the interactive entry point: it runs the generate, resolve,
// reconcile, persist pipeline synchronously within the calling request.
type Service struct {
	generator *Generator
	store     store.ActivityStore
	tasks     store.TaskStore
	events    EventService
	config    *Config
	logger    *zap.Logger
}

// NewService creates the scheduling service.
func NewService(generator *Generator, activityStore store.ActivityStore, taskStore store.TaskStore, events EventService, cfg *Config, logger *zap.Logger) *Service {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.applyDefaults()
	return &Service{
		generator: generator,
		store:     activityStore,
		tasks:     taskStore,
		events:    events,
		config:    cfg,
		logger:    logger,
	}
}

// GetScheduledActivities computes the participant's activities for the
// context window in narrow reconciliation mode: only regenerated GUIDs
// are checked against the store, and the legacy visibility filter hides
// expired occurrences. The delta is persisted before the list is
// returned so concurrent readers never observe state this call has not
// written yet.
func (s *Service) GetScheduledActivities(ctx context.Context, sctx models.ScheduleContext) ([]models.ScheduledActivity, error) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.GetScheduledActivities")
	defer span.End()

	if err := sctx.Validate(s.config.MaxDateRangeDays); err != nil {
		return nil, err
	}
	metrics.GenerationPasses.WithLabelValues("v3").Inc()

	generated, err := s.generator.Generate(ctx, sctx)
	if err != nil {
		return nil, err
	}
	dbActivities, err := s.store.GetActivities(ctx, sctx.Zone, generated)
	if err != nil {
		return nil, err
	}
	dbMap := make(map[string]models.ScheduledActivity, len(dbActivities))
	for _, a := range dbActivities {
		dbMap[a.Guid] = a
	}

	now := sctx.NowOrDefault()
	final, saves := PerformMerge(generated, dbMap, now)
	if err := s.store.SaveActivities(ctx, saves); err != nil {
		return nil, err
	}
	metrics.ActivitiesSaved.Add(float64(len(saves)))

	return OrderActivities(final, models.VisibleV3, now), nil
}

// GetScheduledActivitiesV4 computes the participant's activities in full
// reconciliation mode: every persisted occurrence of the touched plan
// activities inside the window is merged in, and occurrences that were
// not regenerated this pass (participant-triggered follow-ups) are
// appended unmerged. Hides only soft-deleted occurrences.
func (s *Service) GetScheduledActivitiesV4(ctx context.Context, sctx models.ScheduleContext) ([]models.ScheduledActivity, error) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.GetScheduledActivitiesV4")
	defer span.End()

	if err := sctx.Validate(s.config.MaxDateRangeDays); err != nil {
		return nil, err
	}
	metrics.GenerationPasses.WithLabelValues("v4").Inc()

	generated, err := s.generator.Generate(ctx, sctx)
	if err != nil {
		return nil, err
	}
	dbMap, err := s.persistedActivitiesInWindow(ctx, sctx, generated)
	if err != nil {
		return nil, err
	}

	now := sctx.NowOrDefault()
	final, saves := PerformMerge(generated, dbMap, now)
	if err := s.store.SaveActivities(ctx, saves); err != nil {
		return nil, err
	}
	metrics.ActivitiesSaved.Add(float64(len(saves)))

	for _, leftover := range dbMap {
		final = append(final, leftover)
	}
	return OrderActivities(final, models.VisibleV4, now), nil
}

// persistedActivitiesInWindow loads every persisted occurrence of the
// plan activities touched by this generation pass, keyed by GUID.
func (s *Service) persistedActivitiesInWindow(ctx context.Context, sctx models.ScheduleContext, generated []models.ScheduledActivity) (map[string]models.ScheduledActivity, error) {
	planActivityGuids := make(map[string]struct{})
	for _, a := range generated {
		planActivityGuids[a.PlanActivityGuid()] = struct{}{}
	}

	startsOn := sctx.StartsOn
	if startsOn.IsZero() {
		startsOn = sctx.NowOrDefault()
	}
	dbMap := make(map[string]models.ScheduledActivity)
	for guid := range planActivityGuids {
		offset := ""
		for {
			page, next, err := s.store.GetActivityHistory(ctx, sctx.HealthCode, guid,
				startsOn, sctx.EndsOn, sctx.Zone, offset, s.config.MaxPageSize)
			if err != nil {
				return nil, err
			}
			for _, a := range page {
				dbMap[a.Guid] = a
			}
			if next == "" {
				break
			}
			offset = next
		}
	}
	return dbMap, nil
}

// UpdateScheduledActivities applies participant-authored updates
// (started/finished timestamps, client data) to persisted activities.
// Finishing an activity publishes an activity-finished event, which may
// trigger follow-up schedules.
func (s *Service) UpdateScheduledActivities(ctx context.Context, healthCode string, updates []models.ScheduledActivity) error {
	ctx, span := tracing.StartSpan(ctx, "scheduler.UpdateScheduledActivities")
	defer span.End()

	if healthCode == "" {
		return fmt.Errorf("%w: health code is required", models.ErrValidation)
	}

	var toSave []models.ScheduledActivity
	for i, update := range updates {
		if update.Guid == "" {
			return fmt.Errorf("%w: activity #%d has no GUID", models.ErrValidation, i)
		}
		if len(update.ClientData) > s.config.ClientDataMaxBytes {
			return fmt.Errorf("%w: client data too large (%d bytes limit)", models.ErrValidation, s.config.ClientDataMaxBytes)
		}
		dbActivity, err := s.store.GetActivity(ctx, healthCode, update.Guid)
		if err != nil {
			return err
		}

		changed := false
		if !bytes.Equal(update.ClientData, dbActivity.ClientData) {
			dbActivity.ClientData = update.ClientData
			changed = true
		}
		if update.StartedOn != nil {
			dbActivity.StartedOn = update.StartedOn
			changed = true
		}
		if update.FinishedOn != nil {
			dbActivity.FinishedOn = update.FinishedOn
			changed = true
			if err := s.events.PublishActivityFinished(ctx, dbActivity); err != nil {
				s.logger.Error("Failed to publish activity finished event",
					zap.String("guid", dbActivity.Guid),
					zap.Error(err),
				)
			}
		}
		if changed {
			toSave = append(toSave, dbActivity)
		}
	}
	return s.store.UpdateActivities(ctx, healthCode, toSave)
}

// DeleteActivitiesForParticipant removes all of a participant's
// activities; used on withdrawal and account deletion.
func (s *Service) DeleteActivitiesForParticipant(ctx context.Context, healthCode string) error {
	if healthCode == "" {
		return fmt.Errorf("%w: health code is required", models.ErrValidation)
	}
	return s.store.DeleteActivitiesForParticipant(ctx, healthCode)
}

// GetActivityHistory pages through the persisted occurrences of one plan
// activity. With neither date provided the window defaults to half the
// maximum range on each side of now; providing exactly one date is an
// error, as is a pair in different zones.
func (s *Service) GetActivityHistory(ctx context.Context, healthCode, activityGuid string, scheduledOnStart, scheduledOnEnd *time.Time, offsetKey string, pageSize int) ([]models.ScheduledActivity, string, error) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.GetActivityHistory")
	defer span.End()

	if healthCode == "" {
		return nil, "", fmt.Errorf("%w: health code is required", models.ErrValidation)
	}
	if activityGuid == "" {
		return nil, "", fmt.Errorf("%w: activity GUID is required", models.ErrValidation)
	}
	if pageSize < s.config.MinPageSize || pageSize > s.config.MaxPageSize {
		return nil, "", fmt.Errorf("%w: pageSize must be from %d-%d records",
			models.ErrValidation, s.config.MinPageSize, s.config.MaxPageSize)
	}

	if scheduledOnStart == nil && scheduledOnEnd == nil {
		now := time.Now()
		half := time.Duration(s.config.MaxDateRangeDays/2) * 24 * time.Hour
		start := now.Add(-half)
		end := now.Add(half)
		scheduledOnStart, scheduledOnEnd = &start, &end
	}
	if scheduledOnStart == nil || scheduledOnEnd == nil {
		return nil, "", fmt.Errorf("%w: only one date of a date range provided (both scheduledOnStart and scheduledOnEnd required)", models.ErrValidation)
	}
	if scheduledOnStart.Location().String() != scheduledOnEnd.Location().String() {
		return nil, "", fmt.Errorf("%w: scheduledOnStart and scheduledOnEnd must be in the same time zone", models.ErrValidation)
	}

	return s.store.GetActivityHistory(ctx, healthCode, activityGuid,
		*scheduledOnStart, *scheduledOnEnd, scheduledOnStart.Location(), offsetKey, pageSize)
}
