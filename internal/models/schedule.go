package models

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// SchedulerKind discriminates how a schedule expands into dated
// occurrences.
type SchedulerKind string

const (
	// SchedulerOnce emits a single occurrence at event time plus delay.
	SchedulerOnce SchedulerKind = "once"
	// SchedulerInterval emits occurrences every Interval starting at
	// event time plus delay.
	SchedulerInterval SchedulerKind = "interval"
	// SchedulerCron emits occurrences on a cron expression evaluated in
	// the context's zone, starting no earlier than the trigger event.
	SchedulerCron SchedulerKind = "cron"
)

// EventEnrollment is the trigger event every participant has; a synthetic
// one is derived from the account-created timestamp when the event store
// has none.
const EventEnrollment = "enrollment"

// maxOccurrencesPerWindow bounds a single expansion so a misconfigured
// interval cannot produce an unbounded occurrence list.
const maxOccurrencesPerWindow = 500

// Schedule is what a strategy produces for one participant: a scheduler
// capability plus the activities each occurrence carries.
type Schedule struct {
	Label            string        `json:"label,omitempty"`
	SchedulePlanGuid string        `json:"schedule_plan_guid,omitempty"`
	Kind             SchedulerKind `json:"kind"`
	EventID          string        `json:"event_id,omitempty"` // defaults to enrollment
	Delay            time.Duration `json:"delay,omitempty"`
	Interval         time.Duration `json:"interval,omitempty"`
	Cron             string        `json:"cron,omitempty"`
	Expires          time.Duration `json:"expires,omitempty"`
	Activities       []Activity    `json:"activities"`
}

type schedulerFunc func(s *Schedule, ctx ScheduleContext, eventTime time.Time) ([]time.Time, error)

var schedulerHandlers = map[SchedulerKind]schedulerFunc{
	SchedulerOnce:     expandOnce,
	SchedulerInterval: expandInterval,
	SchedulerCron:     expandCron,
}

// ScheduledActivities expands the schedule into concrete occurrences
// bounded by the context window. The trigger event missing from the
// context's event map yields no occurrences; that participant simply has
// not hit the trigger yet.
func (s *Schedule) ScheduledActivities(ctx ScheduleContext) ([]ScheduledActivity, error) {
	eventID := s.EventID
	if eventID == "" {
		eventID = EventEnrollment
	}
	eventTime, ok := ctx.Events[eventID]
	if !ok {
		return nil, nil
	}

	handler, ok := schedulerHandlers[s.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown scheduler kind %q", s.Kind)
	}
	times, err := handler(s, ctx, eventTime)
	if err != nil {
		return nil, err
	}

	var activities []ScheduledActivity
	for _, scheduledOn := range times {
		if !s.occurrenceInWindow(scheduledOn, ctx) {
			continue
		}
		for _, activity := range s.Activities {
			sa := ScheduledActivity{
				Guid:             DeriveActivityGuid(activity.Guid, scheduledOn),
				HealthCode:       ctx.HealthCode,
				SchedulePlanGuid: s.SchedulePlanGuid,
				Activity:         activity,
				ScheduledOn:      scheduledOn,
			}
			if s.Expires > 0 {
				expiresOn := scheduledOn.Add(s.Expires)
				sa.ExpiresOn = &expiresOn
			}
			activities = append(activities, sa)
		}
	}
	return activities, nil
}

// occurrenceInWindow admits an occurrence that is scheduled before the
// window closes and has not expired before the window opens. A
// non-expiring occurrence scheduled in the past stays visible.
func (s *Schedule) occurrenceInWindow(scheduledOn time.Time, ctx ScheduleContext) bool {
	if scheduledOn.After(ctx.EndsOn) {
		return false
	}
	if s.Expires > 0 && scheduledOn.Add(s.Expires).Before(ctx.StartsOn) {
		return false
	}
	return true
}

func expandOnce(s *Schedule, ctx ScheduleContext, eventTime time.Time) ([]time.Time, error) {
	return []time.Time{eventTime.Add(s.Delay).In(ctx.Zone)}, nil
}

func expandInterval(s *Schedule, ctx ScheduleContext, eventTime time.Time) ([]time.Time, error) {
	if s.Interval <= 0 {
		return nil, fmt.Errorf("interval scheduler requires a positive interval")
	}
	var times []time.Time
	for t := eventTime.Add(s.Delay); !t.After(ctx.EndsOn); t = t.Add(s.Interval) {
		times = append(times, t.In(ctx.Zone))
		if len(times) >= maxOccurrencesPerWindow {
			break
		}
	}
	return times, nil
}

func expandCron(s *Schedule, ctx ScheduleContext, eventTime time.Time) ([]time.Time, error) {
	expr, err := cron.ParseStandard(s.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
	}
	// Occurrences never precede the trigger event.
	start := eventTime.Add(s.Delay)
	if windowStart := ctx.StartsOn.Add(-s.Expires); s.Expires > 0 && windowStart.After(start) {
		start = windowStart
	}
	var times []time.Time
	for t := expr.Next(start.In(ctx.Zone)); !t.IsZero() && !t.After(ctx.EndsOn); t = expr.Next(t) {
		times = append(times, t)
		if len(times) >= maxOccurrencesPerWindow {
			break
		}
	}
	return times, nil
}
