package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation marks client-side faults: malformed windows, missing
// identifiers, oversized payloads. Never retried.
var ErrValidation = errors.New("validation error")

// ClientInfo describes the requesting app; schema resolution picks the
// latest revision compatible with this version.
type ClientInfo struct {
	AppName    string `json:"app_name"`
	AppVersion int    `json:"app_version"`
}

// ScheduleContext carries the immutable parameters of one generation pass
// for one participant. Updates produce a new context; the event map is
// copied, never shared.
type ScheduleContext struct {
	StudyID          string
	HealthCode       string
	Zone             *time.Location
	StartsOn         time.Time
	EndsOn           time.Time
	Events           map[string]time.Time
	AccountCreatedOn time.Time
	Client           ClientInfo
	SchedulePlanGuid string // optional: scope generation to a single plan

	// Now pins the clock for validation and status derivation; zero means
	// the wall clock.
	Now time.Time
}

// NowOrDefault returns the pinned clock, or the wall clock in the
// context's zone.
func (c ScheduleContext) NowOrDefault() time.Time {
	if !c.Now.IsZero() {
		return c.Now
	}
	if c.Zone != nil {
		return time.Now().In(c.Zone)
	}
	return time.Now()
}

// WithEvents returns a copy of the context carrying the given event map.
func (c ScheduleContext) WithEvents(events map[string]time.Time) ScheduleContext {
	copied := make(map[string]time.Time, len(events))
	for k, v := range events {
		copied[k] = v
	}
	c.Events = copied
	return c
}

// WithSchedulePlan returns a copy of the context scoped to one plan.
func (c ScheduleContext) WithSchedulePlan(planGuid string) ScheduleContext {
	c.SchedulePlanGuid = planGuid
	return c
}

// Validate checks the context against the maximum allowed window span in
// days. All failures wrap ErrValidation.
func (c ScheduleContext) Validate(maxDateRangeDays int) error {
	if c.HealthCode == "" {
		return fmt.Errorf("%w: health code is required", ErrValidation)
	}
	if c.StudyID == "" {
		return fmt.Errorf("%w: study identifier is required", ErrValidation)
	}
	if c.Zone == nil {
		return fmt.Errorf("%w: time zone is required", ErrValidation)
	}
	if c.EndsOn.IsZero() {
		return fmt.Errorf("%w: endsOn is required", ErrValidation)
	}
	now := c.NowOrDefault()
	if c.EndsOn.Before(now) {
		return fmt.Errorf("%w: endsOn must be after the time of the request", ErrValidation)
	}
	startsOn := c.StartsOn
	if startsOn.IsZero() {
		startsOn = now
	}
	if c.EndsOn.Before(startsOn) {
		return fmt.Errorf("%w: startsOn must be before endsOn", ErrValidation)
	}
	if c.EndsOn.Sub(startsOn) > time.Duration(maxDateRangeDays)*24*time.Hour {
		return fmt.Errorf("%w: time window exceeds %d days", ErrValidation, maxDateRangeDays)
	}
	return nil
}
