package models

import (
	"encoding/json"
	"time"
)

// Status of a scheduled activity. Never stored: always derived from the
// activity's timestamps at read time.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusAvailable Status = "AVAILABLE"
	StatusStarted   Status = "STARTED"
	StatusFinished  Status = "FINISHED"
	StatusExpired   Status = "EXPIRED"
	StatusDeleted   Status = "DELETED"
)

// Updatable reports whether an activity in this status may be silently
// discarded and regenerated. Anything else carries participant state and
// must never be overwritten by a regeneration pass.
func (s Status) Updatable() bool {
	return s == StatusScheduled || s == StatusAvailable
}

// guidTimeLayout is the local-time component of a derived GUID. No zone
// suffix: the same logical occurrence must hash identically regardless of
// the zone the window was requested in.
const guidTimeLayout = "2006-01-02T15:04:05.000"

// DeriveActivityGuid builds the deterministic GUID for one occurrence of
// a plan activity. Re-running the scheduler for the same occurrence
// always reproduces the same GUID, which is what makes reconciliation an
// idempotent merge instead of a fresh insert.
func DeriveActivityGuid(activityGuid string, scheduledOn time.Time) string {
	return activityGuid + ":" + scheduledOn.Format(guidTimeLayout)
}

// ScheduledActivity is one dated occurrence of an activity, owned by a
// participant.
type ScheduledActivity struct {
	Guid             string          `json:"guid" db:"guid"`
	HealthCode       string          `json:"-" db:"health_code"`
	SchedulePlanGuid string          `json:"schedule_plan_guid" db:"schedule_plan_guid"`
	Activity         Activity        `json:"activity"`
	ScheduledOn      time.Time       `json:"scheduled_on" db:"scheduled_on"`
	ExpiresOn        *time.Time      `json:"expires_on,omitempty" db:"expires_on"`
	StartedOn        *time.Time      `json:"started_on,omitempty" db:"started_on"`
	FinishedOn       *time.Time      `json:"finished_on,omitempty" db:"finished_on"`
	ClientData       json.RawMessage `json:"client_data,omitempty" db:"client_data"`
	Persisted        bool            `json:"persisted" db:"-"`
}

// StatusAsOf derives the activity's status at the given instant. A
// finished-but-never-started row is a soft delete; a row with shapes we
// cannot classify lands there too, which keeps it out of every updatable
// and visible set (fail safe toward preserving unknown participant
// state).
func (a ScheduledActivity) StatusAsOf(now time.Time) Status {
	switch {
	case a.FinishedOn != nil && a.StartedOn == nil:
		return StatusDeleted
	case a.FinishedOn != nil:
		return StatusFinished
	case a.StartedOn != nil:
		return StatusStarted
	case a.ExpiresOn != nil && now.After(*a.ExpiresOn):
		return StatusExpired
	case !a.ScheduledOn.IsZero() && now.Before(a.ScheduledOn):
		return StatusScheduled
	}
	return StatusAvailable
}

// VisibleV3 is the legacy visibility predicate: hides soft-deleted and
// expired occurrences.
func VisibleV3(a ScheduledActivity, now time.Time) bool {
	switch a.StatusAsOf(now) {
	case StatusDeleted, StatusExpired:
		return false
	}
	return true
}

// VisibleV4 hides only soft-deleted occurrences.
func VisibleV4(a ScheduledActivity, now time.Time) bool {
	return a.StatusAsOf(now) != StatusDeleted
}

// PlanActivityGuid returns the plan-activity portion of a derived GUID,
// i.e. everything before the scheduled-time suffix.
func (a ScheduledActivity) PlanActivityGuid() string {
	for i := 0; i < len(a.Guid); i++ {
		if a.Guid[i] == ':' {
			return a.Guid[:i]
		}
	}
	return a.Guid
}

// Task is the legacy activity occurrence, keyed by the runKey that groups
// all tasks generated by one scheduler invocation. Same GUID determinism
// and persisted-over-generated merge rule as ScheduledActivity.
type Task struct {
	Guid        string     `json:"guid" db:"guid"`
	RunKey      string     `json:"run_key" db:"run_key"`
	HealthCode  string     `json:"-" db:"health_code"`
	Activity    Activity   `json:"activity"`
	ScheduledOn time.Time  `json:"scheduled_on" db:"scheduled_on"`
	ExpiresOn   *time.Time `json:"expires_on,omitempty" db:"expires_on"`
	StartedOn   *time.Time `json:"started_on,omitempty" db:"started_on"`
	FinishedOn  *time.Time `json:"finished_on,omitempty" db:"finished_on"`
}

// DeriveRunKey builds the deterministic run key for one scheduler
// invocation of a plan.
func DeriveRunKey(planGuid string, scheduledOn time.Time) string {
	return planGuid + ":" + scheduledOn.Format(guidTimeLayout)
}
