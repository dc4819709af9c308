package models

import "hash/fnv"

// StrategyKind discriminates how a plan decides which schedule (if any)
// applies to a participant.
type StrategyKind string

const (
	// StrategySimple hands every participant the same schedule.
	StrategySimple StrategyKind = "simple"
	// StrategyABTest splits participants across weighted groups. Group
	// assignment is a sticky hash of the health code so regeneration is
	// stable per participant.
	StrategyABTest StrategyKind = "ab_test"
	// StrategyCriteria picks the first group whose app-version range
	// matches the requesting client; no match means the plan does not
	// apply.
	StrategyCriteria StrategyKind = "criteria"
)

// ABTestGroup is one weighted arm of an A/B test strategy.
type ABTestGroup struct {
	Percentage int       `json:"percentage"`
	Schedule   *Schedule `json:"schedule"`
}

// CriteriaGroup binds a schedule to an app-version range. Zero
// MaxAppVersion means unbounded above.
type CriteriaGroup struct {
	MinAppVersion int       `json:"min_app_version"`
	MaxAppVersion int       `json:"max_app_version"`
	Schedule      *Schedule `json:"schedule"`
}

// Strategy is the tagged variant replacing per-type strategy subclasses:
// one kind plus the config that kind needs.
type Strategy struct {
	Kind     StrategyKind    `json:"kind"`
	Schedule *Schedule       `json:"schedule,omitempty"`
	Groups   []ABTestGroup   `json:"groups,omitempty"`
	Criteria []CriteriaGroup `json:"criteria,omitempty"`
}

// SchedulePlan is a study's declarative schedule configuration. Read-only
// to this engine; authored elsewhere.
type SchedulePlan struct {
	Guid     string   `json:"guid"`
	StudyKey string   `json:"study_key"`
	Label    string   `json:"label"`
	Strategy Strategy `json:"strategy"`
}

// strategyFunc resolves a strategy variant to the schedule that applies
// to the participant in ctx, or nil when the plan does not apply.
type strategyFunc func(plan SchedulePlan, ctx ScheduleContext) *Schedule

var strategyHandlers = map[StrategyKind]strategyFunc{
	StrategySimple:   scheduleForSimple,
	StrategyABTest:   scheduleForABTest,
	StrategyCriteria: scheduleForCriteria,
}

// ScheduleForParticipant dispatches on the strategy kind and returns the
// schedule bound to this participant, or nil when the plan yields none.
func (p SchedulePlan) ScheduleForParticipant(ctx ScheduleContext) *Schedule {
	handler, ok := strategyHandlers[p.Strategy.Kind]
	if !ok {
		return nil
	}
	return handler(p, ctx)
}

func scheduleForSimple(plan SchedulePlan, _ ScheduleContext) *Schedule {
	return plan.Strategy.Schedule
}

func scheduleForABTest(plan SchedulePlan, ctx ScheduleContext) *Schedule {
	if len(plan.Strategy.Groups) == 0 {
		return nil
	}
	h := fnv.New32a()
	h.Write([]byte(ctx.HealthCode))
	h.Write([]byte(plan.Guid))
	bucket := int(h.Sum32() % 100)

	cumulative := 0
	for _, group := range plan.Strategy.Groups {
		cumulative += group.Percentage
		if bucket < cumulative {
			return group.Schedule
		}
	}
	// Percentages summing under 100 leave a remainder bucket with no
	// schedule.
	return nil
}

func scheduleForCriteria(plan SchedulePlan, ctx ScheduleContext) *Schedule {
	version := ctx.Client.AppVersion
	for _, group := range plan.Strategy.Criteria {
		if version < group.MinAppVersion {
			continue
		}
		if group.MaxAppVersion > 0 && version > group.MaxAppVersion {
			continue
		}
		return group.Schedule
	}
	return nil
}
