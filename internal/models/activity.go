package models

import "time"

// ActivityType discriminates the three activity variants.
type ActivityType string

const (
	ActivityTypeTask     ActivityType = "task"
	ActivityTypeSurvey   ActivityType = "survey"
	ActivityTypeCompound ActivityType = "compound"
)

// SchemaReference points at a data-schema revision. A nil Revision means
// "latest compatible with the caller's app version" and is filled in by
// the resolver.
type SchemaReference struct {
	ID       string `json:"id"`
	Revision *int   `json:"revision,omitempty"`
}

// Equal reports whether two schema references are the same revision of
// the same schema.
func (r SchemaReference) Equal(other SchemaReference) bool {
	if r.ID != other.ID {
		return false
	}
	if (r.Revision == nil) != (other.Revision == nil) {
		return false
	}
	return r.Revision == nil || *r.Revision == *other.Revision
}

// SurveyReference points at a published survey version. A nil CreatedOn
// means "most recently published" and is filled in by the resolver.
type SurveyReference struct {
	Identifier string     `json:"identifier,omitempty"`
	Guid       string     `json:"guid"`
	CreatedOn  *time.Time `json:"created_on,omitempty"`
}

// Equal reports whether two survey references are the same published
// version of the same survey.
func (r SurveyReference) Equal(other SurveyReference) bool {
	if r.Guid != other.Guid {
		return false
	}
	if (r.CreatedOn == nil) != (other.CreatedOn == nil) {
		return false
	}
	return r.CreatedOn == nil || r.CreatedOn.Equal(*other.CreatedOn)
}

// SurveyVersion is a concrete published survey, as returned by the survey
// lookup service.
type SurveyVersion struct {
	Identifier string
	Guid       string
	CreatedOn  time.Time
}

// TaskReference names a plain task, optionally bound to an upload schema.
type TaskReference struct {
	Identifier string           `json:"identifier"`
	Schema     *SchemaReference `json:"schema,omitempty"`
}

// CompoundActivity is a task identifier plus the schema and survey
// references it bundles. When both lists are empty it is a bare reference
// to a named definition.
type CompoundActivity struct {
	TaskIdentifier string            `json:"task_identifier"`
	SchemaList     []SchemaReference `json:"schema_list,omitempty"`
	SurveyList     []SurveyReference `json:"survey_list,omitempty"`
}

// IsReference reports whether this compound activity carries no inline
// lists and must be resolved against its named definition.
func (c CompoundActivity) IsReference() bool {
	return len(c.SchemaList) == 0 && len(c.SurveyList) == 0
}

// Activity describes one unit of work a participant is asked to perform.
// Activities are value objects; resolution produces new values rather
// than mutating in place.
type Activity struct {
	Guid        string            `json:"guid"`
	Label       string            `json:"label"`
	LabelDetail string            `json:"label_detail,omitempty"`
	Type        ActivityType      `json:"type"`
	Task        *TaskReference    `json:"task,omitempty"`
	Survey      *SurveyReference  `json:"survey,omitempty"`
	Compound    *CompoundActivity `json:"compound,omitempty"`
}

// WithTask returns a copy of the activity carrying the given task
// reference.
func (a Activity) WithTask(ref TaskReference) Activity {
	a.Task = &ref
	return a
}

// WithSurvey returns a copy of the activity carrying the given survey
// reference.
func (a Activity) WithSurvey(ref SurveyReference) Activity {
	a.Survey = &ref
	return a
}

// WithCompound returns a copy of the activity carrying the given compound
// activity.
func (a Activity) WithCompound(compound CompoundActivity) Activity {
	a.Compound = &compound
	return a
}
