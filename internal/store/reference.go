package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/studykit/scheduler/internal/models"
)

// Reference serves the read-mostly study configuration the engine
// consumes: schedule plans, trigger events, consent records, survey and
// schema versions, compound activity definitions, and the participant
// roster. It satisfies the scheduler, resolver, and worker provider
// contracts.
type Reference struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewReference wraps the same connection pool the activity store uses.
func NewReference(p *Postgres) *Reference {
	return &Reference{db: p.db, logger: p.logger}
}

// NewReferenceFromDB wraps an existing connection; used by tests.
func NewReferenceFromDB(db *sql.DB, logger *zap.Logger) *Reference {
	return &Reference{db: sqlx.NewDb(db, "postgres"), logger: logger}
}

type planRow struct {
	Guid     string `db:"guid"`
	StudyKey string `db:"study_key"`
	Label    string `db:"label"`
	Strategy []byte `db:"strategy"`
}

func (r planRow) toModel() (models.SchedulePlan, error) {
	var strategy models.Strategy
	if err := json.Unmarshal(r.Strategy, &strategy); err != nil {
		return models.SchedulePlan{}, fmt.Errorf("%w: decode strategy of plan %s: %v", ErrStore, r.Guid, err)
	}
	return models.SchedulePlan{
		Guid:     r.Guid,
		StudyKey: r.StudyKey,
		Label:    r.Label,
		Strategy: strategy,
	}, nil
}

const planColumns = `guid, study_key, label, strategy`

// GetSchedulePlans returns the study's plans applicable to the client.
// Plans may declare an app-version range; NULL bounds are open.
func (r *Reference) GetSchedulePlans(ctx context.Context, client models.ClientInfo, studyID string) ([]models.SchedulePlan, error) {
	var rows []planRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+planColumns+`
		FROM schedule_plans
		WHERE study_key = $1
		  AND deleted = FALSE
		  AND (min_app_version IS NULL OR min_app_version <= $2)
		  AND (max_app_version IS NULL OR max_app_version >= $2)
		ORDER BY guid
	`, studyID, client.AppVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return r.toPlans(rows)
}

// GetAllSchedulePlans returns every non-deleted plan of a study
// regardless of client. Legacy task path only.
func (r *Reference) GetAllSchedulePlans(ctx context.Context, studyID string) ([]models.SchedulePlan, error) {
	var rows []planRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+planColumns+`
		FROM schedule_plans
		WHERE study_key = $1 AND deleted = FALSE
		ORDER BY guid
	`, studyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return r.toPlans(rows)
}

func (r *Reference) toPlans(rows []planRow) ([]models.SchedulePlan, error) {
	plans := make([]models.SchedulePlan, 0, len(rows))
	for _, row := range rows {
		plan, err := row.toModel()
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// GetEventMap returns the participant's recorded trigger events keyed by
// event ID.
func (r *Reference) GetEventMap(ctx context.Context, healthCode string) (map[string]time.Time, error) {
	var rows []struct {
		EventID   string    `db:"event_id"`
		Timestamp time.Time `db:"timestamp"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT event_id, timestamp
		FROM activity_events
		WHERE health_code = $1
	`, healthCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	events := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		events[row.EventID] = row.Timestamp
	}
	return events, nil
}

// PublishActivityFinished records the activity-finished trigger event so
// schedules keyed on it can fire. Finishing the same occurrence again
// refreshes the timestamp.
func (r *Reference) PublishActivityFinished(ctx context.Context, activity models.ScheduledActivity) error {
	finishedOn := time.Now().UTC()
	if activity.FinishedOn != nil {
		finishedOn = activity.FinishedOn.UTC()
	}
	eventID := fmt.Sprintf("activity:%s:finished", activity.PlanActivityGuid())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO activity_events (health_code, event_id, timestamp)
		VALUES ($1, $2, $3)
		ON CONFLICT (health_code, event_id) DO UPDATE SET timestamp = EXCLUDED.timestamp
	`, activity.HealthCode, eventID, finishedOn)
	if err != nil {
		return fmt.Errorf("%w: publish event %s: %v", ErrStore, eventID, err)
	}
	return nil
}

// GetEnrollmentDate recovers an enrollment timestamp from the earliest
// active consent record. Found is false when the participant has no
// active consent.
func (r *Reference) GetEnrollmentDate(ctx context.Context, healthCode, studyID string) (time.Time, bool, error) {
	// MIN over zero rows yields one NULL row, not sql.ErrNoRows.
	var signedOn sql.NullTime
	err := r.db.GetContext(ctx, &signedOn, `
		SELECT MIN(signed_on)
		FROM consents
		WHERE health_code = $1 AND study_key = $2 AND withdrew_on IS NULL
	`, healthCode, studyID)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if !signedOn.Valid {
		return time.Time{}, false, nil
	}
	return signedOn.Time, true, nil
}

// GetMostRecentlyPublishedVersion returns the latest published version
// of a survey. Found is false when no version has been published yet.
func (r *Reference) GetMostRecentlyPublishedVersion(ctx context.Context, studyID, surveyGuid string) (models.SurveyVersion, bool, error) {
	var row struct {
		Identifier string    `db:"identifier"`
		CreatedOn  time.Time `db:"created_on"`
	}
	err := r.db.GetContext(ctx, &row, `
		SELECT identifier, created_on
		FROM surveys
		WHERE study_key = $1 AND guid = $2 AND published = TRUE
		ORDER BY created_on DESC
		LIMIT 1
	`, studyID, surveyGuid)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SurveyVersion{}, false, nil
	}
	if err != nil {
		return models.SurveyVersion{}, false, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return models.SurveyVersion{Identifier: row.Identifier, CreatedOn: row.CreatedOn}, true, nil
}

// GetLatestRevisionForAppVersion returns the highest schema revision
// whose declared app-version range admits the client. Found is false
// when no revision is compatible.
func (r *Reference) GetLatestRevisionForAppVersion(ctx context.Context, studyID, schemaID string, client models.ClientInfo) (int, bool, error) {
	var revision int
	err := r.db.GetContext(ctx, &revision, `
		SELECT revision
		FROM upload_schemas
		WHERE study_key = $1 AND schema_id = $2
		  AND (min_app_version IS NULL OR min_app_version <= $3)
		  AND (max_app_version IS NULL OR max_app_version >= $3)
		ORDER BY revision DESC
		LIMIT 1
	`, studyID, schemaID, client.AppVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return revision, true, nil
}

// GetDefinition returns the named compound activity definition.
func (r *Reference) GetDefinition(ctx context.Context, studyID, taskID string) (models.CompoundActivity, bool, error) {
	var definition []byte
	err := r.db.GetContext(ctx, &definition, `
		SELECT definition
		FROM compound_activity_definitions
		WHERE study_key = $1 AND task_id = $2
	`, studyID, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CompoundActivity{}, false, nil
	}
	if err != nil {
		return models.CompoundActivity{}, false, fmt.Errorf("%w: %v", ErrStore, err)
	}
	var compound models.CompoundActivity
	if err := json.Unmarshal(definition, &compound); err != nil {
		return models.CompoundActivity{}, false, fmt.Errorf("%w: decode compound definition %q: %v", ErrStore, taskID, err)
	}
	return compound, true, nil
}

type participantRow struct {
	HealthCode       string    `db:"health_code"`
	TimeZone         string    `db:"time_zone"`
	AccountCreatedOn time.Time `db:"account_created_on"`
	AppName          string    `db:"app_name"`
	AppVersion       int       `db:"app_version"`
}

func (r participantRow) toModel() (models.Participant, error) {
	zone, err := time.LoadLocation(r.TimeZone)
	if err != nil {
		return models.Participant{}, fmt.Errorf("%w: participant %s has invalid zone %q", ErrStore, r.HealthCode, r.TimeZone)
	}
	return models.Participant{
		HealthCode:       r.HealthCode,
		Zone:             zone,
		AccountCreatedOn: r.AccountCreatedOn,
		Client:           models.ClientInfo{AppName: r.AppName, AppVersion: r.AppVersion},
	}, nil
}

const participantColumns = `health_code, time_zone, account_created_on, app_name, app_version`

// GetParticipant returns one enrolled participant by health code.
func (r *Reference) GetParticipant(ctx context.Context, studyID, healthCode string) (models.Participant, error) {
	var row participantRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+participantColumns+`
		FROM participants
		WHERE study_key = $1 AND health_code = $2 AND enrolled = TRUE
	`, studyID, healthCode)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, fmt.Errorf("%w: participant %s", models.ErrNotFound, healthCode)
	}
	if err != nil {
		return models.Participant{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return row.toModel()
}

// ListParticipants pages the enrolled participants of a study by keyset
// on health code. offsetKey is the last health code of the previous
// page; the second return is the next page's offset, empty when
// exhausted.
func (r *Reference) ListParticipants(ctx context.Context, studyID, offsetKey string, pageSize int) ([]models.Participant, string, error) {
	var rows []participantRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+participantColumns+`
		FROM participants
		WHERE study_key = $1 AND enrolled = TRUE AND health_code > $2
		ORDER BY health_code
		LIMIT $3
	`, studyID, offsetKey, pageSize+1)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStore, err)
	}

	nextOffset := ""
	if len(rows) > pageSize {
		rows = rows[:pageSize]
		nextOffset = rows[pageSize-1].HealthCode
	}
	participants := make([]models.Participant, 0, len(rows))
	for _, row := range rows {
		p, err := row.toModel()
		if err != nil {
			return nil, "", err
		}
		participants = append(participants, p)
	}
	return participants, nextOffset, nil
}
