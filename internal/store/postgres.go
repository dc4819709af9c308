package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/studykit/scheduler/internal/models"
)

// Config holds database configuration.
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// Postgres implements ActivityStore and TaskStore on PostgreSQL.
type Postgres struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgres opens a connection pool and verifies connectivity.
func NewPostgres(cfg *Config, logger *zap.Logger) (*Postgres, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Activity store initialized",
		zap.String("host", cfg.Host),
		zap.Int("max_connections", cfg.MaxConnections),
	)
	return &Postgres{db: db, logger: logger}, nil
}

// NewPostgresFromDB wraps an existing connection; used by tests.
func NewPostgresFromDB(db *sql.DB, logger *zap.Logger) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, "postgres"), logger: logger}
}

// DB exposes the underlying connection pool for health checks.
func (p *Postgres) DB() *sqlx.DB {
	return p.db
}

// Close shuts down the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

type activityRow struct {
	Guid             string       `db:"guid"`
	HealthCode       string       `db:"health_code"`
	SchedulePlanGuid string       `db:"schedule_plan_guid"`
	Activity         []byte       `db:"activity"`
	ScheduledOn      time.Time    `db:"scheduled_on"`
	ExpiresOn        sql.NullTime `db:"expires_on"`
	StartedOn        sql.NullTime `db:"started_on"`
	FinishedOn       sql.NullTime `db:"finished_on"`
	ClientData       []byte       `db:"client_data"`
}

func (r activityRow) toModel(zone *time.Location) (models.ScheduledActivity, error) {
	var activity models.Activity
	if len(r.Activity) > 0 {
		if err := json.Unmarshal(r.Activity, &activity); err != nil {
			return models.ScheduledActivity{}, fmt.Errorf("%w: decode activity %s: %v", ErrStore, r.Guid, err)
		}
	}
	sa := models.ScheduledActivity{
		Guid:             r.Guid,
		HealthCode:       r.HealthCode,
		SchedulePlanGuid: r.SchedulePlanGuid,
		Activity:         activity,
		ScheduledOn:      inZone(r.ScheduledOn, zone),
		ClientData:       r.ClientData,
		Persisted:        true,
	}
	if r.ExpiresOn.Valid {
		t := inZone(r.ExpiresOn.Time, zone)
		sa.ExpiresOn = &t
	}
	if r.StartedOn.Valid {
		t := inZone(r.StartedOn.Time, zone)
		sa.StartedOn = &t
	}
	if r.FinishedOn.Valid {
		t := inZone(r.FinishedOn.Time, zone)
		sa.FinishedOn = &t
	}
	return sa, nil
}

func inZone(t time.Time, zone *time.Location) time.Time {
	if zone == nil {
		return t
	}
	return t.In(zone)
}

const activityColumns = `guid, health_code, schedule_plan_guid, activity,
	scheduled_on, expires_on, started_on, finished_on, client_data`

// GetActivity returns one persisted activity by participant and GUID.
func (p *Postgres) GetActivity(ctx context.Context, healthCode, guid string) (models.ScheduledActivity, error) {
	var row activityRow
	err := p.db.GetContext(ctx, &row, `
		SELECT `+activityColumns+`
		FROM scheduled_activities
		WHERE health_code = $1 AND guid = $2
	`, healthCode, guid)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ScheduledActivity{}, fmt.Errorf("%w: activity %s", models.ErrNotFound, guid)
	}
	if err != nil {
		return models.ScheduledActivity{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return row.toModel(nil)
}

// GetActivities returns the persisted rows matching the candidate GUIDs.
func (p *Postgres) GetActivities(ctx context.Context, zone *time.Location, candidates []models.ScheduledActivity) ([]models.ScheduledActivity, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	healthCode := candidates[0].HealthCode
	guids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		guids = append(guids, c.Guid)
	}

	var rows []activityRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT `+activityColumns+`
		FROM scheduled_activities
		WHERE health_code = $1 AND guid = ANY($2)
	`, healthCode, pq.Array(guids))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return p.toModels(rows, zone)
}

// GetActivityHistory pages persisted occurrences of one plan activity by
// keyset on the derived GUID, which sorts by scheduled time within a
// plan activity.
func (p *Postgres) GetActivityHistory(ctx context.Context, healthCode, activityGuid string, start, end time.Time, zone *time.Location, offsetKey string, pageSize int) ([]models.ScheduledActivity, string, error) {
	var rows []activityRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT `+activityColumns+`
		FROM scheduled_activities
		WHERE health_code = $1
		  AND guid LIKE $2 || ':%'
		  AND guid > $3
		  AND scheduled_on >= $4 AND scheduled_on <= $5
		ORDER BY guid
		LIMIT $6
	`, healthCode, activityGuid, offsetKey, start, end, pageSize+1)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStore, err)
	}

	nextOffset := ""
	if len(rows) > pageSize {
		rows = rows[:pageSize]
		nextOffset = rows[pageSize-1].Guid
	}
	activities, err := p.toModels(rows, zone)
	return activities, nextOffset, err
}

// SaveActivities batch-upserts generated activities inside one
// transaction. Conflicting rows only get their generated columns
// refreshed; participant-authored columns are untouched.
func (p *Postgres) SaveActivities(ctx context.Context, activities []models.ScheduledActivity) error {
	if len(activities) == 0 {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStore, err)
	}
	defer tx.Rollback()

	for _, sa := range activities {
		activityJSON, err := json.Marshal(sa.Activity)
		if err != nil {
			return fmt.Errorf("%w: encode activity %s: %v", ErrStore, sa.Guid, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scheduled_activities (
				guid, health_code, schedule_plan_guid, activity,
				scheduled_on, expires_on, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			ON CONFLICT (health_code, guid) DO UPDATE SET
				schedule_plan_guid = EXCLUDED.schedule_plan_guid,
				activity = EXCLUDED.activity,
				scheduled_on = EXCLUDED.scheduled_on,
				expires_on = EXCLUDED.expires_on,
				updated_at = NOW()
		`, sa.Guid, sa.HealthCode, sa.SchedulePlanGuid, activityJSON,
			sa.ScheduledOn.UTC(), nullTime(sa.ExpiresOn))
		if err != nil {
			return fmt.Errorf("%w: upsert %s: %v", ErrStore, sa.Guid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStore, err)
	}
	return nil
}

// UpdateActivities writes participant-authored state back to the store.
func (p *Postgres) UpdateActivities(ctx context.Context, healthCode string, activities []models.ScheduledActivity) error {
	if len(activities) == 0 {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStore, err)
	}
	defer tx.Rollback()

	for _, sa := range activities {
		_, err := tx.ExecContext(ctx, `
			UPDATE scheduled_activities
			SET started_on = $3, finished_on = $4, client_data = $5, updated_at = NOW()
			WHERE health_code = $1 AND guid = $2
		`, healthCode, sa.Guid, nullTime(sa.StartedOn), nullTime(sa.FinishedOn), []byte(sa.ClientData))
		if err != nil {
			return fmt.Errorf("%w: update %s: %v", ErrStore, sa.Guid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStore, err)
	}
	return nil
}

// DeleteActivitiesForParticipant removes every activity a participant
// owns; used on withdrawal and account deletion.
func (p *Postgres) DeleteActivitiesForParticipant(ctx context.Context, healthCode string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM scheduled_activities WHERE health_code = $1`, healthCode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// DeleteActivitiesForPlan removes every activity tagged with a plan GUID;
// used when a plan is deleted or about to be regenerated.
func (p *Postgres) DeleteActivitiesForPlan(ctx context.Context, schedulePlanGuid string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM scheduled_activities WHERE schedule_plan_guid = $1`, schedulePlanGuid)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

func (p *Postgres) toModels(rows []activityRow, zone *time.Location) ([]models.ScheduledActivity, error) {
	activities := make([]models.ScheduledActivity, 0, len(rows))
	for _, row := range rows {
		sa, err := row.toModel(zone)
		if err != nil {
			return nil, err
		}
		activities = append(activities, sa)
	}
	return activities, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
