package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/studykit/scheduler/internal/models"
)

func newMockReference(t *testing.T) (*Reference, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewReferenceFromDB(db, zap.NewNop()), mock
}

func TestGetSchedulePlans_DecodesStrategy(t *testing.T) {
	r, mock := newMockReference(t)

	strategy, err := json.Marshal(models.Strategy{
		Kind: models.StrategySimple,
		Schedule: &models.Schedule{
			Kind:     models.SchedulerInterval,
			Interval: 24 * time.Hour,
		},
	})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT").
		WithArgs("study-a", 12).
		WillReturnRows(sqlmock.NewRows([]string{"guid", "study_key", "label", "strategy"}).
			AddRow("plan-1", "study-a", "Daily", strategy))

	plans, err := r.GetSchedulePlans(context.Background(), models.ClientInfo{AppVersion: 12}, "study-a")
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, models.StrategySimple, plans[0].Strategy.Kind)
	require.NotNil(t, plans[0].Strategy.Schedule)
	assert.Equal(t, 24*time.Hour, plans[0].Strategy.Schedule.Interval)
}

func TestGetSchedulePlans_CorruptStrategy(t *testing.T) {
	r, mock := newMockReference(t)

	mock.ExpectQuery("SELECT").
		WithArgs("study-a", 0).
		WillReturnRows(sqlmock.NewRows([]string{"guid", "study_key", "label", "strategy"}).
			AddRow("plan-1", "study-a", "Broken", []byte("{not json")))

	_, err := r.GetSchedulePlans(context.Background(), models.ClientInfo{}, "study-a")
	assert.True(t, errors.Is(err, ErrStore))
}

func TestGetEventMap(t *testing.T) {
	r, mock := newMockReference(t)
	enrolled := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT event_id, timestamp").
		WithArgs("hc-1").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "timestamp"}).
			AddRow("enrollment", enrolled).
			AddRow("activity:act-1:finished", enrolled.Add(time.Hour)))

	events, err := r.GetEventMap(context.Background(), "hc-1")
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.True(t, events["enrollment"].Equal(enrolled))
}

func TestPublishActivityFinished(t *testing.T) {
	r, mock := newMockReference(t)
	finishedOn := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO activity_events").
		WithArgs("hc-1", "activity:act-1:finished", finishedOn).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := r.PublishActivityFinished(context.Background(), models.ScheduledActivity{
		Guid:       "act-1:2026-03-10T09:00:00.000",
		HealthCode: "hc-1",
		FinishedOn: &finishedOn,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEnrollmentDate_NoConsent(t *testing.T) {
	r, mock := newMockReference(t)

	mock.ExpectQuery("SELECT MIN").
		WithArgs("hc-1", "study-a").
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))

	_, found, err := r.GetEnrollmentDate(context.Background(), "hc-1", "study-a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetEnrollmentDate_EarliestActiveConsent(t *testing.T) {
	r, mock := newMockReference(t)
	signedOn := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT MIN").
		WithArgs("hc-1", "study-a").
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(signedOn))

	got, found, err := r.GetEnrollmentDate(context.Background(), "hc-1", "study-a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, got.Equal(signedOn))
}

func TestGetMostRecentlyPublishedVersion_None(t *testing.T) {
	r, mock := newMockReference(t)

	mock.ExpectQuery("SELECT identifier, created_on").
		WithArgs("study-a", "svy-1").
		WillReturnRows(sqlmock.NewRows([]string{"identifier", "created_on"}))

	_, found, err := r.GetMostRecentlyPublishedVersion(context.Background(), "study-a", "svy-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetLatestRevisionForAppVersion(t *testing.T) {
	r, mock := newMockReference(t)

	mock.ExpectQuery("SELECT revision").
		WithArgs("study-a", "tapping", 12).
		WillReturnRows(sqlmock.NewRows([]string{"revision"}).AddRow(3))

	revision, found, err := r.GetLatestRevisionForAppVersion(context.Background(), "study-a", "tapping",
		models.ClientInfo{AppVersion: 12})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, revision)
}

func TestGetDefinition(t *testing.T) {
	r, mock := newMockReference(t)

	definition, err := json.Marshal(models.CompoundActivity{
		TaskIdentifier: "combo",
		SchemaList:     []models.SchemaReference{{ID: "tapping"}},
	})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT definition").
		WithArgs("study-a", "combo").
		WillReturnRows(sqlmock.NewRows([]string{"definition"}).AddRow(definition))

	compound, found, err := r.GetDefinition(context.Background(), "study-a", "combo")
	require.NoError(t, err)
	assert.True(t, found)
	require.Len(t, compound.SchemaList, 1)
	assert.Equal(t, "tapping", compound.SchemaList[0].ID)
}

func TestListParticipants_Paging(t *testing.T) {
	r, mock := newMockReference(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	columns := []string{"health_code", "time_zone", "account_created_on", "app_name", "app_version"}
	mock.ExpectQuery("SELECT").
		WithArgs("study-a", "", 3).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("hc-1", "UTC", created, "app", 10).
			AddRow("hc-2", "America/New_York", created, "app", 10).
			AddRow("hc-3", "UTC", created, "app", 10))

	page, next, err := r.ListParticipants(context.Background(), "study-a", "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "hc-2", next)
	assert.Equal(t, "America/New_York", page[1].Zone.String())
}

func TestGetParticipant_InvalidZone(t *testing.T) {
	r, mock := newMockReference(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	columns := []string{"health_code", "time_zone", "account_created_on", "app_name", "app_version"}
	mock.ExpectQuery("SELECT").
		WithArgs("study-a", "hc-1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("hc-1", "Mars/Olympus", created, "app", 10))

	_, err := r.GetParticipant(context.Background(), "study-a", "hc-1")
	assert.True(t, errors.Is(err, ErrStore))
}
