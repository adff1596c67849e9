package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

const (
	sqlUpsertScript = `
        INSERT INTO scripts (id, name, goal, version, steps, outputs, success_count, fail_count, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET
            name = EXCLUDED.name,
            goal = EXCLUDED.goal,
            version = EXCLUDED.version,
            steps = EXCLUDED.steps,
            outputs = EXCLUDED.outputs,
            success_count = EXCLUDED.success_count,
            fail_count = EXCLUDED.fail_count,
            updated_at = EXCLUDED.updated_at;
    `
	sqlSelectScript = `
        SELECT id, name, goal, version, steps, outputs, success_count, fail_count, created_at, updated_at
        FROM scripts
        WHERE id = $1;
    `
)

func testScript() *schemas.Script {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return &schemas.Script{
		ID:      "scr-1",
		Name:    "wifi toggle",
		Goal:    "turn on wifi",
		Version: 1,
		Steps: []schemas.Step{
			{
				Index:       0,
				Type:        schemas.StepLaunchApp,
				Description: "launch settings",
				Params:      schemas.StepParams{LaunchApp: &schemas.LaunchAppParams{Package: "com.android.settings"}},
				OnFailure:   schemas.PolicyAbort,
			},
		},
		Outputs:   []string{"status"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestNewPostgresPingFailure(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	pingErr := errors.New("database unavailable")
	mockPool.ExpectPing().WillReturnError(pingErr)

	_, err = NewPostgres(context.Background(), mockPool, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func newMockedStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	st, err := NewPostgres(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return st, mockPool
}

func TestPostgresSave(t *testing.T) {
	st, mockPool := newMockedStore(t)
	script := testScript()

	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertScript)).
		WithArgs(
			script.ID, script.Name, script.Goal, script.Version,
			pgxmock.AnyArg(), pgxmock.AnyArg(),
			script.SuccessCount, script.FailCount,
			script.CreatedAt, script.UpdatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, st.Save(context.Background(), script))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresLoadRoundTrip(t *testing.T) {
	st, mockPool := newMockedStore(t)
	script := testScript()

	stepsJSON := []byte(`[{"index":0,"type":"LAUNCH_APP","description":"launch settings","params":{"launch_app":{"package":"com.android.settings"}},"on_failure":"ABORT","max_retries":0}]`)
	outputsJSON := []byte(`["status"]`)

	rows := pgxmock.NewRows([]string{
		"id", "name", "goal", "version", "steps", "outputs", "success_count", "fail_count", "created_at", "updated_at",
	}).AddRow(
		script.ID, script.Name, script.Goal, script.Version,
		stepsJSON, outputsJSON,
		script.SuccessCount, script.FailCount,
		script.CreatedAt, script.UpdatedAt,
	)
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectScript)).WithArgs(script.ID).WillReturnRows(rows)

	loaded, err := st.Load(context.Background(), script.ID)
	require.NoError(t, err)

	assert.Equal(t, script.ID, loaded.ID)
	assert.Equal(t, script.Version, loaded.Version)
	require.Len(t, loaded.Steps, 1)
	assert.Equal(t, schemas.StepLaunchApp, loaded.Steps[0].Type)
	require.NotNil(t, loaded.Steps[0].Params.LaunchApp)
	assert.Equal(t, "com.android.settings", loaded.Steps[0].Params.LaunchApp.Package)
	assert.Equal(t, []string{"status"}, loaded.Outputs)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresLoadNotFound(t *testing.T) {
	st, mockPool := newMockedStore(t)

	mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectScript)).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := st.Load(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(schemas.ErrCodeScriptNotFound))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresDelete(t *testing.T) {
	st, mockPool := newMockedStore(t)

	mockPool.ExpectExec(flexibleSQLMatcher(`DELETE FROM scripts WHERE id = $1;`)).
		WithArgs("scr-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, st.Delete(context.Background(), "scr-1"))

	mockPool.ExpectExec(flexibleSQLMatcher(`DELETE FROM scripts WHERE id = $1;`)).
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	err := st.Delete(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(schemas.ErrCodeScriptNotFound))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresList(t *testing.T) {
	st, mockPool := newMockedStore(t)
	script := testScript()

	rows := pgxmock.NewRows([]string{
		"id", "name", "goal", "version", "steps", "outputs", "success_count", "fail_count", "created_at", "updated_at",
	}).AddRow(
		script.ID, script.Name, script.Goal, script.Version,
		[]byte(`[]`), []byte(`[]`),
		0, 0, script.CreatedAt, script.UpdatedAt,
	)
	mockPool.ExpectQuery(`SELECT .+ FROM scripts\s+ORDER BY updated_at DESC`).WillReturnRows(rows)

	scripts, err := st.List(context.Background())
	require.NoError(t, err)
	require.Len(t, scripts, 1)
	assert.Equal(t, script.ID, scripts[0].ID)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
