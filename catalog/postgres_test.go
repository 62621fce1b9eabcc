package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/deltaetl/retry"
)

// postgresDSNEnv points the PostgresEngine tests at a scratch database.
const postgresDSNEnv = "DELTAETL_TEST_POSTGRES_DSN"

func openPostgres(t *testing.T) *PostgresEngine {
	t.Helper()
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e, err := NewPostgresEngine(ctx, PostgresConfig{DSN: dsn, QueryTimeout: 10 * time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// scratchTable returns a table name no other test run uses and removes its
// partition rows afterwards.
func scratchTable(t *testing.T, e *PostgresEngine) string {
	t.Helper()
	table := "t_" + uuid.NewString()[:8]
	t.Cleanup(func() {
		e.pool.Exec(context.Background(),
			`DELETE FROM catalog_partitions WHERE database_name = 'analytics' AND table_name = $1`, table)
	})
	return table
}

func waitForQuery(t *testing.T, e *PostgresEngine, id string) QueryStatus {
	t.Helper()
	var q QueryStatus
	require.Eventually(t, func() bool {
		var err error
		q, err = e.Poll(context.Background(), id)
		require.NoError(t, err)
		return q.State.IsTerminal()
	}, 10*time.Second, 10*time.Millisecond)
	return q
}

func TestPostgresSubmitPoll(t *testing.T) {
	e := openPostgres(t)
	ctx := context.Background()
	table := scratchTable(t, e)

	tests := []struct {
		name      string
		sql       string
		wantState QueryState
	}{
		{name: "create", sql: fmt.Sprintf("CREATE TABLE %s (line text)", table), wantState: QuerySucceeded},
		{name: "insert", sql: fmt.Sprintf("INSERT INTO %s VALUES ('a'), ('b')", table), wantState: QuerySucceeded},
		{name: "syntax error", sql: "CREATE EXTERNAL TABLE x (line string)", wantState: QueryFailed},
		{name: "drop", sql: fmt.Sprintf("DROP TABLE IF EXISTS %s", table), wantState: QuerySucceeded},
	}

	// Later statements depend on earlier ones, so the cases run in order.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := e.Submit(ctx, tt.sql, "primary", "s3://results")
			require.NoError(t, err)

			q := waitForQuery(t, e, id)
			assert.Equal(t, tt.wantState, q.State)
			assert.Equal(t, tt.sql, q.SQL)
			assert.Equal(t, "primary", q.Workgroup)
			assert.False(t, q.CompletedAt.IsZero())
			if tt.wantState == QueryFailed {
				assert.NotEmpty(t, q.Reason)
			}
		})
	}

	_, err := e.Poll(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrQueryNotFound)
}

func TestPostgresPartitionsIdempotent(t *testing.T) {
	e := openPostgres(t)
	ctx := context.Background()
	table := scratchTable(t, e)

	parts := []Partition{
		dt("delta/app1/dt=2024-01-01", "2024-01-01"),
		dt("delta/app1/dt=2024-01-02", "2024-01-02"),
	}

	n, err := e.AddPartitions(ctx, "analytics", table, parts)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = e.AddPartitions(ctx, "analytics", table, parts)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := e.ListPartitions(ctx, "analytics", table)
	require.NoError(t, err)
	assert.Equal(t, parts, got)

	n, err = e.DropPartitions(ctx, "analytics", table, parts[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = e.DropPartitions(ctx, "analytics", table, parts[:1])
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err = e.ListPartitions(ctx, "analytics", table)
	require.NoError(t, err)
	assert.Equal(t, parts[1:], got)

	// A batch holding an invalid partition changes nothing.
	_, err = e.AddPartitions(ctx, "analytics", table, []Partition{dt("delta/app1/dt=2024-01-03", "2024-01-03"), {Location: "x"}})
	require.Error(t, err)
	got, err = e.ListPartitions(ctx, "analytics", table)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestClassifyPg(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, wantTransient: true},
		{name: "deadlock", err: fmt.Errorf("exec: %w", &pgconn.PgError{Code: "40P01"}), wantTransient: true},
		{name: "too many connections", err: &pgconn.PgError{Code: "53300"}, wantTransient: true},
		{name: "syntax error", err: &pgconn.PgError{Code: "42601"}},
		{name: "plain error", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantTransient, retry.IsTransient(classifyPg(tt.err)))
		})
	}
}
