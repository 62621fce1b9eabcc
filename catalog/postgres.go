package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nomis52/deltaetl/retry"
)

//go:embed schema.sql
var schemaSQL string

const defaultQueryTimeout = 30 * time.Minute

// PostgresConfig configures a PostgresEngine.
type PostgresConfig struct {
	DSN          string
	MaxConns     int32
	QueryTimeout time.Duration
}

// PostgresEngine runs queries on PostgreSQL and keeps the partition catalog
// in a table of the same database. Each submitted query runs in its own
// goroutine; its status row is the source of truth for Poll.
type PostgresEngine struct {
	pool         *pgxpool.Pool
	logger       *slog.Logger
	queryTimeout time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
	bg     context.Context
}

// NewPostgresEngine connects, verifies the connection, and applies the schema.
func NewPostgresEngine(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresEngine, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	bg, cancel := context.WithCancel(context.Background())
	return &PostgresEngine{
		pool:         pool,
		logger:       logger.With("component", "catalog"),
		queryTimeout: timeout,
		bg:           bg,
		cancel:       cancel,
	}, nil
}

// Submit implements Engine.
func (e *PostgresEngine) Submit(ctx context.Context, sql, workgroup, outputLocation string) (string, error) {
	id := uuid.NewString()
	_, err := e.pool.Exec(ctx, `INSERT INTO query_executions (id, sql_text, workgroup, output_location, state)
		VALUES ($1, $2, $3, $4, $5)`, id, sql, workgroup, outputLocation, string(QueryRunning))
	if err != nil {
		return "", classifyPg(fmt.Errorf("recording query: %w", err))
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(id, sql)
	}()
	return id, nil
}

func (e *PostgresEngine) execute(id, sql string) {
	ctx, cancel := context.WithTimeout(e.bg, e.queryTimeout)
	defer cancel()

	state, reason := QuerySucceeded, ""
	if _, err := e.pool.Exec(ctx, sql); err != nil {
		state, reason = QueryFailed, err.Error()
		e.logger.Warn("query failed", "query_id", id, "error", err)
	}

	// The status update must land even when the query was cancelled.
	updCtx, updCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer updCancel()
	_, err := e.pool.Exec(updCtx, `UPDATE query_executions
		SET state = $2, reason = $3, completed_at = now() WHERE id = $1`, id, string(state), reason)
	if err != nil {
		e.logger.Error("recording query result", "query_id", id, "error", err)
	}
}

// Poll implements Engine.
func (e *PostgresEngine) Poll(ctx context.Context, id string) (QueryStatus, error) {
	var (
		q           QueryStatus
		state       string
		completedAt *time.Time
	)
	err := e.pool.QueryRow(ctx, `SELECT id, sql_text, workgroup, output_location, state, reason, submitted_at, completed_at
		FROM query_executions WHERE id = $1`, id).
		Scan(&q.ID, &q.SQL, &q.Workgroup, &q.OutputLocation, &state, &q.Reason, &q.SubmittedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return QueryStatus{}, fmt.Errorf("%w: %s", ErrQueryNotFound, id)
	}
	if err != nil {
		return QueryStatus{}, classifyPg(err)
	}
	q.State = QueryState(state)
	if completedAt != nil {
		q.CompletedAt = *completedAt
	}
	return q, nil
}

// AddPartitions implements Engine.
func (e *PostgresEngine) AddPartitions(ctx context.Context, database, table string, parts []Partition) (int, error) {
	batch := &pgx.Batch{}
	for _, p := range parts {
		if err := p.Validate(); err != nil {
			return 0, err
		}
		values, err := json.Marshal(p.Values)
		if err != nil {
			return 0, err
		}
		batch.Queue(`INSERT INTO catalog_partitions (database_name, table_name, partition_name, location, partition_values)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`, database, table, p.Name(), p.Location, values)
	}
	return e.sendBatch(ctx, batch, len(parts))
}

// DropPartitions implements Engine.
func (e *PostgresEngine) DropPartitions(ctx context.Context, database, table string, parts []Partition) (int, error) {
	batch := &pgx.Batch{}
	for _, p := range parts {
		batch.Queue(`DELETE FROM catalog_partitions
			WHERE database_name = $1 AND table_name = $2 AND partition_name = $3`, database, table, p.Name())
	}
	return e.sendBatch(ctx, batch, len(parts))
}

// sendBatch runs all statements in one transaction and sums affected rows.
func (e *PostgresEngine) sendBatch(ctx context.Context, batch *pgx.Batch, n int) (int, error) {
	if n == 0 {
		return 0, nil
	}
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, classifyPg(err)
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, batch)
	affected := 0
	for i := 0; i < n; i++ {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, classifyPg(fmt.Errorf("partition statement %d: %w", i, err))
		}
		affected += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, classifyPg(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classifyPg(err)
	}
	return affected, nil
}

// ListPartitions implements Engine.
func (e *PostgresEngine) ListPartitions(ctx context.Context, database, table string) ([]Partition, error) {
	rows, err := e.pool.Query(ctx, `SELECT location, partition_values FROM catalog_partitions
		WHERE database_name = $1 AND table_name = $2 ORDER BY partition_name`, database, table)
	if err != nil {
		return nil, classifyPg(err)
	}
	defer rows.Close()

	var parts []Partition
	for rows.Next() {
		var (
			p      Partition
			values []byte
		)
		if err := rows.Scan(&p.Location, &values); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(values, &p.Values); err != nil {
			return nil, fmt.Errorf("decoding partition values: %w", err)
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// Close waits for in-flight queries to be cancelled and closes the pool.
func (e *PostgresEngine) Close() error {
	e.cancel()
	e.wg.Wait()
	e.pool.Close()
	return nil
}

// classifyPg marks contention and capacity errors as transient.
func classifyPg(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "53300", "57P03":
			return retry.Transient(err)
		}
	}
	return err
}
