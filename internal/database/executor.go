// Package database runs SQL statements against named Postgres pools and
// normalises every failure into a *Failure.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hivemind-academic/scholar-scraper/internal/metrics"
)

// PoolName selects one of the configured connection pools.
type PoolName string

// Known pools. Statements naming an unconfigured pool run on PoolMaster.
const (
	PoolMaster   PoolName = "master"
	PoolFloating PoolName = "floating"
	PoolSync     PoolName = "sync"
	PoolAsync    PoolName = "async"
)

// Querier is the subset of pgxpool.Pool used here; pgxmock satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Statement is one parameterised SQL statement.
type Statement struct {
	// Name identifies the calling operation in logs and failures.
	Name string
	SQL  string
	Pool PoolName
	Args []any
}

// Row is one result row keyed by column name.
type Row map[string]any

// String returns the column as a string, or "" when absent or NULL.
func (r Row) String(column string) string {
	switch v := r[column].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	case [16]byte:
		return uuid.UUID(v).String()
	default:
		return ""
	}
}

// Int64 returns an integer column, or 0 when absent or NULL.
func (r Row) Int64(column string) int64 {
	switch v := r[column].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int16:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

// Result holds the rows returned by Query or the affected count from Exec.
type Result struct {
	Rows         []Row
	RowsAffected int64
}

// PoolConfig sizes one pgx pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Executor dispatches statements to named pools.
type Executor struct {
	pools  map[PoolName]Querier
	logger *zap.Logger
}

// Open connects one pgxpool per configured name and pings each.
func Open(ctx context.Context, cfgs map[PoolName]PoolConfig, logger *zap.Logger) (*Executor, error) {
	if _, ok := cfgs[PoolMaster]; !ok {
		return nil, fmt.Errorf("database: %s pool is required", PoolMaster)
	}
	pools := make(map[PoolName]Querier, len(cfgs))
	closeAll := func() {
		for _, p := range pools {
			p.Close()
		}
	}
	for name, cfg := range cfgs {
		pool, err := connect(ctx, cfg)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open %s pool: %w", name, err)
		}
		pools[name] = pool
	}
	return NewExecutor(pools, logger)
}

func connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// NewExecutor wraps existing pools (primarily for testing).
func NewExecutor(pools map[PoolName]Querier, logger *zap.Logger) (*Executor, error) {
	if pools[PoolMaster] == nil {
		return nil, fmt.Errorf("database: %s pool is required", PoolMaster)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{pools: pools, logger: logger}, nil
}

// Close releases every pool.
func (e *Executor) Close() {
	if e == nil {
		return
	}
	for _, p := range e.pools {
		p.Close()
	}
}

func (e *Executor) resolve(name PoolName) (PoolName, Querier) {
	if name == "" {
		name = PoolMaster
	}
	if q, ok := e.pools[name]; ok {
		return name, q
	}
	e.logger.Debug("pool not configured, using master", zap.String("pool", string(name)))
	return PoolMaster, e.pools[PoolMaster]
}

// Execute runs stmt as a query when it yields rows (SELECT, WITH, VALUES or a
// RETURNING clause) and as a command otherwise.
func (e *Executor) Execute(ctx context.Context, stmt Statement) (Result, error) {
	if returnsRows(stmt.SQL) {
		return e.Query(ctx, stmt)
	}
	return e.Exec(ctx, stmt)
}

func returnsRows(sql string) bool {
	fields := strings.Fields(strings.ToUpper(sql))
	if len(fields) == 0 {
		return false
	}
	switch strings.TrimLeft(fields[0], "(") {
	case "SELECT", "WITH", "VALUES", "SHOW", "TABLE":
		return true
	}
	for _, f := range fields {
		if f == "RETURNING" {
			return true
		}
	}
	return false
}

// Query runs a row-returning statement and collects every row.
func (e *Executor) Query(ctx context.Context, stmt Statement) (Result, error) {
	pool, q := e.resolve(stmt.Pool)
	rows, err := q.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return Result{}, e.fail(pool, stmt, err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return Result{}, e.fail(pool, stmt, err)
	}
	out := make([]Row, len(collected))
	for i, r := range collected {
		out[i] = Row(r)
	}
	e.logger.Debug("query",
		zap.String("method", stmt.Name),
		zap.String("pool", string(pool)),
		zap.Int("rows", len(out)),
	)
	return Result{Rows: out, RowsAffected: int64(len(out))}, nil
}

// Exec runs a statement that returns no rows.
func (e *Executor) Exec(ctx context.Context, stmt Statement) (Result, error) {
	pool, q := e.resolve(stmt.Pool)
	tag, err := q.Exec(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return Result{}, e.fail(pool, stmt, err)
	}
	e.logger.Debug("exec",
		zap.String("method", stmt.Name),
		zap.String("pool", string(pool)),
		zap.Int64("rows_affected", tag.RowsAffected()),
	)
	return Result{RowsAffected: tag.RowsAffected()}, nil
}

func (e *Executor) fail(pool PoolName, stmt Statement, err error) error {
	f := newFailure(pool, stmt, err)
	metrics.ObserveQueryFailure(string(pool), f.Kind.String())
	level := e.logger.Error
	if f.Kind == KindConstraintViolation || errors.Is(err, context.Canceled) {
		level = e.logger.Warn
	}
	level("statement failed",
		zap.String("method", stmt.Name),
		zap.String("pool", string(pool)),
		zap.String("code", f.Code),
		zap.String("constraint", f.Constraint),
		zap.String("where", f.Where),
		zap.Error(err),
	)
	return f
}
