package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	URL       string
	MaxConns  int32
	MinConns  int32
	SlowQuery time.Duration
}

func NewPool(ctx context.Context, pc PoolConfig, logger zerolog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	if pc.SlowQuery > 0 {
		cfg.ConnConfig.Tracer = &queryTracer{logger: logger, slow: pc.SlowQuery}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

type traceKey struct{}

type traceStart struct {
	sql string
	at  time.Time
}

// queryTracer logs queries slower than slow, and every failing query.
type queryTracer struct {
	logger zerolog.Logger
	slow   time.Duration
	now    func() time.Time
}

func (t *queryTracer) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceStart{sql: data.SQL, at: t.clock()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(traceKey{}).(traceStart)
	if !ok {
		return
	}
	elapsed := t.clock().Sub(start.at)
	switch {
	case data.Err != nil:
		t.logger.Warn().Err(data.Err).Str("sql", start.sql).Dur("elapsed", elapsed).Msg("query failed")
	case elapsed >= t.slow:
		t.logger.Warn().Str("sql", start.sql).Dur("elapsed", elapsed).
			Int64("rows", data.CommandTag.RowsAffected()).Msg("slow query")
	}
}
