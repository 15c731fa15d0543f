package postgres

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ApplicationName string // empty leaves the server default

	// SlowQuery > 0 logs statements that take longer, and every failed one.
	SlowQuery time.Duration
	Logger    *slog.Logger
}

// NewPool builds a pool from cfg and pings it before returning.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ApplicationName != "" {
		pc.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	if cfg.SlowQuery > 0 {
		pc.ConnConfig.Tracer = newQueryTracer(cfg.Logger, cfg.SlowQuery)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}

	if err := Ping(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return pool.Ping(ctx)
}

// queryTracer implements pgx.QueryTracer.
type queryTracer struct {
	log       *slog.Logger
	threshold time.Duration
	now       func() time.Time
}

type queryStartKey struct{}

type queryStart struct {
	sql string
	at  time.Time
}

func newQueryTracer(log *slog.Logger, threshold time.Duration) *queryTracer {
	if log == nil {
		log = slog.Default()
	}
	return &queryTracer{log: log, threshold: threshold, now: time.Now}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{sql: data.SQL, at: t.now()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	st, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	took := t.now().Sub(st.at)

	switch {
	case data.Err != nil:
		t.log.WarnContext(ctx, "query failed",
			"sql", compactSQL(st.sql), "dur_ms", took.Milliseconds(), "err", data.Err)
	case took >= t.threshold:
		t.log.InfoContext(ctx, "slow query",
			"sql", compactSQL(st.sql), "dur_ms", took.Milliseconds(), "rows", data.CommandTag.RowsAffected())
	}
}

// compactSQL folds whitespace so multi-line statements log on one line.
func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}
