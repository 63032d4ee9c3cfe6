package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/outpace-network/validatorx/pkg/retry"
	"github.com/outpace-network/validatorx/pkg/utils"
	"go.uber.org/zap"
)

// Executor is an interface that both *pgxpool.Pool and pgx.Tx implement.
// This allows methods to work with either a connection pool or a transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Client wraps a PostgreSQL connection pool.
type Client struct {
	Logger *zap.Logger
	Pool   *pgxpool.Pool
}

// PoolConfig defines connection pool settings.
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig sizes the pool from POSTGRES_MIN_CONNS / POSTGRES_MAX_CONNS.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MinConns:        int32(utils.EnvInt("POSTGRES_MIN_CONNS", 2)),
		MaxConns:        int32(utils.EnvInt("POSTGRES_MAX_CONNS", 20)),
		ConnMaxLifetime: utils.EnvDuration("POSTGRES_CONN_MAX_LIFETIME", time.Hour),
		ConnMaxIdleTime: 30 * time.Minute,
	}
}

// New connects to dbURL, retrying with backoff until the database answers a
// ping or ctx gives up.
func New(ctx context.Context, logger *zap.Logger, dbURL string, poolConfig ...*PoolConfig) (client Client, err error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	client.Logger = logger

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return Client{}, fmt.Errorf("failed to parse postgres url: %w", err)
	}

	poolConf := DefaultPoolConfig()
	if len(poolConfig) > 0 && poolConfig[0] != nil {
		poolConf = poolConfig[0]
	}
	config.MinConns = poolConf.MinConns
	config.MaxConns = poolConf.MaxConns
	config.MaxConnLifetime = poolConf.ConnMaxLifetime
	config.MaxConnIdleTime = poolConf.ConnMaxIdleTime

	retryErr := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "postgres_connection", func() error {
		pool, openErr := pgxpool.NewWithConfig(connCtx, config)
		if openErr != nil {
			return fmt.Errorf("failed to create postgres connection pool: %w", openErr)
		}

		if pingErr := pool.Ping(connCtx); pingErr != nil {
			pool.Close()
			return fmt.Errorf("failed to ping postgres: %w", pingErr)
		}
		client.Pool = pool

		logger.Info("PostgreSQL connection pool configured",
			zap.String("database", config.ConnConfig.Database),
			zap.Int32("min_conns", poolConf.MinConns),
			zap.Int32("max_conns", poolConf.MaxConns),
			zap.Duration("conn_max_lifetime", poolConf.ConnMaxLifetime),
		)
		return nil
	})
	if retryErr != nil {
		return Client{}, retryErr
	}

	return client, nil
}

// BeginFunc executes fn within a transaction. If fn returns an error the
// transaction is rolled back, otherwise it is committed.
func (c *Client) BeginFunc(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, c.Pool, fn)
}

func (c *Client) Close() {
	c.Pool.Close()
}

type ctxKey string

const txKey ctxKey = "pgx_tx"

// WithTx returns a context carrying tx, picked up by GetExecutor.
func (c *Client) WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// GetExecutor returns the transaction stored in ctx, or the pool.
func (c *Client) GetExecutor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx
	}
	return c.Pool
}

// IsNoRows checks if the error is a "no rows" error
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsUniqueViolation reports a duplicate key error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
