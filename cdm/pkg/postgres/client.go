package postgres

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/malbeclabs/omop/utils/pkg/retry"
)

// Conn is the subset of a PostgreSQL session the loader needs. A Tx satisfies
// it, so every stage works inside the run's transaction.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// CopyFrom streams r to the server as the input of a COPY ... FROM STDIN
	// statement and returns the number of rows copied.
	CopyFrom(ctx context.Context, r io.Reader, sql string) (int64, error)
}

// Tx is a transaction scoped Conn.
type Tx interface {
	Conn
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Client represents a single PostgreSQL connection.
type Client interface {
	Begin(ctx context.Context) (Tx, error)
	Close(ctx context.Context) error
}

type client struct {
	log  *slog.Logger
	conn *pgx.Conn
}

type tx struct {
	tx pgx.Tx
}

// Connect opens one connection to connStr, retrying while the server is
// unreachable or still starting.
func Connect(ctx context.Context, log *slog.Logger, connStr string, retryCfg retry.Config) (Client, error) {
	cfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if retryCfg.Logger == nil {
		retryCfg.Logger = log
	}

	var conn *pgx.Conn
	err = retry.Do(ctx, retryCfg, func() error {
		var err error
		conn, err = pgx.ConnectConfig(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	log.Info("PostgreSQL connection established", "host", cfg.Host, "port", cfg.Port, "database", cfg.Database, "user", cfg.User)
	return &client{log: log, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(log *slog.Logger, conn *pgx.Conn) Client {
	return &client{log: log, conn: conn}
}

func (c *client) Begin(ctx context.Context) (Tx, error) {
	t, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &tx{tx: t}, nil
}

func (c *client) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

func (t *tx) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return err
}

func (t *tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (t *tx) CopyFrom(ctx context.Context, r io.Reader, sql string) (int64, error) {
	tag, err := t.tx.Conn().PgConn().CopyFrom(ctx, r, sql)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *tx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *tx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
