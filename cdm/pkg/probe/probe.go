// Package probe answers existence questions about objects in the target
// database. Answers are never cached: each call queries the catalog through
// the caller's connection, so it sees the run's own uncommitted changes.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/omop/cdm/pkg/postgres"
)

const (
	schemaExistsQuery = `SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`
	keyExistsQuery    = `SELECT EXISTS (
		SELECT 1 FROM information_schema.table_constraints
		WHERE constraint_name = $1 AND constraint_type IN ('PRIMARY KEY', 'FOREIGN KEY')
	)`
	indexExistsQuery = `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = $1)`
)

type Config struct {
	Logger *slog.Logger
	Conn   postgres.Conn
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("connection is required")
	}
	return nil
}

type Prober struct {
	log  *slog.Logger
	conn postgres.Conn
}

func New(cfg Config) (*Prober, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Prober{log: cfg.Logger, conn: cfg.Conn}, nil
}

// SchemaExists reports whether a schema named schema exists.
func (p *Prober) SchemaExists(ctx context.Context, schema string) (bool, error) {
	return p.exists(ctx, "schema", schemaExistsQuery, schema)
}

// KeyExists reports whether a primary or foreign key constraint named name
// exists in any schema.
func (p *Prober) KeyExists(ctx context.Context, name string) (bool, error) {
	return p.exists(ctx, "key", keyExistsQuery, name)
}

// IndexExists reports whether an index named name exists in any schema.
func (p *Prober) IndexExists(ctx context.Context, name string) (bool, error) {
	return p.exists(ctx, "index", indexExistsQuery, name)
}

// TableIsEmpty reports whether schema.table holds exactly zero rows.
func (p *Prober) TableIsEmpty(ctx context.Context, schema, table string) (bool, error) {
	qualified, err := postgres.Ident(schema, table)
	if err != nil {
		return false, err
	}

	var count int64
	if err := p.conn.QueryRow(ctx, "SELECT count(*) FROM "+qualified).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count rows in %s: %w", qualified, err)
	}
	p.log.Debug("probe: counted rows", "table", qualified, "count", count)
	return count == 0, nil
}

func (p *Prober) exists(ctx context.Context, kind, query, name string) (bool, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	var exists bool
	if err := p.conn.QueryRow(ctx, query, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check %s %s: %w", kind, name, err)
	}
	p.log.Debug("probe: checked "+kind, "name", name, "exists", exists)
	return exists, nil
}
