// Package csvload bulk loads CSV files into PostgreSQL tables with COPY.
//
// A table that already holds rows is left alone unless the caller asks for
// it to be emptied first.
package csvload

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/malbeclabs/omop/cdm/pkg/postgres"
)

// TableProber reports whether a table holds no rows.
type TableProber interface {
	TableIsEmpty(ctx context.Context, schema, table string) (bool, error)
}

type Config struct {
	Logger *slog.Logger
	Conn   postgres.Conn
	Prober TableProber
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("connection is required")
	}
	if cfg.Prober == nil {
		return errors.New("prober is required")
	}
	return nil
}

// TableResult is one table that received rows.
type TableResult struct {
	Table string
	Rows  int64
}

// Result summarises a load.
type Result struct {
	Loaded  []TableResult
	Skipped []string
}

// Rows is the total number of rows copied.
func (r Result) Rows() int64 {
	var n int64
	for _, t := range r.Loaded {
		n += t.Rows
	}
	return n
}

type Loader struct {
	log    *slog.Logger
	conn   postgres.Conn
	prober TableProber
}

func New(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loader{log: cfg.Logger, conn: cfg.Conn, prober: cfg.Prober}, nil
}

// LoadTables copies each file into schema.<table>. The column list comes
// from the file's header row. With deleteFirst, existing rows are deleted
// with triggers disabled and the file is loaded regardless of prior content.
func (l *Loader) LoadTables(ctx context.Context, schema string, files []TableFile, deleteFirst bool) (Result, error) {
	var res Result
	for _, f := range files {
		qualified, err := postgres.Ident(schema, f.Table)
		if err != nil {
			return res, err
		}
		l.log.Debug("csvload: got file for table", "file", f.Path, "table", qualified)

		if !deleteFirst {
			empty, err := l.prober.TableIsEmpty(ctx, schema, f.Table)
			if err != nil {
				return res, err
			}
			if !empty {
				l.log.Debug("csvload: table not empty, skipping", "table", qualified)
				res.Skipped = append(res.Skipped, qualified)
				continue
			}
		}

		n, err := l.loadFile(ctx, qualified, f.Path, deleteFirst)
		if err != nil {
			return res, err
		}
		l.log.Info("loaded table", "table", qualified, "rows", n)
		res.Loaded = append(res.Loaded, TableResult{Table: qualified, Rows: n})
	}
	return res, nil
}

func (l *Loader) loadFile(ctx context.Context, qualified, path string, deleteFirst bool) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open data file: %w", err)
	}
	defer file.Close()

	columns, err := readHeader(file)
	if err != nil {
		return 0, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to rewind %s: %w", path, err)
	}

	if deleteFirst {
		l.log.Debug("csvload: deleting table contents", "table", qualified)
		if err := l.conn.Exec(ctx, "ALTER TABLE "+qualified+" DISABLE TRIGGER ALL"); err != nil {
			return 0, fmt.Errorf("failed to disable triggers on %s: %w", qualified, err)
		}
		if err := l.conn.Exec(ctx, "DELETE FROM "+qualified); err != nil {
			return 0, fmt.Errorf("failed to delete from %s: %w", qualified, err)
		}
	}

	query := fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT CSV, HEADER)", qualified, columns)
	l.log.Debug("csvload: copying", "query", query)
	n, err := l.conn.CopyFrom(ctx, bufio.NewReader(file), query)
	if err != nil {
		return 0, fmt.Errorf("failed to copy %s into %s: %w", path, qualified, err)
	}

	if deleteFirst {
		if err := l.conn.Exec(ctx, "ALTER TABLE "+qualified+" ENABLE TRIGGER ALL"); err != nil {
			return 0, fmt.Errorf("failed to enable triggers on %s: %w", qualified, err)
		}
	}
	return n, nil
}

// readHeader returns the quoted column list from the first CSV record.
func readHeader(r io.Reader) (string, error) {
	rec, err := csv.NewReader(r).Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", errors.New("file is empty")
		}
		return "", err
	}

	cols := make([]string, len(rec))
	for i, c := range rec {
		cols[i] = strings.TrimSpace(c)
	}
	cols[0] = strings.TrimPrefix(cols[0], "\ufeff")
	return postgres.IdentList(cols)
}
