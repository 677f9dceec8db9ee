// Package postgrestest provides an in-memory stand-in for a PostgreSQL
// session. It understands just enough of the loader's statements to track
// schemas, tables, keys, indexes and row counts.
package postgrestest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/malbeclabs/omop/cdm/pkg/postgres"
)

var (
	createSchemaRe = regexp.MustCompile(`(?i)^CREATE\s+SCHEMA\s+(\S+)`)
	dropSchemaRe   = regexp.MustCompile(`(?i)^DROP\s+SCHEMA\s+(\S+)`)
	createTableRe  = regexp.MustCompile(`(?i)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([^\s(]+)`)
	addConstraint  = regexp.MustCompile(`(?i)^ALTER\s+TABLE\s+\S+\s+ADD\s+CONSTRAINT\s+(\S+)`)
	createIndexRe  = regexp.MustCompile(`(?i)^CREATE\s+(?:UNIQUE\s+)?INDEX\s+(\S+)\s+ON`)
	deleteFromRe   = regexp.MustCompile(`(?i)^DELETE\s+FROM\s+(\S+)`)
	countFromRe    = regexp.MustCompile(`(?i)count\(\*\)\s+FROM\s+(\S+)`)
	copyIntoRe     = regexp.MustCompile(`(?i)^COPY\s+(\S+)`)
)

// Copy records one COPY ... FROM STDIN call.
type Copy struct {
	SQL  string
	Data string
	Rows int64
}

// DB is a fake session. The zero value is not usable; call NewDB.
type DB struct {
	mu sync.Mutex

	Schemas map[string]bool
	Tables  map[string]bool
	Keys    map[string]bool
	Indexes map[string]bool
	Rows    map[string]int64

	Statements []string
	Copies     []Copy
	Queries    int

	// ExecErr, if set, is consulted before every Exec and CopyFrom.
	ExecErr func(sql string) error

	Commits   int
	Rollbacks int
	closed    bool
}

func NewDB() *DB {
	return &DB{
		Schemas: map[string]bool{},
		Tables:  map[string]bool{},
		Keys:    map[string]bool{},
		Indexes: map[string]bool{},
		Rows:    map[string]int64{},
	}
}

var _ postgres.Tx = (*DB)(nil)

// AddTable registers schema.table holding rows rows.
func (db *DB) AddTable(schema, table string, rows int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.Schemas[normalize(schema)] = true
	name := normalize(schema + "." + table)
	db.Tables[name] = true
	db.Rows[name] = rows
}

// Executed returns a copy of the statements run so far.
func (db *DB) Executed() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.Statements...)
}

// ResetLog forgets recorded statements and copies, keeping state.
func (db *DB) ResetLog() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.Statements = nil
	db.Copies = nil
}

func (db *DB) Exec(ctx context.Context, sql string, args ...any) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.ExecErr != nil {
		if err := db.ExecErr(sql); err != nil {
			return err
		}
	}
	db.Statements = append(db.Statements, sql)

	stmt := strings.TrimSpace(sql)
	switch {
	case createSchemaRe.MatchString(stmt):
		db.Schemas[normalize(createSchemaRe.FindStringSubmatch(stmt)[1])] = true
	case dropSchemaRe.MatchString(stmt):
		schema := normalize(dropSchemaRe.FindStringSubmatch(stmt)[1])
		delete(db.Schemas, schema)
		for name := range db.Tables {
			if strings.HasPrefix(name, schema+".") {
				delete(db.Tables, name)
				delete(db.Rows, name)
			}
		}
	case addConstraint.MatchString(stmt):
		db.Keys[normalize(addConstraint.FindStringSubmatch(stmt)[1])] = true
	case createIndexRe.MatchString(stmt):
		db.Indexes[normalize(createIndexRe.FindStringSubmatch(stmt)[1])] = true
	case deleteFromRe.MatchString(stmt):
		db.Rows[normalize(deleteFromRe.FindStringSubmatch(stmt)[1])] = 0
	default:
		for _, m := range createTableRe.FindAllStringSubmatch(stmt, -1) {
			name := normalize(m[1])
			if !db.Tables[name] {
				db.Tables[name] = true
				db.Rows[name] = 0
			}
		}
	}
	return nil
}

func (db *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.Queries++

	arg := ""
	if len(args) > 0 {
		arg, _ = args[0].(string)
	}

	switch {
	case strings.Contains(sql, "information_schema.schemata"):
		return row{value: db.Schemas[arg]}
	case strings.Contains(sql, "information_schema.table_constraints"):
		return row{value: db.Keys[arg]}
	case strings.Contains(sql, "pg_indexes"):
		return row{value: db.Indexes[arg]}
	case countFromRe.MatchString(sql):
		name := normalize(countFromRe.FindStringSubmatch(sql)[1])
		if !db.Tables[name] {
			return row{err: &pgconn.PgError{Code: "42P01", Message: fmt.Sprintf("relation %q does not exist", name)}}
		}
		return row{value: db.Rows[name]}
	}
	return row{err: fmt.Errorf("postgrestest: unsupported query %q", sql)}
}

func (db *DB) CopyFrom(ctx context.Context, r io.Reader, sql string) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.ExecErr != nil {
		if err := db.ExecErr(sql); err != nil {
			return 0, err
		}
	}

	m := copyIntoRe.FindStringSubmatch(strings.TrimSpace(sql))
	if m == nil {
		return 0, fmt.Errorf("postgrestest: unsupported copy %q", sql)
	}
	name := normalize(m[1])
	if !db.Tables[name] {
		return 0, &pgconn.PgError{Code: "42P01", Message: fmt.Sprintf("relation %q does not exist", name)}
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	var n int64
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	if n > 0 && strings.Contains(strings.ToUpper(sql), "HEADER") {
		n--
	}

	db.Rows[name] += n
	db.Copies = append(db.Copies, Copy{SQL: sql, Data: string(data), Rows: n})
	return n, nil
}

func (db *DB) Commit(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return pgx.ErrTxClosed
	}
	db.closed = true
	db.Commits++
	return nil
}

func (db *DB) Rollback(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return pgx.ErrTxClosed
	}
	db.closed = true
	db.Rollbacks++
	return nil
}

// Client hands out DB as the transaction for every Begin.
type Client struct {
	DB       *DB
	BeginErr error
	Closed   bool
}

var _ postgres.Client = (*Client)(nil)

func (c *Client) Begin(ctx context.Context) (postgres.Tx, error) {
	if c.BeginErr != nil {
		return nil, c.BeginErr
	}
	c.DB.mu.Lock()
	c.DB.closed = false
	c.DB.mu.Unlock()
	return c.DB, nil
}

func (c *Client) Close(ctx context.Context) error {
	c.Closed = true
	return nil
}

type row struct {
	value any
	err   error
}

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 1 {
		return errors.New("postgrestest: expected one scan destination")
	}
	switch d := dest[0].(type) {
	case *bool:
		v, ok := r.value.(bool)
		if !ok {
			return fmt.Errorf("postgrestest: cannot scan %T into *bool", r.value)
		}
		*d = v
	case *int64:
		v, ok := r.value.(int64)
		if !ok {
			return fmt.Errorf("postgrestest: cannot scan %T into *int64", r.value)
		}
		*d = v
	default:
		return fmt.Errorf("postgrestest: unsupported scan destination %T", dest[0])
	}
	return nil
}

func normalize(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimRight(name, ";"), `"`, ""))
}
