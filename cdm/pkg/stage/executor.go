package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/omop/cdm/pkg/archive"
	"github.com/malbeclabs/omop/cdm/pkg/csvload"
	"github.com/malbeclabs/omop/cdm/pkg/metrics"
	"github.com/malbeclabs/omop/cdm/pkg/postgres"
	"github.com/malbeclabs/omop/cdm/pkg/probe"
	"github.com/malbeclabs/omop/cdm/pkg/template"
)

// Schemas names the three schemas the loader manages. Results is created
// and dropped but never written to.
type Schemas struct {
	CDM        string
	Vocabulary string
	Results    string
}

// Distinct returns CDM, Vocabulary and Results with duplicates removed.
func (s Schemas) Distinct() []string {
	var out []string
	seen := make(map[string]bool, 3)
	for _, name := range []string{s.CDM, s.Vocabulary, s.Results} {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func (s Schemas) templates() template.Schemas {
	return template.Schemas{CDM: s.CDM, Vocabulary: s.Vocabulary}
}

// Templates holds the paths of the OHDSI template files.
type Templates struct {
	DDL         string
	PrimaryKeys string
	Indexes     string
	ForeignKeys string
}

// ArchiveFetcher makes a vocabulary archive available as a local file.
type ArchiveFetcher interface {
	Fetch(ctx context.Context, src string) (string, func(), error)
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Schemas     Schemas
	Templates   Templates
	DataPath    string
	DataPattern string
	// VocabArchive is a local path or s3:// URI.
	VocabArchive string
	Archives     ArchiveFetcher
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	for _, name := range []*string{&cfg.Schemas.CDM, &cfg.Schemas.Vocabulary, &cfg.Schemas.Results} {
		n, err := postgres.Normalize(*name)
		if err != nil {
			return fmt.Errorf("invalid schema name: %w", err)
		}
		*name = n
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.DataPattern == "" {
		cfg.DataPattern = csvload.DefaultPattern
	}
	if cfg.Archives == nil {
		fetcher, err := archive.New(archive.Config{Logger: cfg.Logger})
		if err != nil {
			return fmt.Errorf("failed to create archive fetcher: %w", err)
		}
		cfg.Archives = fetcher
	}
	return nil
}

// StageReport summarises one step. Applied counts objects created or
// dropped and tables loaded. Skipped counts those already in place.
type StageReport struct {
	Stage    Stage
	Applied  int
	Skipped  int
	Rows     int64
	Duration time.Duration
}

// Executor runs single steps against a connection.
type Executor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{log: cfg.Logger, cfg: cfg}, nil
}

// Execute runs step on conn.
func (e *Executor) Execute(ctx context.Context, conn postgres.Conn, step Step) (StageReport, error) {
	span := sentry.StartSpan(ctx, "omop.stage", sentry.WithDescription(step.String()))
	defer span.Finish()
	ctx = span.Context()

	start := e.cfg.Clock.Now()
	rep := StageReport{Stage: step.Stage}

	err := e.execute(ctx, conn, step, &rep)

	rep.Duration = e.cfg.Clock.Since(start)
	metrics.StageDuration.WithLabelValues(string(step.Stage)).Observe(rep.Duration.Seconds())
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		metrics.StageRunsTotal.WithLabelValues(string(step.Stage), metrics.StatusError).Inc()
		return rep, err
	}
	span.Status = sentry.SpanStatusOK
	metrics.StageRunsTotal.WithLabelValues(string(step.Stage), metrics.StatusSuccess).Inc()

	e.log.Info("stage complete", "stage", step.String(), "applied", rep.Applied, "skipped", rep.Skipped, "rows", rep.Rows, "duration", rep.Duration)
	return rep, nil
}

func (e *Executor) execute(ctx context.Context, conn postgres.Conn, step Step, rep *StageReport) error {
	prober, err := probe.New(probe.Config{Logger: e.log, Conn: conn})
	if err != nil {
		return fmt.Errorf("failed to create prober: %w", err)
	}
	r := &stageRun{Executor: e, conn: conn, prober: prober, rep: rep}

	e.log.Debug("stage: starting", "stage", step.String())
	switch step.Stage {
	case Clean:
		return r.clean(ctx)
	case Build:
		return r.build(ctx)
	case Vocabs:
		return r.vocabs(ctx)
	case Load:
		return r.load(ctx, step.DeleteFirst)
	case PKeys:
		return r.constraints(ctx, "primary keys", e.cfg.Templates.PrimaryKeys, template.ParsePrimaryKeys)
	case Index:
		return r.indexes(ctx)
	case FKeys:
		return r.constraints(ctx, "foreign keys", e.cfg.Templates.ForeignKeys, template.ParseForeignKeys)
	default:
		return fmt.Errorf("unknown stage %q", step.Stage)
	}
}

type stageRun struct {
	*Executor
	conn   postgres.Conn
	prober *probe.Prober
	rep    *StageReport
}

func (r *stageRun) applied() {
	r.rep.Applied++
	metrics.ObjectsTotal.WithLabelValues(string(r.rep.Stage), metrics.ResultApplied).Inc()
}

func (r *stageRun) skipped() {
	r.rep.Skipped++
	metrics.ObjectsTotal.WithLabelValues(string(r.rep.Stage), metrics.ResultSkipped).Inc()
}

func (r *stageRun) exec(ctx context.Context, sql string) error {
	r.log.Debug("stage: executing", "stage", r.rep.Stage, "sql", sql)
	if err := r.conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to execute %q: %w", sql, err)
	}
	return nil
}

func (r *stageRun) clean(ctx context.Context) error {
	for _, schema := range r.cfg.Schemas.Distinct() {
		exists, err := r.prober.SchemaExists(ctx, schema)
		if err != nil {
			return err
		}
		if !exists {
			r.log.Debug("stage: schema absent, not dropping", "schema", schema)
			r.skipped()
			continue
		}
		q, err := postgres.Ident(schema)
		if err != nil {
			return err
		}
		if err := r.exec(ctx, "DROP SCHEMA "+q+" CASCADE"); err != nil {
			return err
		}
		r.applied()
	}
	return nil
}

func (r *stageRun) build(ctx context.Context) error {
	for _, schema := range r.cfg.Schemas.Distinct() {
		exists, err := r.prober.SchemaExists(ctx, schema)
		if err != nil {
			return err
		}
		if exists {
			r.log.Debug("stage: schema exists", "schema", schema)
			r.skipped()
			continue
		}
		q, err := postgres.Ident(schema)
		if err != nil {
			return err
		}
		if err := r.exec(ctx, "CREATE SCHEMA "+q); err != nil {
			return err
		}
		r.applied()
	}

	ddl, err := readTemplate("DDL", r.cfg.Templates.DDL)
	if err != nil {
		return err
	}
	schemas := r.cfg.Schemas.templates()
	tables := template.Tables(ddl, schemas)
	if len(tables) == 0 {
		r.log.Warn("DDL template creates no tables", "file", r.cfg.Templates.DDL)
		return nil
	}

	if err := r.conn.Exec(ctx, template.RewriteDDL(ddl, schemas)); err != nil {
		return fmt.Errorf("failed to execute DDL: %w", err)
	}
	r.log.Debug("stage: executed DDL", "tables", len(tables))
	return nil
}

func (r *stageRun) loader() (*csvload.Loader, error) {
	return csvload.New(csvload.Config{Logger: r.log, Conn: r.conn, Prober: r.prober})
}

func (r *stageRun) recordLoad(res csvload.Result) {
	for _, t := range res.Loaded {
		r.applied()
		r.rep.Rows += t.Rows
		metrics.RowsLoadedTotal.WithLabelValues(metricTable(t.Table)).Add(float64(t.Rows))
	}
	for range res.Skipped {
		r.skipped()
	}
}

// metricTable turns "schema"."table" into schema.table. Validated
// identifiers hold no quotes.
func metricTable(qualified string) string {
	return strings.ReplaceAll(qualified, `"`, "")
}

func (r *stageRun) vocabs(ctx context.Context) error {
	if r.cfg.VocabArchive == "" {
		return errors.New("vocabulary archive is not configured")
	}
	path, cleanup, err := r.cfg.Archives.Fetch(ctx, r.cfg.VocabArchive)
	if err != nil {
		return err
	}
	defer cleanup()

	l, err := r.loader()
	if err != nil {
		return err
	}
	res, err := l.LoadVocabularies(ctx, r.cfg.Schemas.Vocabulary, path)
	r.recordLoad(res)
	return err
}

func (r *stageRun) load(ctx context.Context, deleteFirst bool) error {
	if r.cfg.DataPath == "" {
		return errors.New("data path is not configured")
	}
	files, err := csvload.BuildTableMap(r.cfg.DataPath, r.cfg.DataPattern)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		r.log.Warn("no data files matched", "path", r.cfg.DataPath, "pattern", r.cfg.DataPattern)
		return nil
	}

	l, err := r.loader()
	if err != nil {
		return err
	}
	res, err := l.LoadTables(ctx, r.cfg.Schemas.CDM, files, deleteFirst)
	r.recordLoad(res)
	return err
}

type constraintParser func(io.Reader, template.Schemas) ([]template.Constraint, error)

func (r *stageRun) constraints(ctx context.Context, kind, path string, parse constraintParser) error {
	f, err := openTemplate(kind, path)
	if err != nil {
		return err
	}
	defer f.Close()

	keys, err := parse(f, r.cfg.Schemas.templates())
	if err != nil {
		return fmt.Errorf("failed to parse %s template: %w", kind, err)
	}

	for _, k := range keys {
		exists, err := r.prober.KeyExists(ctx, k.Name)
		if err != nil {
			return err
		}
		if exists {
			r.log.Debug("stage: key exists", "name", k.Name)
			r.skipped()
			continue
		}
		if err := r.exec(ctx, k.SQL); err != nil {
			return err
		}
		r.applied()
	}
	return nil
}

// indexes creates the missing indexes, then clusters on the ones it created.
// An index that already existed is not clustered again.
func (r *stageRun) indexes(ctx context.Context) error {
	f, err := openTemplate("indexes", r.cfg.Templates.Indexes)
	if err != nil {
		return err
	}
	defer f.Close()

	plan, err := template.ParseIndexes(f, r.cfg.Schemas.templates())
	if err != nil {
		return fmt.Errorf("failed to parse indexes template: %w", err)
	}
	if plan.Skipped > 0 {
		r.log.Debug("stage: ignored index template lines", "count", plan.Skipped)
	}

	created := make(map[string]bool)
	for _, idx := range plan.Indexes {
		exists, err := r.prober.IndexExists(ctx, idx.Name)
		if err != nil {
			return err
		}
		if exists {
			r.log.Debug("stage: index exists", "name", idx.Name)
			r.skipped()
			continue
		}
		if err := r.exec(ctx, idx.SQL); err != nil {
			return err
		}
		created[idx.Name] = true
		r.applied()
	}

	for _, c := range plan.Clusters {
		if !created[c.Index] {
			r.log.Debug("stage: index not created this run, not clustering", "index", c.Index, "table", c.Table)
			r.skipped()
			continue
		}
		if err := r.exec(ctx, c.SQL); err != nil {
			return err
		}
		r.applied()
	}
	return nil
}

func openTemplate(kind, path string) (*os.File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%s template is not configured", kind)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s template: %w", kind, err)
	}
	return f, nil
}

func readTemplate(kind, path string) (string, error) {
	f, err := openTemplate(kind, path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("failed to read %s template: %w", kind, err)
	}
	return string(b), nil
}
