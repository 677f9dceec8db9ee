package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/omop/cdm/pkg/csvload"
	"github.com/malbeclabs/omop/cdm/pkg/postgres"
	"github.com/malbeclabs/omop/cdm/pkg/stage"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func plan(t *testing.T, action stage.Action) []stage.Step {
	t.Helper()
	steps, err := stage.Plan(action, false)
	require.NoError(t, err)
	return steps
}

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("--"), 0o644))
	return p
}

func TestOMOP_Config_FromEnv_Defaults(t *testing.T) {
	t.Parallel()

	cfg := FromEnv(envMap(nil))
	require.Equal(t, DefaultConnStr, cfg.ConnStr)
	require.Equal(t, stage.Schemas{CDM: "cdm", Vocabulary: "vocab", Results: "results"}, cfg.Schemas)
	require.Equal(t, csvload.DefaultPattern, cfg.DataPattern)
	require.Equal(t, DefaultSentryEnv, cfg.SentryEnvironment)
	require.Empty(t, cfg.Templates.DDL)
	require.Empty(t, cfg.VocabArchive)
}

func TestOMOP_Config_FromEnv(t *testing.T) {
	t.Parallel()

	cfg := FromEnv(envMap(map[string]string{
		EnvConnStr:           "postgres://u:p@db:5432/cdm",
		EnvOMOPSchema:        "omop",
		EnvVocabSchema:       "voc",
		EnvDDLFile:           "/t/ddl.sql",
		EnvKeysFile:          "/t/pk.sql",
		EnvLegacyIndexesFile: "/t/legacy_idx.sql",
		EnvConstraintsFile:   "/t/fk.sql",
		EnvDataPath:          "/data",
		EnvVocabZip:          "s3://athena/vocab.zip",
	}))
	require.Equal(t, "postgres://u:p@db:5432/cdm", cfg.ConnStr)
	require.Equal(t, stage.Schemas{CDM: "omop", Vocabulary: "voc", Results: "results"}, cfg.Schemas)
	require.Equal(t, stage.Templates{
		DDL:         "/t/ddl.sql",
		PrimaryKeys: "/t/pk.sql",
		Indexes:     "/t/legacy_idx.sql",
		ForeignKeys: "/t/fk.sql",
	}, cfg.Templates)
	require.Equal(t, "/data", cfg.DataPath)
	require.Equal(t, "s3://athena/vocab.zip", cfg.VocabArchive)

	cfg = FromEnv(envMap(map[string]string{
		EnvIndexesFile:       "/t/idx.sql",
		EnvLegacyIndexesFile: "/t/legacy_idx.sql",
	}))
	require.Equal(t, "/t/idx.sql", cfg.Templates.Indexes)
}

func TestOMOP_Config_LoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "omop.env")
	require.NoError(t, os.WriteFile(p, []byte("YAOL_DB_OMOP_SCHEMA=fromfile\nYAOL_DB_VOCAB_SCHEMA=fromfile\n"), 0o644))
	t.Setenv(EnvVocabSchema, "fromenv")
	t.Setenv(EnvOMOPSchema, "")
	require.NoError(t, os.Unsetenv(EnvOMOPSchema))

	require.NoError(t, LoadEnvFile(p))
	cfg := FromEnv(os.Getenv)
	require.Equal(t, "fromfile", cfg.Schemas.CDM)
	require.Equal(t, "fromenv", cfg.Schemas.Vocabulary, "environment wins over the env file")

	require.Error(t, LoadEnvFile(filepath.Join(dir, "missing.env")))
}

func TestOMOP_Config_Flags(t *testing.T) {
	t.Parallel()

	cfg := FromEnv(envMap(map[string]string{EnvOMOPSchema: "fromenv", EnvVocabSchema: "vocenv"}))

	f := NewFlags("omoploader")
	require.NoError(t, f.Parse([]string{"--omop-schema", "fromflag", "--dry-run", "-d", "--skip-check", "index"}))
	f.Apply(&cfg)

	require.Equal(t, "fromflag", cfg.Schemas.CDM)
	require.Equal(t, "vocenv", cfg.Schemas.Vocabulary, "unset flags keep the environment value")
	require.True(t, cfg.DryRun)
	require.True(t, cfg.Debug)
	require.True(t, cfg.SkipCheck)

	action, err := f.Action()
	require.NoError(t, err)
	require.Equal(t, stage.ActionIndex, action)
}

func TestOMOP_Config_Flags_Action(t *testing.T) {
	t.Parallel()

	f := NewFlags("omoploader")
	f.fs.SetOutput(io.Discard)
	require.NoError(t, f.Parse(nil))
	_, err := f.Action()
	require.Error(t, err)

	f = NewFlags("omoploader")
	require.NoError(t, f.Parse([]string{"truncate"}))
	_, err = f.Action()
	require.True(t, errors.Is(err, stage.ErrUnknownAction))

	f = NewFlags("omoploader")
	f.fs.SetOutput(io.Discard)
	require.Error(t, f.Parse([]string{"--no-such-flag"}))
}

func TestOMOP_Config_Validate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	full := func() Config {
		cfg := FromEnv(envMap(nil))
		cfg.Templates = stage.Templates{
			DDL:         touch(t, dir, "ddl.sql"),
			PrimaryKeys: touch(t, dir, "pk.sql"),
			Indexes:     touch(t, dir, "idx.sql"),
			ForeignKeys: touch(t, dir, "fk.sql"),
		}
		cfg.DataPath = dir
		cfg.VocabArchive = touch(t, dir, "vocab.zip")
		return cfg
	}

	t.Run("complete", func(t *testing.T) {
		cfg := full()
		cfg.Schemas.CDM = " OMOP "
		require.NoError(t, cfg.Validate(plan(t, stage.ActionAll)))
		require.Equal(t, "omop", cfg.Schemas.CDM)
	})

	t.Run("clean needs no files", func(t *testing.T) {
		cfg := FromEnv(envMap(nil))
		require.NoError(t, cfg.Validate(plan(t, stage.ActionClean)))
	})

	t.Run("invalid schema", func(t *testing.T) {
		cfg := full()
		cfg.Schemas.Vocabulary = "voc-1"
		err := cfg.Validate(plan(t, stage.ActionClean))
		require.True(t, errors.Is(err, postgres.ErrInvalidIdentifier))
		require.ErrorContains(t, err, EnvVocabSchema)
	})

	t.Run("missing template for dependency", func(t *testing.T) {
		cfg := full()
		cfg.Templates.DDL = ""
		require.EqualError(t, cfg.Validate(plan(t, stage.ActionIndex)), "YAOL_DDL_FILE is required for build")

		steps, err := stage.Plan(stage.ActionIndex, true)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate(steps), "skip-check only needs the named stage")
	})

	t.Run("template is a directory", func(t *testing.T) {
		cfg := full()
		cfg.Templates.ForeignKeys = dir
		require.ErrorContains(t, cfg.Validate(plan(t, stage.ActionFKeys)), "is a directory")
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := full()
		cfg.Templates.PrimaryKeys = filepath.Join(dir, "none.sql")
		require.ErrorContains(t, cfg.Validate(plan(t, stage.ActionPKeys)), EnvKeysFile)
	})

	t.Run("bad data pattern", func(t *testing.T) {
		cfg := full()
		cfg.DataPattern = `^([a-z]+)\.csv$`
		err := cfg.Validate(plan(t, stage.ActionLoad))
		require.True(t, errors.Is(err, csvload.ErrMissingTableGroup))
	})

	t.Run("data path is a file", func(t *testing.T) {
		cfg := full()
		cfg.DataPath = cfg.Templates.DDL
		require.ErrorContains(t, cfg.Validate(plan(t, stage.ActionLoad)), "is not a directory")
	})

	t.Run("s3 archive is not stat'd", func(t *testing.T) {
		cfg := full()
		cfg.VocabArchive = "s3://athena/vocab.zip"
		require.NoError(t, cfg.Validate(plan(t, stage.ActionVocabs)))

		cfg.VocabArchive = "s3://athena"
		require.Error(t, cfg.Validate(plan(t, stage.ActionVocabs)))
	})
}
