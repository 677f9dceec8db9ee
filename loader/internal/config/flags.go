package config

import (
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/omop/cdm/pkg/stage"
)

// Flags holds the command line. Values only override the environment when
// the flag was given explicitly.
type Flags struct {
	fs *flag.FlagSet

	Debug     bool
	DryRun    bool
	SkipCheck bool
	EnvFile   string

	connStr            string
	omopSchema         string
	vocabSchema        string
	resultsSchema      string
	metricsPushgateway string
}

func NewFlags(name string) *Flags {
	f := &Flags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}

	f.fs.BoolVarP(&f.Debug, "debug", "d", false, "enable debug logging")
	f.fs.BoolVar(&f.DryRun, "dry-run", false, "roll the transaction back on completion")
	f.fs.BoolVar(&f.SkipCheck, "skip-check", false, "run only the named stage, not the stages it depends on")
	f.fs.StringVar(&f.EnvFile, "env-file", "", "env file to load (default .env if present)")

	f.fs.StringVar(&f.connStr, "conn", "", "PostgreSQL connection string (or set "+EnvConnStr+" env var)")
	f.fs.StringVar(&f.omopSchema, "omop-schema", "", "CDM schema (or set "+EnvOMOPSchema+" env var)")
	f.fs.StringVar(&f.vocabSchema, "vocab-schema", "", "vocabulary schema (or set "+EnvVocabSchema+" env var)")
	f.fs.StringVar(&f.resultsSchema, "results-schema", "", "results schema (or set "+EnvResultsSchema+" env var)")
	f.fs.StringVar(&f.metricsPushgateway, "metrics-pushgateway", "", "Prometheus Pushgateway URL (or set "+EnvMetricsPushgateway+" env var)")

	f.fs.Usage = func() {
		out := f.fs.Output()
		actions := make([]string, len(stage.Actions))
		for i, a := range stage.Actions {
			actions[i] = string(a)
		}
		fmt.Fprintf(out, "Usage: %s [flags] <%s>\n\nFlags:\n", name, strings.Join(actions, "|"))
		f.fs.PrintDefaults()
	}
	return f
}

func (f *Flags) Parse(args []string) error {
	return f.fs.Parse(args)
}

// Action parses the single positional argument.
func (f *Flags) Action() (stage.Action, error) {
	args := f.fs.Args()
	if len(args) != 1 {
		f.fs.Usage()
		return "", fmt.Errorf("expected exactly one action, got %d", len(args))
	}
	return stage.ParseAction(args[0])
}

// Apply overrides cfg with the flags that were set.
func (f *Flags) Apply(cfg *Config) {
	override := func(name string, dst *string, v string) {
		if f.fs.Changed(name) {
			*dst = v
		}
	}
	override("conn", &cfg.ConnStr, f.connStr)
	override("omop-schema", &cfg.Schemas.CDM, f.omopSchema)
	override("vocab-schema", &cfg.Schemas.Vocabulary, f.vocabSchema)
	override("results-schema", &cfg.Schemas.Results, f.resultsSchema)
	override("metrics-pushgateway", &cfg.MetricsPushgateway, f.metricsPushgateway)

	cfg.Debug = f.Debug
	cfg.DryRun = f.DryRun
	cfg.SkipCheck = f.SkipCheck
}
