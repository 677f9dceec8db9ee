package stage

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	omoptesting "github.com/malbeclabs/omop/utils/pkg/testing"
)

// vocabFixture matches the vocabulary tables in testdata/ddl.sql.
var vocabFixture = map[string]string{
	"CONCEPT.csv":              "concept_id\tconcept_name\n8507\tMALE\n8532\tFEMALE\n",
	"CONCEPT_ANCESTOR.csv":     "ancestor_concept_id\tdescendant_concept_id\n8507\t8507\n",
	"CONCEPT_CLASS.csv":        "concept_class_id\tconcept_class_name\nGender\tGender\n",
	"CONCEPT_RELATIONSHIP.csv": "concept_id_1\tconcept_id_2\n8507\t8507\n",
	"CONCEPT_SYNONYM.csv":      "concept_id\tconcept_synonym_name\n8507\tmale \"M\"\n",
	"DOMAIN.csv":               "domain_id\tdomain_name\nGender\tGender\n",
	"DRUG_STRENGTH.csv":        "drug_concept_id\tingredient_concept_id\n1\t2\n",
	"RELATIONSHIP.csv":         "relationship_id\trelationship_name\nIs a\tIs a (SNOMED)\n",
	"VOCABULARY.csv":           "vocabulary_id\tvocabulary_name\nGender\tOMOP Gender\n",
}

func writeVocabArchive(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "vocabulary_download_v5.zip")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range vocabFixture {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

type recordingFetcher struct {
	fetched []string
	cleaned int
}

func (f *recordingFetcher) Fetch(ctx context.Context, src string) (string, func(), error) {
	f.fetched = append(f.fetched, src)
	return src, func() { f.cleaned++ }, nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Logger:  omoptesting.NewLogger(),
		Clock:   clockwork.NewFakeClock(),
		Schemas: Schemas{CDM: "cdm", Vocabulary: "vocab", Results: "results"},
		Templates: Templates{
			DDL:         filepath.Join("testdata", "ddl.sql"),
			PrimaryKeys: filepath.Join("testdata", "pkeys.sql"),
			Indexes:     filepath.Join("testdata", "indexes.sql"),
			ForeignKeys: filepath.Join("testdata", "constraints.sql"),
		},
		DataPath:     filepath.Join("testdata", "data"),
		VocabArchive: writeVocabArchive(t),
	}
}

func newTestExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}
