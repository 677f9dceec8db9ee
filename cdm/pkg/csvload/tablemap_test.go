package csvload

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOMOP_CSVLoad_BuildTableMap(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"person.csv", "observation_period.csv", "README.md", "Visit.CSV"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("a\n1\n"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "death.csv"), 0o755))

	files, err := BuildTableMap(dir, DefaultPattern)
	require.NoError(t, err)
	require.Equal(t, []TableFile{
		{Path: filepath.Join(dir, "observation_period.csv"), Table: "observation_period"},
		{Path: filepath.Join(dir, "person.csv"), Table: "person"},
	}, files)
}

func TestOMOP_CSVLoad_BuildTableMap_CustomPattern(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"synthea_person_2024.csv", "synthea_measurement_2024.csv", "person.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	files, err := BuildTableMap(dir, `^synthea_(?P<tablename>[a-z_]+)_\d{4}\.csv$`)
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, "measurement", files[0].Table)
	require.Equal(t, "person", files[1].Table)
}

func TestOMOP_CSVLoad_BuildTableMap_Errors(t *testing.T) {
	t.Parallel()

	_, err := BuildTableMap(t.TempDir(), `^([a-z_]+)\.csv$`)
	require.True(t, errors.Is(err, ErrMissingTableGroup))

	_, err = BuildTableMap(t.TempDir(), `^(?P<tablename>[a-z_+\.csv$`)
	require.Error(t, err)

	_, err = BuildTableMap(filepath.Join(t.TempDir(), "missing"), DefaultPattern)
	require.Error(t, err)
}

func TestOMOP_CSVLoad_BuildTableMap_AnchoredAtStart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"person.csv", "2024person.csv", "old-visit_occurrence.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	files, err := BuildTableMap(dir, `(?P<tablename>[a-z_]+)\.csv`)
	require.NoError(t, err)
	require.Equal(t, []TableFile{
		{Path: filepath.Join(dir, "person.csv"), Table: "person"},
	}, files)
}

func TestOMOP_CSVLoad_BuildTableMap_DuplicateTable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"person.csv", "person_2024.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	_, err := BuildTableMap(dir, `^(?P<tablename>[a-z]+)(_\d{4})?\.csv$`)
	require.True(t, errors.Is(err, ErrDuplicateTable))
	require.ErrorContains(t, err, "person.csv and person_2024.csv")
}
