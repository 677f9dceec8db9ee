package csvload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// TableGroup is the named capture group that yields the table name.
const TableGroup = "tablename"

// DefaultPattern matches files named after their table, e.g. person.csv.
const DefaultPattern = `^(?P<tablename>[a-z_]+).csv$`

var ErrMissingTableGroup = errors.New("data pattern has no tablename group")

// ErrDuplicateTable is returned when two data files map to the same table.
var ErrDuplicateTable = errors.New("table matched by more than one data file")

// TableFile pairs a data file with the table it loads.
type TableFile struct {
	Path  string
	Table string
}

// CompilePattern compiles pattern and checks it captures the table name.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile data pattern: %w", err)
	}
	if re.SubexpIndex(TableGroup) < 0 {
		return nil, fmt.Errorf("%w: %q", ErrMissingTableGroup, pattern)
	}
	return re, nil
}

// BuildTableMap lists dir and maps every regular file whose name matches
// pattern to the table captured by its tablename group. The match must start
// at the beginning of the name. Files are returned in name order.
func BuildTableMap(dir, pattern string) ([]TableFile, error) {
	re, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	group := re.SubexpIndex(TableGroup)
	var files []TableFile
	seen := make(map[string]string)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		loc := re.FindStringSubmatchIndex(name)
		if loc == nil || loc[0] != 0 || loc[2*group] < 0 || loc[2*group] == loc[2*group+1] {
			continue
		}
		table := name[loc[2*group]:loc[2*group+1]]
		if prev, ok := seen[table]; ok {
			return nil, fmt.Errorf("%w: %s and %s both map to %s", ErrDuplicateTable, prev, name, table)
		}
		seen[table] = name
		files = append(files, TableFile{
			Path:  filepath.Join(dir, name),
			Table: table,
		})
	}
	return files, nil
}
