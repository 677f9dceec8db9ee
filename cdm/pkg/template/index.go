package template

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var (
	createIndexRe  = regexp.MustCompile(`(?i)^\s*CREATE\s+(?:UNIQUE\s+)?INDEX\s+(\S+)\s+ON\s+(?:ONLY\s+)?([^\s(;]+)`)
	clusterUsingRe = regexp.MustCompile(`(?i)^\s*CLUSTER\s+(?:VERBOSE\s+)?([^\s;]+)\s+USING\s+([^\s;]+)`)
	clusterOnRe    = regexp.MustCompile(`(?i)^\s*CLUSTER\s+(?:VERBOSE\s+)?([^\s;]+)\s+ON\s+([^\s;]+)`)
)

// Index is a single CREATE INDEX statement.
type Index struct {
	// Name is lower-cased, the way the catalog stores it.
	Name  string
	Table string
	SQL   string
}

// Cluster is a CLUSTER statement for an index.
type Cluster struct {
	Index string
	Table string
	SQL   string
}

// IndexPlan is the parsed index template. Clusters are run after every index
// has been considered.
type IndexPlan struct {
	Indexes  []Index
	Clusters []Cluster
	Skipped  int
}

// ParseIndexes reads an index template line by line.
func ParseIndexes(r io.Reader, schemas Schemas) (IndexPlan, error) {
	var plan IndexPlan

	err := scanLines(r, func(line string) {
		if m := createIndexRe.FindStringSubmatchIndex(line); m != nil {
			table := line[m[4]:m[5]]
			plan.Indexes = append(plan.Indexes, Index{
				Name:  normalizeName(line[m[2]:m[3]]),
				Table: schemas.Qualify(table),
				SQL:   strings.TrimSpace(splice(line, []span{{m[4], m[5], schemas.Qualify(table)}})),
			})
			return
		}

		if c, ok := parseCluster(line, schemas); ok {
			plan.Clusters = append(plan.Clusters, c)
			return
		}

		if strings.TrimSpace(line) != "" {
			plan.Skipped++
		}
	})
	if err != nil {
		return IndexPlan{}, err
	}
	return plan, nil
}

// parseCluster accepts both CLUSTER <table> USING <index> and the older
// CLUSTER <index> ON <table>.
func parseCluster(line string, schemas Schemas) (Cluster, bool) {
	var tableAt, indexAt int
	m := clusterUsingRe.FindStringSubmatchIndex(line)
	if m != nil {
		tableAt, indexAt = 2, 4
	} else if m = clusterOnRe.FindStringSubmatchIndex(line); m != nil {
		tableAt, indexAt = 4, 2
	} else {
		return Cluster{}, false
	}

	table := line[m[tableAt]:m[tableAt+1]]
	qualified := schemas.Qualify(table)
	return Cluster{
		Index: normalizeName(line[m[indexAt]:m[indexAt+1]]),
		Table: qualified,
		SQL:   strings.TrimSpace(splice(line, []span{{m[tableAt], m[tableAt+1], qualified}})),
	}, true
}

func scanLines(r io.Reader, fn func(line string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read template: %w", err)
	}
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Trim(name, `";`))
}
