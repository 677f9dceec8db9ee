package template

import (
	"io"
	"regexp"
	"strings"
)

var (
	primaryKeyRe = regexp.MustCompile(`(?i)^\s*ALTER\s+TABLE\s+(?:ONLY\s+)?(\S+)\s+ADD\s+CONSTRAINT\s+(\S+)\s+PRIMARY\s+KEY\b`)
	foreignKeyRe = regexp.MustCompile(`(?i)^\s*ALTER\s+TABLE\s+(?:ONLY\s+)?(\S+)\s+ADD\s+CONSTRAINT\s+(\S+)\s+FOREIGN\s+KEY\b.*?\bREFERENCES\s+([^\s(;]+)`)
)

// Constraint is a single ALTER TABLE ... ADD CONSTRAINT statement.
type Constraint struct {
	Name  string
	Table string
	// References is set for foreign keys only.
	References string
	SQL        string
}

// ParsePrimaryKeys reads a primary key template.
func ParsePrimaryKeys(r io.Reader, schemas Schemas) ([]Constraint, error) {
	var keys []Constraint
	err := scanLines(r, func(line string) {
		m := primaryKeyRe.FindStringSubmatchIndex(line)
		if m == nil {
			return
		}
		table := schemas.Qualify(line[m[2]:m[3]])
		keys = append(keys, Constraint{
			Name:  normalizeName(line[m[4]:m[5]]),
			Table: table,
			SQL:   strings.TrimSpace(splice(line, []span{{m[2], m[3], table}})),
		})
	})
	return keys, err
}

// ParseForeignKeys reads a foreign key template. The owning and referenced
// tables are resolved independently, so a CDM table may reference a
// vocabulary table.
func ParseForeignKeys(r io.Reader, schemas Schemas) ([]Constraint, error) {
	var keys []Constraint
	err := scanLines(r, func(line string) {
		m := foreignKeyRe.FindStringSubmatchIndex(line)
		if m == nil {
			return
		}
		table := schemas.Qualify(line[m[2]:m[3]])
		ref := schemas.Qualify(line[m[6]:m[7]])
		keys = append(keys, Constraint{
			Name:       normalizeName(line[m[4]:m[5]]),
			Table:      table,
			References: ref,
			SQL: strings.TrimSpace(splice(line, []span{
				{m[2], m[3], table},
				{m[6], m[7], ref},
			})),
		})
	})
	return keys, err
}
