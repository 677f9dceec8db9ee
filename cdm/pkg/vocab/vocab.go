// Package vocab classifies OMOP tables into the standardised vocabulary set,
// which lives in its own schema, and everything else, which lives in the CDM
// schema.
package vocab

import "strings"

// Tables lists the vocabulary tables in load order.
var Tables = []string{
	"concept",
	"concept_ancestor",
	"concept_class",
	"concept_relationship",
	"concept_synonym",
	"domain",
	"drug_strength",
	"relationship",
	"vocabulary",
}

var tableSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(Tables))
	for _, t := range Tables {
		m[t] = struct{}{}
	}
	return m
}()

// BareName strips any schema qualifier and returns the lower-cased table name.
func BareName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.ToLower(strings.TrimSpace(name))
}

// IsVocabularyTable reports whether name, optionally schema-qualified and in
// any case, is one of the vocabulary tables.
func IsVocabularyTable(name string) bool {
	_, ok := tableSet[BareName(name)]
	return ok
}

// FileName is the archive entry holding table, e.g. CONCEPT.csv.
func FileName(table string) string {
	return strings.ToUpper(BareName(table)) + ".csv"
}
