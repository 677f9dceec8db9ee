// Package template rewrites the OHDSI DDL, index and constraint templates
// for a concrete pair of CDM and vocabulary schemas.
//
// Templates address every table as <placeholder>.<table>. Each reference is
// classified on its own: vocabulary tables go to the vocabulary schema and
// everything else to the CDM schema. Index and constraint templates are read
// one statement per line and lines of any other shape are skipped.
package template

import (
	"sort"
	"strings"

	"github.com/malbeclabs/omop/cdm/pkg/vocab"
)

// Schemas names the two schemas that table references resolve to.
type Schemas struct {
	CDM        string
	Vocabulary string
}

// For returns the schema that table belongs in.
func (s Schemas) For(table string) string {
	if vocab.IsVocabularyTable(table) {
		return s.Vocabulary
	}
	return s.CDM
}

// Qualify replaces any qualifier on ref with the schema ref belongs in.
func (s Schemas) Qualify(ref string) string {
	bare := bareTable(ref)
	return s.For(bare) + "." + bare
}

func bareTable(ref string) string {
	ref = strings.TrimRight(ref, ";,")
	if i := strings.LastIndex(ref, "."); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

type span struct {
	start, end int
	text       string
}

// splice replaces each span of s with its text. Spans must not overlap.
func splice(s string, spans []span) string {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var b strings.Builder
	b.Grow(len(s) + 32)
	last := 0
	for _, sp := range spans {
		b.WriteString(s[last:sp.start])
		b.WriteString(sp.text)
		last = sp.end
	}
	b.WriteString(s[last:])
	return b.String()
}
