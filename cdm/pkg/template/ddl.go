package template

import "regexp"

var createTableRe = regexp.MustCompile(`(?i)\bCREATE\s+TABLE\s+(IF\s+NOT\s+EXISTS\s+)?([^\s(]+)`)

// RewriteDDL qualifies every CREATE TABLE in ddl with its resolved schema and
// guards it with IF NOT EXISTS. The result executes as one batch.
func RewriteDDL(ddl string, schemas Schemas) string {
	matches := createTableRe.FindAllStringSubmatchIndex(ddl, -1)
	if len(matches) == 0 {
		return ddl
	}

	spans := make([]span, 0, len(matches))
	for _, m := range matches {
		table := ddl[m[4]:m[5]]
		spans = append(spans, span{
			start: m[0],
			end:   m[1],
			text:  "CREATE TABLE IF NOT EXISTS " + schemas.Qualify(table),
		})
	}
	return splice(ddl, spans)
}

// Tables returns the qualified names of the tables RewriteDDL would create,
// in template order.
func Tables(ddl string, schemas Schemas) []string {
	var tables []string
	for _, m := range createTableRe.FindAllStringSubmatch(ddl, -1) {
		tables = append(tables, schemas.Qualify(m[2]))
	}
	return tables
}
