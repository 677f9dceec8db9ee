package postgres

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ErrInvalidIdentifier is returned for names that are not plain unquoted
// PostgreSQL identifiers.
var ErrInvalidIdentifier = errors.New("invalid identifier")

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// maxIdentifierLen is NAMEDATALEN-1 on a default build.
const maxIdentifierLen = 63

// ValidateIdentifier checks that name can be interpolated into SQL text
// without quoting.
func ValidateIdentifier(name string) error {
	if len(name) > maxIdentifierLen || !identifierRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// Normalize validates name and folds it the way the server folds unquoted
// identifiers.
func Normalize(name string) (string, error) {
	name = strings.TrimSpace(name)
	if err := ValidateIdentifier(name); err != nil {
		return "", err
	}
	return strings.ToLower(name), nil
}

// Ident validates each part and returns the quoted, dot-joined name, e.g.
// Ident("cdm", "Person") is `"cdm"."person"`.
func Ident(parts ...string) (string, error) {
	id := make(pgx.Identifier, 0, len(parts))
	for _, p := range parts {
		n, err := Normalize(p)
		if err != nil {
			return "", err
		}
		id = append(id, n)
	}
	return id.Sanitize(), nil
}

// IdentList quotes a list of column names.
func IdentList(names []string) (string, error) {
	quoted := make([]string, 0, len(names))
	for _, n := range names {
		q, err := Ident(n)
		if err != nil {
			return "", err
		}
		quoted = append(quoted, q)
	}
	return strings.Join(quoted, ", "), nil
}
