// Package sqlutil provides identifier quoting and validation shared by the
// local mirror and the remote adapters.
package sqlutil

import (
	"regexp"
	"strconv"
	"strings"
)

// QuoteIdentifier quotes a MySQL identifier with backticks, doubling any
// embedded backtick.
// Example: "order_items" -> "`order_items`"
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteIdent quotes an ANSI identifier (SQLite, PostgreSQL) with double
// quotes, doubling any embedded double quote.
// Example: "order_items" -> "\"order_items\""
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Only alphanumerics and underscore are accepted for table and column names
// that reach generated SQL.
var validIdentifierRegex = regexp.MustCompile("^[a-zA-Z0-9_]+$")

// IsValidIdentifier reports whether name only contains alphanumeric characters
// and underscores.
func IsValidIdentifier(name string) bool {
	return validIdentifierRegex.MatchString(name)
}

// QuoteIdentifierSafe validates name and quotes it for MySQL.
func QuoteIdentifierSafe(name string) (string, error) {
	if !IsValidIdentifier(name) {
		return "", &InvalidIdentifierError{Name: name}
	}
	return QuoteIdentifier(name), nil
}

// QuoteIdentSafe validates name and quotes it for SQLite or PostgreSQL.
func QuoteIdentSafe(name string) (string, error) {
	if !IsValidIdentifier(name) {
		return "", &InvalidIdentifierError{Name: name}
	}
	return QuoteIdent(name), nil
}

// DollarPlaceholders returns "$from, $from+1, ..." for n PostgreSQL parameters.
func DollarPlaceholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(from+i)
	}
	return strings.Join(parts, ", ")
}

// QuestionPlaceholders returns "?, ?, ..." for n MySQL/SQLite parameters.
func QuestionPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// InvalidIdentifierError is returned when an identifier contains invalid characters.
type InvalidIdentifierError struct {
	Name string
}

func (e *InvalidIdentifierError) Error() string {
	return "invalid identifier: " + e.Name + " (must contain only alphanumeric characters and underscores)"
}
