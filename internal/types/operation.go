package types

import (
	"fmt"
	"strings"
)

// Operation is the kind of row mutation carried by outbox entries and change events.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of insert, update or delete.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

func (op Operation) String() string { return string(op) }

// ParseOperation parses an operation name case-insensitively. Change feeds
// commonly report INSERT/UPDATE/DELETE in upper case.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return op, nil
}
