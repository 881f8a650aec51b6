package mirror

import "fmt"

// StoreError wraps every failure of the local mirror. The transaction that
// produced it has been rolled back.
type StoreError struct {
	Op    string
	Table string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("mirror %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mirror %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op, table string, err error) error {
	if err == nil {
		return nil
	}
	if se, ok := err.(*StoreError); ok {
		return se
	}
	return &StoreError{Op: op, Table: table, Err: err}
}
