package mirror

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/dbsmedya/posmirror/internal/sqlutil"
	"github.com/dbsmedya/posmirror/internal/types"
)

// ErrUnknownTable is returned for table names that are not registered.
var ErrUnknownTable = errors.New("unknown table")

// KeyKind is the type of a table's primary key on the remote store.
type KeyKind string

const (
	KeyText    KeyKind = "text"
	KeyInteger KeyKind = "integer"
)

// RowMapper reshapes a remote row into its local form. now is the sync time
// stamped into mapped rows.
type RowMapper func(row types.Row, now time.Time) (types.Row, error)

// TableSpec describes one mirrored table.
type TableSpec struct {
	Name      string
	KeyColumn string // defaults to "id"
	KeyKind   KeyKind
	Mapper    RowMapper // nil mirrors rows as returned by the remote store

	// LocalAutoKey tables are keyed locally by an autoincrement id that the
	// remote store never sees. Rows are matched to remote changes through
	// NaturalKey instead.
	LocalAutoKey bool
	NaturalKey   []string

	// Columns stamped from the current identity when a row is created locally.
	OwnerColumn string
	StoreColumn string
}

func (s *TableSpec) normalize() error {
	if !sqlutil.IsValidIdentifier(s.Name) {
		return &sqlutil.InvalidIdentifierError{Name: s.Name}
	}
	if s.KeyColumn == "" {
		s.KeyColumn = "id"
	}
	if s.KeyKind == "" {
		s.KeyKind = KeyText
	}
	if s.KeyKind != KeyText && s.KeyKind != KeyInteger {
		return fmt.Errorf("table %s: unknown key kind %q", s.Name, s.KeyKind)
	}
	for _, c := range append([]string{s.KeyColumn, s.OwnerColumn, s.StoreColumn}, s.NaturalKey...) {
		if c != "" && !sqlutil.IsValidIdentifier(c) {
			return fmt.Errorf("table %s: %w", s.Name, &sqlutil.InvalidIdentifierError{Name: c})
		}
	}
	if s.LocalAutoKey && len(s.NaturalKey) == 0 {
		return fmt.Errorf("table %s: local autoincrement key requires a natural key", s.Name)
	}
	return nil
}

// HasNaturalKey reports whether rows can be located by secondary columns.
func (s *TableSpec) HasNaturalKey() bool {
	return len(s.NaturalKey) > 0
}

// NaturalValues extracts the natural key columns from row. ok is false when
// any of them is missing.
func (s *TableSpec) NaturalValues(row types.Row) (types.Row, bool) {
	if len(s.NaturalKey) == 0 {
		return nil, false
	}
	out := make(types.Row, len(s.NaturalKey))
	for _, c := range s.NaturalKey {
		if !row.Has(c) {
			return nil, false
		}
		out[c] = row[c]
	}
	return out, true
}

// Key returns the canonical primary key of row. Rows without the key column
// fall back to the natural key values joined with "|".
func (s *TableSpec) Key(row types.Row) (string, error) {
	if row.Has(s.KeyColumn) {
		return types.KeyString(row[s.KeyColumn])
	}
	if nat, ok := s.NaturalValues(row); ok {
		parts := make([]string, 0, len(s.NaturalKey))
		for _, c := range s.NaturalKey {
			k, err := types.KeyString(nat[c])
			if err != nil {
				return "", fmt.Errorf("natural key %s: %w", c, err)
			}
			parts = append(parts, k)
		}
		return strings.Join(parts, "|"), nil
	}
	return "", fmt.Errorf("row has no %s column", s.KeyColumn)
}

// KeyValue converts a canonical key back to the type the remote store expects.
func (s *TableSpec) KeyValue(id string) any {
	if s.KeyKind == KeyInteger {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			return n
		}
	}
	return id
}

// Registry maps table names to their specs in registration order.
type Registry struct {
	tables *orderedmap.OrderedMap[string, *TableSpec]
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tables: orderedmap.NewOrderedMap[string, *TableSpec](),
		now:    time.Now,
	}
}

// WithClock overrides the time stamped into mapped rows.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time {
	return r.now()
}

// Register adds a table. Registering the same name twice is an error.
func (r *Registry) Register(spec TableSpec) error {
	if err := spec.normalize(); err != nil {
		return err
	}
	if _, exists := r.tables.Get(spec.Name); exists {
		return fmt.Errorf("table %s already registered", spec.Name)
	}
	r.tables.Set(spec.Name, &spec)
	return nil
}

// Lookup returns the spec for table or ErrUnknownTable.
func (r *Registry) Lookup(table string) (*TableSpec, error) {
	spec, ok := r.tables.Get(table)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return spec, nil
}

// Has reports whether table is registered.
func (r *Registry) Has(table string) bool {
	_, ok := r.tables.Get(table)
	return ok
}

// Len returns the number of registered tables.
func (r *Registry) Len() int {
	return r.tables.Len()
}

// Names returns every registered table in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.tables.Len())
	for el := r.tables.Front(); el != nil; el = el.Next() {
		names = append(names, el.Key)
	}
	return names
}

// Specs returns every registered spec in registration order.
func (r *Registry) Specs() []*TableSpec {
	specs := make([]*TableSpec, 0, r.tables.Len())
	for el := r.tables.Front(); el != nil; el = el.Next() {
		specs = append(specs, el.Value)
	}
	return specs
}

// Resolve validates a table selection. An empty selection means every table.
func (r *Registry) Resolve(tables []string) ([]string, error) {
	if len(tables) == 0 {
		return r.Names(), nil
	}
	seen := make(map[string]bool, len(tables))
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		if _, err := r.Lookup(t); err != nil {
			return nil, err
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// Map applies the table's mapper to a remote row. Tables without a mapper
// get a copy of the row.
func (r *Registry) Map(table string, row types.Row) (types.Row, error) {
	spec, err := r.Lookup(table)
	if err != nil {
		return nil, err
	}
	if spec.Mapper == nil {
		return row.Clone(), nil
	}
	mapped, err := spec.Mapper(row, r.now())
	if err != nil {
		return nil, fmt.Errorf("map %s row: %w", table, err)
	}
	return mapped, nil
}
