package record

import "fmt"

// IDColumn is the name of the column added to schemas declared without a
// primary key.
const IDColumn = "id"

type Column struct {
	Name    string `json:"name"`
	Type    Kind   `json:"type"`
	NotNull bool   `json:"not_null,omitempty"`
}

// Schema describes the columns of a table and which of them form the primary
// key. Key columns are never null.
type Schema struct {
	Columns  []Column `json:"columns"`
	Key      []int    `json:"key"`
	Implicit bool     `json:"implicit,omitempty"` // Key is a generated IDColumn at position 0
}

// NewSchema builds a schema keyed by the named columns. Without key columns
// an int IDColumn is prepended and rows are keyed by an allocated id.
func NewSchema(columns []Column, key ...string) (*Schema, error) {
	s := &Schema{}
	if len(key) == 0 {
		s.Implicit = true
		s.Columns = append(s.Columns, Column{Name: IDColumn, Type: KindInt, NotNull: true})
		s.Key = []int{0}
	}
	s.Columns = append(s.Columns, columns...)

	for _, name := range key {
		i, ok := s.Column(name)
		if !ok {
			return nil, fmt.Errorf("key column %q not declared: %w", name, ErrSchema)
		}
		s.Columns[i].NotNull = true
		s.Key = append(s.Key, i)
	}
	return s, s.Validate()
}

// Validate checks the schema itself.
func (s *Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("no columns: %w", ErrSchema)
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" || seen[c.Name] {
			return fmt.Errorf("column name %q: %w", c.Name, ErrSchema)
		}
		if c.Type == KindNull || c.Type > KindBool {
			return fmt.Errorf("column %q type %s: %w", c.Name, c.Type, ErrSchema)
		}
		seen[c.Name] = true
	}
	if len(s.Key) == 0 {
		return fmt.Errorf("no key columns: %w", ErrSchema)
	}
	for _, i := range s.Key {
		if i < 0 || i >= len(s.Columns) {
			return fmt.Errorf("key column %d: %w", i, ErrSchema)
		}
	}
	if s.Implicit && (s.Key[0] != 0 || s.Columns[0].Type != KindInt) {
		return fmt.Errorf("implicit id column: %w", ErrSchema)
	}
	return nil
}

// Column returns the position of the named column.
func (s *Schema) Column(name string) (int, bool) {
	for i, c := range s.Columns {
		if c.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Positions resolves column names to positions.
func (s *Schema) Positions(names ...string) ([]int, error) {
	out := make([]int, len(names))
	for i, name := range names {
		pos, ok := s.Column(name)
		if !ok {
			return nil, fmt.Errorf("column %q: %w", name, ErrSchema)
		}
		out[i] = pos
	}
	return out, nil
}

// AutoKey reports whether the key is a single int column that may be left
// null on insert to get an allocated id.
func (s *Schema) AutoKey() bool {
	return len(s.Key) == 1 && s.Columns[s.Key[0]].Type == KindInt
}

// Check validates a row against the schema.
func (s *Schema) Check(row Row) error {
	if len(row) != len(s.Columns) {
		return fmt.Errorf("row has %d values, table has %d columns: %w", len(row), len(s.Columns), ErrTypeMismatch)
	}
	for i, v := range row {
		c := s.Columns[i]
		if v.IsNull() {
			if c.NotNull {
				return fmt.Errorf("column %q: %w", c.Name, ErrNotNull)
			}
			continue
		}
		if v.kind != c.Type {
			return fmt.Errorf("column %q wants %s, got %s: %w", c.Name, c.Type, v.kind, ErrTypeMismatch)
		}
	}
	return nil
}

// EncodeKey encodes the primary key of row.
func (s *Schema) EncodeKey(row Row) []byte {
	return s.Project(nil, row, s.Key)
}

// Project appends the key encoding of the columns at positions to dst.
func (s *Schema) Project(dst []byte, row Row, positions []int) []byte {
	for _, i := range positions {
		dst = AppendKey(dst, row[i])
	}
	return dst
}

// Decode parses a stored row and checks it against the schema.
func (s *Schema) Decode(b []byte) (Row, error) {
	row, err := DecodeRow(b)
	if err != nil {
		return nil, err
	}
	if err := s.Check(row); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRowEncoding, err)
	}
	return row, nil
}
