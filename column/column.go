package column

import (
	"fmt"
)

// Column is one dictionary-encoded circuit property.
// Row i decodes to Values[Index.Get(i)].
type Column struct {
	Values []any
	Index  *Index
}

// New creates an empty column for rows rows and card declared distinct values.
// card only picks the index width; a column never holds more distinct values
// than rows, so the dictionary is sized from rows.
func New(rows int, card uint64) *Column {
	capacity := uint64(max(rows, 0))
	if card < capacity {
		capacity = card
	}
	return &Column{
		Values: make([]any, 0, capacity),
		Index:  NewIndex(rows, card),
	}
}

// Rows returns the row count
func (c *Column) Rows() int {
	return c.Index.Len()
}

// AppendValues grows the dictionary. The backend sends it already deduplicated.
func (c *Column) AppendValues(values ...any) {
	c.Values = append(c.Values, values...)
}

// At decodes row i
func (c *Column) At(i int) (any, error) {
	if i < 0 || i >= c.Rows() {
		return nil, fmt.Errorf("row %d outside column of %d rows", i, c.Rows())
	}
	code := c.Index.Get(i)
	if int(code) >= len(c.Values) {
		return nil, fmt.Errorf("row %d references value %d of %d", i, code, len(c.Values))
	}
	return c.Values[code], nil
}

// Decode expands every row
func (c *Column) Decode() ([]any, error) {
	out := make([]any, c.Rows())
	for i := range out {
		v, err := c.At(i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Validate checks that every index entry addresses the dictionary
func (c *Column) Validate() error {
	if c.Index == nil {
		return fmt.Errorf("column has no index")
	}
	n := uint32(len(c.Values))
	for i := 0; i < c.Rows(); i++ {
		if code := c.Index.Get(i); code >= n {
			return fmt.Errorf("row %d references value %d of %d", i, code, n)
		}
	}
	return nil
}

// Factorize dictionary-encodes rows in first-seen order.
// Row values must be comparable.
func Factorize(rows []any) (values []any, codes []uint32) {
	seen := make(map[any]uint32)
	codes = make([]uint32, len(rows))
	for i, v := range rows {
		code, ok := seen[v]
		if !ok {
			code = uint32(len(values))
			seen[v] = code
			values = append(values, v)
		}
		codes[i] = code
	}
	return values, codes
}

// Encode builds a column from raw row values
func Encode(rows []any) (*Column, error) {
	values, codes := Factorize(rows)
	c := New(len(rows), uint64(len(values)))
	c.AppendValues(values...)
	if err := c.Index.CopyAt(0, codes); err != nil {
		return nil, err
	}
	return c, nil
}

// Positions is a flat row-major array of x, y, z per row
type Positions []float32

// NewPositions allocates zeroed positions for rows rows
func NewPositions(rows int) Positions {
	return make(Positions, rows*3)
}

// Rows returns the row count
func (p Positions) Rows() int {
	return len(p) / 3
}

// At returns the coordinates of row i
func (p Positions) At(i int) [3]float32 {
	return [3]float32{p[i*3], p[i*3+1], p[i*3+2]}
}
