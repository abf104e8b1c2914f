package backendtest

import (
	"fmt"

	"github.com/Yuni-sa/ngv-viewer-go/column"
)

// Circuit is a cell table served by the fake backend
type Circuit struct {
	// Props in declaration order
	Props []string
	// Columns holds one raw value per cell for each prop
	Columns map[string][]any
	// Positions is the flat x, y, z array, three values per cell
	Positions []float32
	BBox      any
}

// Count returns the number of cells
func (c Circuit) Count() int {
	return len(c.Positions) / 3
}

// Chunks splits values the way the backend does, len/100+1 items per chunk
func Chunks[T any](values []T) [][]T {
	size := len(values)/100 + 1
	var out [][]T
	for i := 0; i < len(values); i += size {
		end := i + size
		if end > len(values) {
			end = len(values)
		}
		out = append(out, values[i:end])
	}
	return out
}

// ServeCircuits answers the circuit loading commands for circuits keyed by
// their dataset path. Unknown paths get the backend's file access error.
func (s *Server) ServeCircuits(circuits map[string]Circuit) {
	lookup := func(f Frame) (Circuit, bool) {
		c, ok := circuits[f.CircuitPath()]
		return c, ok
	}

	s.Handle("get_circuit_metadata", func(sess *Session, f Frame) {
		c, ok := lookup(f)
		if !ok {
			sess.Reply(f, "circuit_metadata", map[string]any{
				"error":       "Error accessing a file in GPFS",
				"description": fmt.Sprintf("[Errno 2] No such file or directory: '%s'", f.CircuitPath()),
			})
			return
		}
		prop := make(map[string]any, len(c.Props))
		for _, p := range c.Props {
			values, _ := column.Factorize(c.Columns[p])
			prop[p] = map[string]any{"size": len(values)}
		}
		sess.Reply(f, "circuit_metadata", map[string]any{
			"prop":  prop,
			"props": c.Props,
			"count": c.Count(),
			"bbox":  c.BBox,
		})
	})

	s.Handle("get_circuit_prop_values", func(sess *Session, f Frame) {
		c, ok := lookup(f)
		if !ok {
			return
		}
		p := f.String()
		values, _ := column.Factorize(c.Columns[p])
		for _, chunk := range Chunks(values) {
			sess.Send("circuit_prop_values", map[string]any{"prop": p, "values": chunk})
		}
	})

	s.Handle("get_circuit_prop_index", func(sess *Session, f Frame) {
		c, ok := lookup(f)
		if !ok {
			return
		}
		p := f.String()
		_, codes := column.Factorize(c.Columns[p])
		for _, chunk := range Chunks(codes) {
			sess.Send("circuit_prop_index", map[string]any{"prop": p, "values": chunk})
		}
	})

	s.Handle("get_circuit_cell_positions", func(sess *Session, f Frame) {
		c, ok := lookup(f)
		if !ok {
			return
		}
		for _, chunk := range Chunks(c.Positions) {
			sess.Send("circuit_cell_positions", map[string]any{"positions": chunk})
		}
	})
}
