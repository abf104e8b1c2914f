package circuit

import (
	"context"
	"fmt"

	"github.com/Yuni-sa/ngv-viewer-go/cache"
	"github.com/Yuni-sa/ngv-viewer-go/client"
	"github.com/Yuni-sa/ngv-viewer-go/column"
)

// Dataset is the in-memory cell table of one circuit
type Dataset struct {
	Meta      client.CircuitMetadata
	Columns   map[string]*column.Column
	Positions column.Positions
}

func newDataset(meta client.CircuitMetadata) *Dataset {
	ds := &Dataset{
		Meta:      meta,
		Columns:   make(map[string]*column.Column, len(meta.Props)),
		Positions: column.NewPositions(meta.Count),
	}
	for _, p := range meta.Props {
		ds.Columns[p] = column.New(meta.Count, uint64(meta.Prop[p].Size))
	}
	return ds
}

// Count returns the number of cells
func (ds *Dataset) Count() int {
	return ds.Meta.Count
}

// Validate checks every column against the cell count and its dictionary
func (ds *Dataset) Validate() error {
	if ds.Positions.Rows() != ds.Meta.Count || len(ds.Positions) != ds.Meta.Count*3 {
		return fmt.Errorf("%d positions for %d cells", len(ds.Positions), ds.Meta.Count)
	}
	for _, p := range ds.Meta.Props {
		col, ok := ds.Columns[p]
		if !ok {
			return fmt.Errorf("property %s has no column", p)
		}
		if col.Rows() != ds.Meta.Count {
			return fmt.Errorf("property %s: %d rows for %d cells", p, col.Rows(), ds.Meta.Count)
		}
		if err := col.Validate(); err != nil {
			return fmt.Errorf("property %s: %w", p, err)
		}
	}
	return nil
}

// Neuron decodes every property of cell idx, plus its gid
func (ds *Dataset) Neuron(idx int) (map[string]any, error) {
	if idx < 0 || idx >= ds.Meta.Count {
		return nil, fmt.Errorf("cell %d outside circuit of %d cells", idx, ds.Meta.Count)
	}
	neuron := make(map[string]any, len(ds.Meta.Props)+1)
	for _, p := range ds.Meta.Props {
		v, err := ds.Columns[p].At(idx)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", p, err)
		}
		neuron[p] = v
	}
	neuron["gid"] = idx + 1
	return neuron, nil
}

// NeuronProp decodes one property of cell idx
func (ds *Dataset) NeuronProp(idx int, prop string) (any, error) {
	col, ok := ds.Columns[prop]
	if !ok {
		return nil, fmt.Errorf("unknown property %q", prop)
	}
	return col.At(idx)
}

// NeuronPosition returns the soma position of cell idx
func (ds *Dataset) NeuronPosition(idx int) ([3]float32, error) {
	if idx < 0 || idx >= ds.Positions.Rows() {
		return [3]float32{}, fmt.Errorf("cell %d outside circuit of %d cells", idx, ds.Positions.Rows())
	}
	return ds.Positions.At(idx), nil
}

// Cache layout of a dataset, under the circuit's base key
const (
	subMeta       = "meta"
	subPosition   = "position"
	subPropValues = "propValues:"
	subPropIndex  = "propIndex:"
)

// save writes the dataset under key. The sentinel goes last so a partial
// write is never mistaken for a complete one.
func (ds *Dataset) save(ctx context.Context, store *cache.Store, key cache.Key) error {
	if err := store.Set(ctx, key.With(subMeta).String(), ds.Meta); err != nil {
		return err
	}
	for _, p := range ds.Meta.Props {
		col := ds.Columns[p]
		if err := store.Set(ctx, key.With(subPropValues+p).String(), col.Values); err != nil {
			return err
		}
		index, err := col.Index.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encode %s index: %w", p, err)
		}
		if err := store.Set(ctx, key.With(subPropIndex+p).String(), index); err != nil {
			return err
		}
	}
	if err := store.Set(ctx, key.With(subPosition).String(), []float32(ds.Positions)); err != nil {
		return err
	}
	return store.MarkComplete(ctx, key)
}

// loadDataset reads back what save wrote
func loadDataset(ctx context.Context, store *cache.Store, key cache.Key) (*Dataset, error) {
	get := func(sub string, dst any) error {
		found, err := store.Get(ctx, key.With(sub).String(), dst)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s missing", ErrIncompleteCache, key.With(sub))
		}
		return nil
	}

	ds := &Dataset{}
	if err := get(subMeta, &ds.Meta); err != nil {
		return nil, err
	}
	ds.Columns = make(map[string]*column.Column, len(ds.Meta.Props))
	for _, p := range ds.Meta.Props {
		col := &column.Column{Index: &column.Index{}}
		if err := get(subPropValues+p, &col.Values); err != nil {
			return nil, err
		}
		var index []byte
		if err := get(subPropIndex+p, &index); err != nil {
			return nil, err
		}
		if err := col.Index.UnmarshalBinary(index); err != nil {
			return nil, fmt.Errorf("decode %s index: %w", p, err)
		}
		ds.Columns[p] = col
	}
	var positions []float32
	if err := get(subPosition, &positions); err != nil {
		return nil, err
	}
	ds.Positions = positions

	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompleteCache, err)
	}
	return ds, nil
}
