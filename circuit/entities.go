package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Yuni-sa/ngv-viewer-go/cache"
	"github.com/Yuni-sa/ngv-viewer-go/client"
)

const (
	// probeLimit bounds concurrent cache reads of one lookup
	probeLimit = 8
	// sharedFetchTimeout bounds a backend fetch shared by several callers
	sharedFetchTimeout = 2 * time.Minute
)

// Entity cache keys, under the circuit's base key
const (
	subSynapseProps   = "synapseProps"
	subAstrocyteSomas = "astrocytesSomas"
)

// Synapse is one afferent synapse of cell Gid, the Index-th in its list
type Synapse struct {
	Gid    int
	Index  int
	Values map[string]float64
}

// PreGid returns the presynaptic cell
func (s Synapse) PreGid() int {
	return int(s.Values["preGid"])
}

// Excitatory reports whether the synapse type is an excitatory one
func (s Synapse) Excitatory() bool {
	return s.Values["type"] >= 100
}

func (o *Orchestrator) entityKey() (cache.Key, error) {
	circuit := o.Circuit()
	if circuit.Path == "" {
		return cache.Key{}, ErrNotReady
	}
	return cache.NewKey(circuit.Path, ""), nil
}

// probe reads the cached entries of ids concurrently. Unreadable entries are
// reported missing, like absent ones.
func probe[T any](ctx context.Context, store *cache.Store, logger *slog.Logger, ids []int, keyOf func(int) string) (map[int]T, []int, error) {
	found := make([]*T, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeLimit)
	for i, id := range ids {
		g.Go(func() error {
			var v T
			ok, err := store.Get(gctx, keyOf(id), &v)
			if err != nil {
				logger.Warn("cache read failed", slog.String("key", keyOf(id)), slog.String("error", err.Error()))
				return nil
			}
			if ok {
				found[i] = &v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	hits := make(map[int]T, len(ids))
	var missing []int
	for i, id := range ids {
		if found[i] != nil {
			hits[id] = *found[i]
		} else {
			missing = append(missing, id)
		}
	}
	return hits, dedupe(missing), nil
}

func dedupe(ids []int) []int {
	seen := make(map[int]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// share runs fetch once for all concurrent callers of flight. The fetch is
// detached from the first caller's cancellation; every caller stops waiting
// when its own ctx ends.
func (o *Orchestrator) share(ctx context.Context, flight string, fetch func(context.Context) (any, error)) (any, error) {
	ch := o.entities.DoChan(flight, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()
		return fetch(fctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) remember(ctx context.Context, key string, v any) {
	if err := o.store.Set(ctx, key, v); err != nil {
		o.logger.Warn("failed to cache entity", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// nameSections names each section type[i], i counting consecutive sections of
// the same type
func nameSections(sections []client.MorphSection) {
	i := 0
	for j := range sections {
		if j > 0 && sections[j].Type == sections[j-1].Type {
			i++
		} else {
			i = 0
		}
		sections[j].Name = fmt.Sprintf("%s[%d]", sections[j].Type, i)
	}
}

// CellMorphologies returns the morphologies of gids. Cached ones are read
// from the store, the rest fetched in one request and cached.
func (o *Orchestrator) CellMorphologies(ctx context.Context, gids []int) (map[int]client.CellMorph, error) {
	base, err := o.entityKey()
	if err != nil {
		return nil, err
	}
	keyOf := func(gid int) string { return base.With("morph:" + strconv.Itoa(gid)).String() }

	morphs, missing, err := probe[client.CellMorph](ctx, o.store, o.logger, gids, keyOf)
	if err != nil {
		return nil, err
	}
	countEntities("morphology", "cache", len(morphs))
	if len(missing) == 0 {
		return morphs, nil
	}

	flight := fmt.Sprintf("morph|%s|%v", base, missing)
	v, err := o.share(ctx, flight, func(ctx context.Context) (any, error) {
		resp, err := o.client.Circuit.CellMorphology(ctx, missing)
		if err != nil {
			return nil, err
		}
		for gid, cell := range resp.Cells {
			nameSections(cell.Sections)
			resp.Cells[gid] = cell
		}
		return resp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("cell morphology: %w", err)
	}
	resp := v.(*client.CellMorphology)

	for _, gid := range missing {
		cell, ok := resp.Cells[strconv.Itoa(gid)]
		if !ok {
			return nil, fmt.Errorf("cell morphology: no morphology for gid %d", gid)
		}
		morphs[gid] = cell
		o.remember(ctx, keyOf(gid), cell)
	}
	countEntities("morphology", "backend", len(missing))
	return morphs, nil
}

// Synapses returns the afferent synapses of gids as records, in gid order.
// Synapse rows and the property names are cached separately.
func (o *Orchestrator) Synapses(ctx context.Context, gids []int) ([]Synapse, error) {
	if len(gids) == 0 {
		return nil, nil
	}
	base, err := o.entityKey()
	if err != nil {
		return nil, err
	}
	keyOf := func(gid int) string { return base.With("syn:" + strconv.Itoa(gid)).String() }
	propsKey := base.With(subSynapseProps).String()

	var props []string
	if _, err := o.store.Get(ctx, propsKey, &props); err != nil {
		o.logger.Warn("cache read failed", slog.String("key", propsKey), slog.String("error", err.Error()))
	}

	rows, missing, err := probe[[][]float64](ctx, o.store, o.logger, gids, keyOf)
	if err != nil {
		return nil, err
	}
	countEntities("synapses", "cache", len(rows))

	if len(missing) > 0 || len(props) == 0 {
		toLoad := missing
		if len(toLoad) == 0 {
			toLoad = gids[:1]
		}
		flight := fmt.Sprintf("syn|%s|%v", base, toLoad)
		v, err := o.share(ctx, flight, func(ctx context.Context) (any, error) {
			return o.client.Circuit.SynConnections(ctx, toLoad)
		})
		if err != nil {
			return nil, fmt.Errorf("syn connections: %w", err)
		}
		resp := v.(*client.SynConnections)

		if len(props) == 0 {
			props = resp.ConnectionProperties
			o.remember(ctx, propsKey, props)
		}
		for _, gid := range missing {
			syns, ok := resp.Connections[strconv.Itoa(gid)]
			if !ok {
				return nil, fmt.Errorf("syn connections: no synapses for gid %d", gid)
			}
			rows[gid] = syns
			o.remember(ctx, keyOf(gid), syns)
		}
		countEntities("synapses", "backend", len(missing))
	}

	var out []Synapse
	for _, gid := range gids {
		for i, row := range rows[gid] {
			values := make(map[string]float64, len(props))
			for j, p := range props {
				if j < len(row) {
					values[p] = row[j]
				}
			}
			out = append(out, Synapse{Gid: gid, Index: i, Values: values})
		}
	}
	return out, nil
}

// cached returns the entity under sub, fetching and caching it on a miss.
// Concurrent misses of the same entity share one request.
func (o *Orchestrator) cached(ctx context.Context, kind, sub string, fetch func(context.Context) (any, error)) (any, error) {
	base, err := o.entityKey()
	if err != nil {
		return nil, err
	}
	key := base.With(sub).String()

	var v any
	found, err := o.store.Get(ctx, key, &v)
	if err != nil {
		o.logger.Warn("cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	if found {
		countEntities(kind, "cache", 1)
		return v, nil
	}

	v, err = o.share(ctx, key, func(ctx context.Context) (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		o.remember(ctx, key, v)
		return v, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	countEntities(kind, "backend", 1)
	return v, nil
}

// AstrocyteSomas returns the soma positions and radii of every astrocyte
func (o *Orchestrator) AstrocyteSomas(ctx context.Context) (any, error) {
	return o.cached(ctx, "astrocyte_somas", subAstrocyteSomas, o.client.Astrocyte.Somas)
}

// AstrocyteMorphology returns the morphology of astrocyte idx
func (o *Orchestrator) AstrocyteMorphology(ctx context.Context, idx int) (any, error) {
	return o.cached(ctx, "astrocyte_morphology", "astrocyteMorph:"+strconv.Itoa(idx), func(ctx context.Context) (any, error) {
		return o.client.Astrocyte.Morphology(ctx, idx)
	})
}

// Microdomain returns the microdomain of astrocyte idx
func (o *Orchestrator) Microdomain(ctx context.Context, idx int) (any, error) {
	return o.cached(ctx, "microdomain", "microdomain:"+strconv.Itoa(idx), func(ctx context.Context) (any, error) {
		return o.client.Astrocyte.Microdomain(ctx, idx)
	})
}

// EfferentNeurons returns the neurons astrocyte idx projects to
func (o *Orchestrator) EfferentNeurons(ctx context.Context, idx int) (any, error) {
	return o.cached(ctx, "efferent_neurons", "efferentNeurons:"+strconv.Itoa(idx), func(ctx context.Context) (any, error) {
		return o.client.Astrocyte.EfferentNeurons(ctx, idx)
	})
}
