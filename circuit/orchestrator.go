// Package circuit loads circuit datasets: from the persistent cache when a
// complete copy is there, otherwise streamed from the backend and written
// through to the cache.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Yuni-sa/ngv-viewer-go/bus"
	"github.com/Yuni-sa/ngv-viewer-go/cache"
	"github.com/Yuni-sa/ngv-viewer-go/chunk"
	"github.com/Yuni-sa/ngv-viewer-go/client"
	"github.com/Yuni-sa/ngv-viewer-go/config"
)

// Orchestrator owns the dataset of the current circuit. Only its own load
// continuations mutate it.
type Orchestrator struct {
	client *client.Client
	bus    *bus.Bus
	store  *cache.Store
	logger *slog.Logger

	mu         sync.RWMutex
	state      State
	circuit    config.CircuitConfig
	dataset    *Dataset
	generation uint64
	cancel     context.CancelFunc

	entities    singleflight.Group
	streams     *streams
	staleWindow time.Duration
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithStaleWindow sets how long chunks of a stream abandoned by a cancelled
// load are still expected and discarded
func WithStaleWindow(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.staleWindow = d
	}
}

// New creates an idle orchestrator loading through c and caching in store
func New(c *client.Client, store *cache.Store, options ...Option) *Orchestrator {
	o := &Orchestrator{
		client:      c,
		bus:         c.Bus(),
		store:       store,
		logger:      slog.Default(),
		staleWindow: DefaultStaleWindow,
	}
	for _, option := range options {
		option(o)
	}
	o.streams = newStreams(o.bus, o.staleWindow)
	return o
}

// State returns the current load state
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Circuit returns the configuration of the current circuit
func (o *Orchestrator) Circuit() config.CircuitConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.circuit
}

// Dataset returns the loaded dataset, or ErrNotReady. Callers must treat it
// as read-only.
func (o *Orchestrator) Dataset() (*Dataset, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.state != StateReady || o.dataset == nil {
		return nil, ErrNotReady
	}
	return o.dataset, nil
}

// Neuron decodes every property of cell idx, plus gid = idx+1
func (o *Orchestrator) Neuron(idx int) (map[string]any, error) {
	ds, err := o.Dataset()
	if err != nil {
		return nil, err
	}
	return ds.Neuron(idx)
}

// NeuronProp decodes one property of cell idx
func (o *Orchestrator) NeuronProp(idx int, prop string) (any, error) {
	ds, err := o.Dataset()
	if err != nil {
		return nil, err
	}
	return ds.NeuronProp(idx, prop)
}

// NeuronPosition returns the soma position of cell idx
func (o *Orchestrator) NeuronPosition(idx int) ([3]float32, error) {
	ds, err := o.Dataset()
	if err != nil {
		return [3]float32{}, err
	}
	return ds.NeuronPosition(idx)
}

// Load switches to circuit. The previous dataset is dropped and any load
// still running is cancelled; its results are discarded. Load returns once
// the new dataset is Ready or the load failed.
func (o *Orchestrator) Load(ctx context.Context, circuit config.CircuitConfig) error {
	start := time.Now()
	ctx, gen := o.begin(ctx, circuit)
	defer o.end(gen)

	fromCache, err := o.load(ctx, gen, circuit)
	if err != nil {
		if errors.Is(err, ErrSuperseded) || !o.current(gen) {
			observeLoad("superseded", start)
			return ErrSuperseded
		}
		observeLoad("failed", start)
		o.fail(gen, circuit, err)
		return err
	}

	source := "backend"
	if fromCache {
		source = "cache"
	}
	observeLoad(source, start)
	return nil
}

func (o *Orchestrator) load(ctx context.Context, gen uint64, circuit config.CircuitConfig) (bool, error) {
	o.client.SetContext(circuit.Context())
	key := cache.NewKey(circuit.Path, "")

	if err := o.transition(gen, StateCacheProbe); err != nil {
		return false, err
	}
	complete, err := o.store.IsComplete(ctx, key)
	if err != nil {
		o.logger.Warn("cache probe failed, loading from backend",
			slog.String("circuit", circuit.Path),
			slog.String("error", err.Error()),
		)
		complete = false
	}

	if complete {
		if err := o.transition(gen, StateHydrating); err != nil {
			return false, err
		}
		ds, err := loadDataset(ctx, o.store, key)
		if err == nil {
			return true, o.commit(gen, circuit, ds, true)
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		o.logger.Warn("cached circuit unreadable, loading from backend",
			slog.String("circuit", circuit.Path),
			slog.String("error", err.Error()),
		)
	}

	ds, err := o.fetch(ctx, gen)
	if err != nil {
		return false, err
	}

	if err := o.transition(gen, StateWritingCache); err != nil {
		return false, err
	}
	if err := ds.save(ctx, o.store, key); err != nil {
		o.logger.Warn("failed to cache circuit",
			slog.String("circuit", circuit.Path),
			slog.String("error", err.Error()),
		)
	}
	return false, o.commit(gen, circuit, ds, false)
}

// fetch streams the dataset from the backend: metadata, then positions, then
// each property's values and index in declaration order, one transfer at a
// time
func (o *Orchestrator) fetch(ctx context.Context, gen uint64) (*Dataset, error) {
	if err := o.transition(gen, StateFetchingMetadata); err != nil {
		return nil, err
	}
	meta, err := o.client.Circuit.Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("circuit metadata: %w", err)
	}
	ds := newDataset(*meta)

	if err := o.transition(gen, StateFetchingPositions); err != nil {
		return nil, err
	}
	if err := o.fetchPositions(ctx, ds); err != nil {
		return nil, err
	}

	if err := o.transition(gen, StateFetchingProperties); err != nil {
		return nil, err
	}
	for _, p := range meta.Props {
		if err := o.fetchValues(ctx, ds, p); err != nil {
			return nil, err
		}
		if err := o.fetchIndex(ctx, ds, p); err != nil {
			return nil, err
		}
	}

	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("streamed circuit is inconsistent: %w", err)
	}
	return ds, nil
}

func (o *Orchestrator) fetchPositions(ctx context.Context, ds *Dataset) error {
	key := streamKey{dim: chunk.DimensionPosition}
	start := func() *chunk.Transfer {
		offset := 0
		return chunk.Start(o.bus, chunk.Spec{
			Dataset:   "position",
			Dimension: chunk.DimensionPosition,
			Total:     len(ds.Positions),
		}, func(e client.CircuitCellPositions) (int, error) {
			if o.streams.stale(key, len(e.Positions)) {
				return 0, nil
			}
			if offset+len(e.Positions) > len(ds.Positions) {
				return 0, fmt.Errorf("%w: positions %d past %d", chunk.ErrOverflow, offset+len(e.Positions), len(ds.Positions))
			}
			copy(ds.Positions[offset:], e.Positions)
			offset += len(e.Positions)
			return len(e.Positions), nil
		})
	}
	if err := o.stream(ctx, key, start, o.client.Circuit.RequestCellPositions); err != nil {
		return fmt.Errorf("cell positions: %w", err)
	}
	return nil
}

func (o *Orchestrator) fetchValues(ctx context.Context, ds *Dataset, prop string) error {
	col := ds.Columns[prop]
	key := streamKey{dim: chunk.DimensionValues, prop: prop}
	start := func() *chunk.Transfer {
		return chunk.Start(o.bus, chunk.Spec{
			Dataset:   prop,
			Dimension: chunk.DimensionValues,
			Total:     ds.Meta.Prop[prop].Size,
		}, func(e client.CircuitPropValues) (int, error) {
			if o.streams.stale(streamKey{dim: chunk.DimensionValues, prop: e.Prop}, len(e.Values)) {
				return 0, nil
			}
			if e.Prop != prop {
				return 0, &ConsistencyError{Dimension: chunk.DimensionValues, Expected: prop, Received: e.Prop}
			}
			col.AppendValues(e.Values...)
			return len(e.Values), nil
		})
	}
	request := func() error { return o.client.Circuit.RequestPropValues(prop) }
	if err := o.stream(ctx, key, start, request); err != nil {
		return fmt.Errorf("property %s values: %w", prop, err)
	}
	return nil
}

func (o *Orchestrator) fetchIndex(ctx context.Context, ds *Dataset, prop string) error {
	col := ds.Columns[prop]
	key := streamKey{dim: chunk.DimensionIndex, prop: prop}
	start := func() *chunk.Transfer {
		offset := 0
		return chunk.Start(o.bus, chunk.Spec{
			Dataset:   prop,
			Dimension: chunk.DimensionIndex,
			Total:     ds.Meta.Count,
		}, func(e client.CircuitPropIndex) (int, error) {
			if o.streams.stale(streamKey{dim: chunk.DimensionIndex, prop: e.Prop}, len(e.Values)) {
				return 0, nil
			}
			if e.Prop != prop {
				return 0, &ConsistencyError{Dimension: chunk.DimensionIndex, Expected: prop, Received: e.Prop}
			}
			if err := col.Index.CopyAt(offset, e.Values); err != nil {
				return 0, err
			}
			offset += len(e.Values)
			return len(e.Values), nil
		})
	}
	request := func() error { return o.client.Circuit.RequestPropIndex(prop) }
	if err := o.stream(ctx, key, start, request); err != nil {
		return fmt.Errorf("property %s index: %w", prop, err)
	}
	return nil
}

// stream starts the transfer of key, sends the request feeding it and waits.
// A stream does not resume on a new socket, so a drop fails the transfer with
// client.ErrConnectionLost.
func (o *Orchestrator) stream(ctx context.Context, key streamKey, start func() *chunk.Transfer, request func() error) (err error) {
	o.streams.begin(key)
	t := start()
	defer func() { o.streams.end(key, t, err) }()

	sub := bus.On(o.bus, func(e client.ConnectionStateChanged) {
		if e.State == client.StateClosed {
			t.Cancel(client.ErrConnectionLost)
		}
	})
	defer o.bus.Off(sub)

	if err := request(); err != nil {
		t.Cancel(err)
	}
	return t.Wait(ctx)
}

// begin starts generation gen for circuit, cancelling the running load and
// dropping the current dataset
func (o *Orchestrator) begin(ctx context.Context, circuit config.CircuitConfig) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.generation++
	gen := o.generation
	o.cancel = cancel
	o.circuit = circuit
	o.dataset = nil
	o.state = StateResolvingConfig
	o.mu.Unlock()

	o.logger.Info("loading circuit",
		slog.String("name", circuit.Name),
		slog.String("path", circuit.Path),
		slog.Uint64("generation", gen),
	)
	o.bus.Emit(StateChanged{State: StateResolvingConfig, Generation: gen, Circuit: circuit})
	return ctx, gen
}

func (o *Orchestrator) end(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation == gen && o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

func (o *Orchestrator) current(gen uint64) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.generation == gen
}

// transition moves generation gen to state, or reports ErrSuperseded when a
// newer load has started
func (o *Orchestrator) transition(gen uint64, state State) error {
	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		return ErrSuperseded
	}
	o.state = state
	circuit := o.circuit
	o.mu.Unlock()

	o.logger.Debug("circuit load state", slog.String("state", state.String()), slog.Uint64("generation", gen))
	o.bus.Emit(StateChanged{State: state, Generation: gen, Circuit: circuit})
	return nil
}

func (o *Orchestrator) commit(gen uint64, circuit config.CircuitConfig, ds *Dataset, fromCache bool) error {
	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		return ErrSuperseded
	}
	o.dataset = ds
	o.state = StateReady
	o.mu.Unlock()

	o.logger.Info("circuit loaded",
		slog.String("path", circuit.Path),
		slog.Int("cells", ds.Count()),
		slog.Bool("from_cache", fromCache),
	)
	o.bus.Emit(StateChanged{State: StateReady, Generation: gen, Circuit: circuit})
	o.bus.Emit(CircuitLoaded{
		Circuit:   circuit,
		Count:     ds.Count(),
		Props:     ds.Meta.Props,
		FromCache: fromCache,
	})
	return nil
}

func (o *Orchestrator) fail(gen uint64, circuit config.CircuitConfig, err error) {
	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		return
	}
	o.state = StateFailed
	o.dataset = nil
	o.mu.Unlock()

	o.logger.Error("circuit load failed",
		slog.String("path", circuit.Path),
		slog.String("error", err.Error()),
	)
	o.bus.Emit(StateChanged{State: StateFailed, Generation: gen, Circuit: circuit})
	o.bus.Emit(LoadFailed{Circuit: circuit, Err: err})

	var partial *config.CircuitConfig
	if circuit.Custom {
		partial = &circuit
	}
	o.bus.Emit(ShowCircuitSelector{Closable: false, Partial: partial})
}
