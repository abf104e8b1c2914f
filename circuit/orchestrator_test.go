package circuit

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuni-sa/ngv-viewer-go/bus"
	"github.com/Yuni-sa/ngv-viewer-go/cache"
	"github.com/Yuni-sa/ngv-viewer-go/chunk"
	"github.com/Yuni-sa/ngv-viewer-go/client"
	"github.com/Yuni-sa/ngv-viewer-go/column"
	"github.com/Yuni-sa/ngv-viewer-go/config"
	"github.com/Yuni-sa/ngv-viewer-go/internal/backendtest"
)

const testTimeout = 5 * time.Second

var (
	ngv = config.CircuitConfig{Name: "ngv", URLName: "ngv", Type: config.TypeCircuit, Path: "/circuits/ngv.json"}

	ngvCells = backendtest.Circuit{
		Props: []string{"layer", "mtype"},
		Columns: map[string][]any{
			"layer": {2, 5, 1},
			"mtype": {"L2_PC", "L5_TTPC", "L2_PC"},
		},
		Positions: []float32{1, 2, 3, 4, 5, 6, 7, 8, 9},
		BBox:      map[string]any{"min": []int{0, 0, 0}, "max": []int{10, 10, 10}},
	}
)

type fixture struct {
	srv    *backendtest.Server
	client *client.Client
	store  *cache.Store
	orch   *Orchestrator
}

func newFixture(t *testing.T, circuits map[string]backendtest.Circuit) *fixture {
	t.Helper()
	srv := backendtest.New(t)
	srv.ServeCircuits(circuits)

	c, err := client.NewClientBuilder().
		WithBaseURL(srv.URL()).
		WithReconnectDelay(20 * time.Millisecond).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	store, err := cache.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &fixture{srv: srv, client: c, store: store, orch: New(c, store)}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// record collects every event of type E emitted on b
func record[E bus.Event](b *bus.Bus) func() []E {
	var mu sync.Mutex
	var got []E
	bus.On(b, func(e E) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})
	return func() []E {
		mu.Lock()
		defer mu.Unlock()
		return append([]E(nil), got...)
	}
}

func TestLoadFromBackend(t *testing.T) {
	f := newFixture(t, map[string]backendtest.Circuit{ngv.Path: ngvCells})
	loaded := record[CircuitLoaded](f.client.Bus())
	states := record[StateChanged](f.client.Bus())

	require.NoError(t, f.orch.Load(testContext(t), ngv))
	assert.Equal(t, StateReady, f.orch.State())

	// one metadata request, then positions, then each property's values and
	// index in declaration order
	frames := f.srv.Received()
	var got []string
	for _, fr := range frames {
		got = append(got, fr.Cmd+" "+fr.String())
		assert.Equal(t, ngv.Path, fr.CircuitPath())
	}
	assert.Equal(t, []string{
		"get_circuit_metadata ",
		"get_circuit_cell_positions ",
		"get_circuit_prop_values layer",
		"get_circuit_prop_index layer",
		"get_circuit_prop_values mtype",
		"get_circuit_prop_index mtype",
	}, got)

	neuron, err := f.orch.Neuron(1)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"gid": 2, "layer": 5.0, "mtype": "L5_TTPC"}, neuron)

	mtype, err := f.orch.NeuronProp(2, "mtype")
	require.NoError(t, err)
	assert.Equal(t, "L2_PC", mtype)

	pos, err := f.orch.NeuronPosition(2)
	require.NoError(t, err)
	assert.Equal(t, [3]float32{7, 8, 9}, pos)

	require.Len(t, loaded(), 1)
	assert.False(t, loaded()[0].FromCache)
	assert.Equal(t, 3, loaded()[0].Count)

	var seq []State
	for _, s := range states() {
		seq = append(seq, s.State)
	}
	assert.Equal(t, []State{
		StateResolvingConfig, StateCacheProbe, StateFetchingMetadata, StateFetchingPositions,
		StateFetchingProperties, StateWritingCache, StateReady,
	}, seq)

	complete, err := f.store.IsComplete(testContext(t), cache.NewKey(ngv.Path, ""))
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestLoadFromCache(t *testing.T) {
	f := newFixture(t, map[string]backendtest.Circuit{ngv.Path: ngvCells})
	ctx := testContext(t)
	require.NoError(t, f.orch.Load(ctx, ngv))
	requests := len(f.srv.Received())

	loaded := record[CircuitLoaded](f.client.Bus())
	states := record[StateChanged](f.client.Bus())

	// a fresh orchestrator over the same store hydrates without the backend
	orch := New(f.client, f.store)
	require.NoError(t, orch.Load(ctx, ngv))
	assert.Len(t, f.srv.Received(), requests)

	require.Len(t, loaded(), 1)
	assert.True(t, loaded()[0].FromCache)

	var seq []State
	for _, s := range states() {
		seq = append(seq, s.State)
	}
	assert.Equal(t, []State{StateResolvingConfig, StateCacheProbe, StateHydrating, StateReady}, seq)

	neuron, err := orch.Neuron(0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"gid": 1, "layer": 2.0, "mtype": "L2_PC"}, neuron)
	pos, err := orch.NeuronPosition(1)
	require.NoError(t, err)
	assert.Equal(t, [3]float32{4, 5, 6}, pos)
}

func TestIncompleteCacheFallsBackToBackend(t *testing.T) {
	f := newFixture(t, map[string]backendtest.Circuit{ngv.Path: ngvCells})
	ctx := testContext(t)
	key := cache.NewKey(ngv.Path, "")

	// sentinel without the dataset behind it
	require.NoError(t, f.store.MarkComplete(ctx, key))

	require.NoError(t, f.orch.Load(ctx, ngv))
	assert.Equal(t, "get_circuit_metadata", f.srv.ReceivedCmds()[0])

	ds, err := f.orch.Dataset()
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Count())
}

func TestVersionChangeForcesRefetch(t *testing.T) {
	f := newFixture(t, map[string]backendtest.Circuit{ngv.Path: ngvCells})
	ctx := testContext(t)
	_, err := f.store.EnsureVersion(ctx, "1.0.0")
	require.NoError(t, err)
	require.NoError(t, f.orch.Load(ctx, ngv))

	cleared, err := f.store.EnsureVersion(ctx, "1.1.0")
	require.NoError(t, err)
	assert.True(t, cleared)

	require.NoError(t, f.orch.Load(ctx, ngv))
	metadataRequests := 0
	for _, cmd := range f.srv.ReceivedCmds() {
		if cmd == client.CmdGetCircuitMetadata {
			metadataRequests++
		}
	}
	assert.Equal(t, 2, metadataRequests)
}

func TestLoadProtocolError(t *testing.T) {
	f := newFixture(t, map[string]backendtest.Circuit{})
	failed := record[LoadFailed](f.client.Bus())
	selector := record[ShowCircuitSelector](f.client.Bus())
	loaded := record[CircuitLoaded](f.client.Bus())

	custom := config.CircuitConfig{Name: "mine", Type: config.TypeCircuit, Path: "/gpfs/missing", SimModel: "neuron", Custom: true}
	err := f.orch.Load(testContext(t), custom)

	var perr *client.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "Error accessing a file in GPFS", perr.Name)
	assert.Equal(t, StateFailed, f.orch.State())

	require.Len(t, failed(), 1)
	assert.ErrorAs(t, failed()[0].Err, &perr)
	require.Len(t, selector(), 1)
	assert.False(t, selector()[0].Closable)
	assert.Equal(t, &custom, selector()[0].Partial)
	assert.Empty(t, loaded())

	_, err = f.orch.Neuron(0)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, []string{client.CmdGetCircuitMetadata}, f.srv.ReceivedCmds())
}

func TestChunkForAnotherPropertyFails(t *testing.T) {
	f := newFixture(t, map[string]backendtest.Circuit{ngv.Path: ngvCells})
	f.srv.Handle("get_circuit_prop_values", func(s *backendtest.Session, fr backendtest.Frame) {
		s.Send("circuit_prop_values", map[string]any{"prop": "etype", "values": []string{"cADpyr"}})
	})

	err := f.orch.Load(testContext(t), ngv)
	var cerr *ConsistencyError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "layer", cerr.Expected)
	assert.Equal(t, "etype", cerr.Received)
	assert.Equal(t, chunk.DimensionValues, cerr.Dimension)
	assert.Equal(t, StateFailed, f.orch.State())

	complete, err := f.store.IsComplete(testContext(t), cache.NewKey(ngv.Path, ""))
	require.NoError(t, err)
	assert.False(t, complete)
}

func TestNewLoadSupersedesRunningOne(t *testing.T) {
	slow := config.CircuitConfig{Name: "slow", Type: config.TypeCircuit, Path: "/circuits/slow.json"}
	f := newFixture(t, map[string]backendtest.Circuit{ngv.Path: ngvCells, slow.Path: ngvCells})

	// the slow circuit's positions stall after one chunk; the rest of that
	// stream only reaches the client after the next load asked for its own
	slowPositions := []float32{11, 12, 13, 14, 15, 16, 17, 18, 19}
	slowReturned := make(chan struct{})
	f.srv.Handle("get_circuit_cell_positions", func(s *backendtest.Session, fr backendtest.Frame) {
		if fr.CircuitPath() == slow.Path {
			s.Send("circuit_cell_positions", map[string]any{"positions": slowPositions[:3]})
			return
		}
		<-slowReturned
		s.Send("circuit_cell_positions", map[string]any{"positions": slowPositions[3:]})
		s.Send("circuit_cell_positions", map[string]any{"positions": ngvCells.Positions})
	})
	failed := record[LoadFailed](f.client.Bus())
	progress := record[chunk.Progress](f.client.Bus())

	errc := make(chan error, 1)
	go func() {
		errc <- f.orch.Load(context.Background(), slow)
		close(slowReturned)
	}()
	require.Eventually(t, func() bool { return len(progress()) > 0 }, testTimeout, 5*time.Millisecond)

	require.NoError(t, f.orch.Load(testContext(t), ngv))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(testTimeout):
		t.Fatal("superseded load did not return")
	}

	assert.Equal(t, StateReady, f.orch.State())
	assert.Equal(t, ngv, f.orch.Circuit())
	assert.Empty(t, failed())
	for i := range 3 {
		pos, err := f.orch.NeuronPosition(i)
		require.NoError(t, err)
		assert.Equal(t, [3]float32{ngvCells.Positions[i*3], ngvCells.Positions[i*3+1], ngvCells.Positions[i*3+2]}, pos)
	}
	assert.Zero(t, f.orch.streams.pending(streamKey{dim: chunk.DimensionPosition}))

	complete, err := f.store.IsComplete(testContext(t), cache.NewKey(slow.Path, ""))
	require.NoError(t, err)
	assert.False(t, complete)
}

func TestAbandonedStreamExpires(t *testing.T) {
	slow := config.CircuitConfig{Name: "slow", Type: config.TypeCircuit, Path: "/circuits/slow.json"}
	f := newFixture(t, map[string]backendtest.Circuit{ngv.Path: ngvCells, slow.Path: ngvCells})
	f.orch = New(f.client, f.store, WithStaleWindow(50*time.Millisecond))

	// the slow circuit's positions never arrive at all
	f.srv.Handle("get_circuit_cell_positions", func(s *backendtest.Session, fr backendtest.Frame) {
		if fr.CircuitPath() == slow.Path {
			return
		}
		s.Send("circuit_cell_positions", map[string]any{"positions": ngvCells.Positions})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.orch.Load(ctx, slow), context.DeadlineExceeded)

	key := streamKey{dim: chunk.DimensionPosition}
	assert.Eventually(t, func() bool { return f.orch.streams.pending(key) == 0 }, testTimeout, 10*time.Millisecond)

	require.NoError(t, f.orch.Load(testContext(t), ngv))
	pos, err := f.orch.NeuronPosition(2)
	require.NoError(t, err)
	assert.Equal(t, [3]float32{7, 8, 9}, pos)
}

func TestAbandonedStreamLedger(t *testing.T) {
	s := newStreams(bus.New(), time.Minute)
	values := streamKey{dim: chunk.DimensionValues, prop: "mtype"}

	s.begin(values)
	tr := chunk.Start(bus.New(), chunk.Spec{Dataset: "mtype", Dimension: chunk.DimensionValues, Total: 5}, func(client.CircuitPropValues) (int, error) {
		return 0, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.Wait(ctx)
	s.end(values, tr, err)
	assert.Equal(t, 5, s.pending(values))

	// while a transfer of the dimension runs, only its handler counts off
	other := streamKey{dim: chunk.DimensionValues, prop: "layer"}
	s.begin(other)
	s.drain(values, 2)
	assert.Equal(t, 5, s.pending(values))
	assert.True(t, s.stale(values, 2))
	assert.False(t, s.stale(other, 1))
	s.end(other, tr, nil)

	// with none running, arrivals are drained
	s.drain(values, 3)
	assert.Zero(t, s.pending(values))
	assert.False(t, s.stale(values, 1))

	s.end(values, tr, context.Canceled)
	assert.Equal(t, 5, s.pending(values))
	s.reset()
	assert.Zero(t, s.pending(values))
}

func TestDatasetReadsBeforeLoad(t *testing.T) {
	f := newFixture(t, map[string]backendtest.Circuit{})
	_, err := f.orch.Neuron(0)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = f.orch.NeuronPosition(0)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = f.orch.NeuronProp(0, "layer")
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = f.orch.CellMorphologies(testContext(t), []int{1})
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, StateIdle, f.orch.State())
}

// A three cell circuit whose layer dictionary is streamed as [1 2 5] and its
// index as [1 2 0] decodes to layers 2, 5, 1.
func TestStreamedDictionaryDecodes(t *testing.T) {
	f := newFixture(t, map[string]backendtest.Circuit{})
	f.srv.Handle("get_circuit_metadata", func(s *backendtest.Session, fr backendtest.Frame) {
		s.Reply(fr, "circuit_metadata", map[string]any{
			"prop":  map[string]any{"layer": map[string]any{"size": 3}},
			"props": []string{"layer"},
			"count": 3,
		})
	})
	f.srv.Handle("get_circuit_cell_positions", func(s *backendtest.Session, fr backendtest.Frame) {
		s.Send("circuit_cell_positions", map[string]any{"positions": []float32{0, 0, 0, 1, 1, 1}})
		s.Send("circuit_cell_positions", map[string]any{"positions": []float32{2, 2, 2}})
	})
	f.srv.Handle("get_circuit_prop_values", func(s *backendtest.Session, fr backendtest.Frame) {
		s.Send("circuit_prop_values", map[string]any{"prop": "layer", "values": []int{1, 2, 5}})
	})
	f.srv.Handle("get_circuit_prop_index", func(s *backendtest.Session, fr backendtest.Frame) {
		s.Send("circuit_prop_index", map[string]any{"prop": "layer", "values": []int{1, 2, 0}})
	})
	progress := record[chunk.Progress](f.client.Bus())

	require.NoError(t, f.orch.Load(testContext(t), ngv))

	ds, err := f.orch.Dataset()
	require.NoError(t, err)
	layers, err := ds.Columns["layer"].Decode()
	require.NoError(t, err)
	assert.Equal(t, []any{2.0, 5.0, 1.0}, layers)
	assert.Equal(t, column.Width8, ds.Columns["layer"].Index.Width())

	var positions []int
	for _, p := range progress() {
		if p.Dimension == chunk.DimensionPosition {
			positions = append(positions, p.Percent)
		}
	}
	assert.Equal(t, []int{66, 100}, positions)
}

// The same scenario at the column level, with the declared cardinality of 6
// only sizing the index
func TestDictionaryScenarioAtColumnLevel(t *testing.T) {
	b := bus.New()
	col := column.New(3, 6)
	ctx := testContext(t)

	values := chunk.Start(b, chunk.Spec{Dataset: "layer", Dimension: chunk.DimensionValues, Total: 3},
		func(e client.CircuitPropValues) (int, error) {
			col.AppendValues(e.Values...)
			return len(e.Values), nil
		})
	b.Emit(client.CircuitPropValues{Prop: "layer", Values: []any{1, 2, 5}})
	require.NoError(t, values.Wait(ctx))

	offset := 0
	index := chunk.Start(b, chunk.Spec{Dataset: "layer", Dimension: chunk.DimensionIndex, Total: 3},
		func(e client.CircuitPropIndex) (int, error) {
			if err := col.Index.CopyAt(offset, e.Values); err != nil {
				return 0, err
			}
			offset += len(e.Values)
			return len(e.Values), nil
		})
	b.Emit(client.CircuitPropIndex{Prop: "layer", Values: []uint32{1, 2, 0}})
	require.NoError(t, index.Wait(ctx))

	decoded, err := col.Decode()
	require.NoError(t, err)
	assert.Equal(t, []any{2, 5, 1}, decoded)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "fetching_properties", StateFetchingProperties.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestSocketDropDuringStreamFailsLoad(t *testing.T) {
	f := newFixture(t, map[string]backendtest.Circuit{ngv.Path: ngvCells})
	failed := record[LoadFailed](f.client.Bus())
	f.srv.Handle("get_circuit_cell_positions", func(s *backendtest.Session, fr backendtest.Frame) {
		s.Send("circuit_cell_positions", map[string]any{"positions": []float32{1, 2, 3}})
		s.Drop()
	})

	ctx := testContext(t)
	err := f.orch.Load(ctx, ngv)
	require.ErrorIs(t, err, client.ErrConnectionLost)
	assert.NoError(t, ctx.Err(), "load must fail on the drop, not on the deadline")
	assert.Equal(t, StateFailed, f.orch.State())
	require.Len(t, failed(), 1)
	assert.ErrorIs(t, failed()[0].Err, client.ErrConnectionLost)

	complete, err := f.store.IsComplete(testContext(t), cache.NewKey(ngv.Path, ""))
	require.NoError(t, err)
	assert.False(t, complete)
}

func TestNegativePropertySizeFailsLoad(t *testing.T) {
	f := newFixture(t, map[string]backendtest.Circuit{ngv.Path: ngvCells})
	f.srv.Handle("get_circuit_metadata", func(s *backendtest.Session, fr backendtest.Frame) {
		s.Reply(fr, "circuit_metadata", map[string]any{
			"prop":  map[string]any{"layer": map[string]any{"size": -1}},
			"props": []string{"layer"},
			"count": 3,
		})
	})

	var err error
	require.NotPanics(t, func() { err = f.orch.Load(testContext(t), ngv) })
	assert.ErrorContains(t, err, "negative size")
	assert.Equal(t, StateFailed, f.orch.State())
}

func TestHugeCardinalityLoads(t *testing.T) {
	f := newFixture(t, map[string]backendtest.Circuit{ngv.Path: ngvCells})
	f.srv.Handle("get_circuit_metadata", func(s *backendtest.Session, fr backendtest.Frame) {
		s.Reply(fr, "circuit_metadata", map[string]any{
			"prop":  map[string]any{"layer": map[string]any{"size": math.MaxUint32}},
			"props": []string{"layer"},
			"count": 3,
		})
	})
	// the load cannot complete with a dictionary that large; it must fail on
	// the deadline rather than exhaust memory while allocating
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := f.orch.Load(ctx, ngv)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateFailed, f.orch.State())
}
