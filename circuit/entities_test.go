package circuit

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuni-sa/ngv-viewer-go/client"
	"github.com/Yuni-sa/ngv-viewer-go/internal/backendtest"
)

func loadedFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, map[string]backendtest.Circuit{ngv.Path: ngvCells})
	require.NoError(t, f.orch.Load(testContext(t), ngv))
	return f
}

func requestedGids(t *testing.T, f *fixture, cmd string) [][]int {
	t.Helper()
	var out [][]int
	for _, fr := range f.srv.Received() {
		if fr.Cmd != cmd {
			continue
		}
		var gids []int
		require.NoError(t, json.Unmarshal(fr.Data, &gids))
		out = append(out, gids)
	}
	return out
}

func TestNameSections(t *testing.T) {
	sections := []client.MorphSection{
		{Type: "soma"}, {Type: "dend"}, {Type: "dend"}, {Type: "axon"}, {Type: "dend"},
	}
	nameSections(sections)
	var names []string
	for _, s := range sections {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"soma[0]", "dend[0]", "dend[1]", "axon[0]", "dend[0]"}, names)
}

func TestCellMorphologiesFetchOnlyMissing(t *testing.T) {
	f := loadedFixture(t)
	f.srv.Handle("get_cell_morphology", func(s *backendtest.Session, fr backendtest.Frame) {
		var gids []int
		json.Unmarshal(fr.Data, &gids)
		cells := map[string]any{}
		for _, gid := range gids {
			cells[strconv.Itoa(gid)] = map[string]any{
				"sections": []map[string]any{
					{"id": 0, "type": "soma", "points": [][]float64{{0, 0, 0, float64(gid)}}},
					{"id": 1, "type": "dend", "points": [][]float64{{1, 1, 1, 0.5}}},
					{"id": 2, "type": "dend", "points": [][]float64{{2, 2, 2, 0.5}}},
				},
			}
		}
		s.Reply(fr, "cell_morphology", map[string]any{"cells": cells})
	})
	ctx := testContext(t)

	morphs, err := f.orch.CellMorphologies(ctx, []int{1, 2})
	require.NoError(t, err)
	require.Len(t, morphs, 2)
	assert.Equal(t, "dend[1]", morphs[2].Sections[2].Name)
	assert.Equal(t, 2.0, morphs[2].Sections[0].Points[0][3])

	morphs, err = f.orch.CellMorphologies(ctx, []int{2, 3, 1})
	require.NoError(t, err)
	require.Len(t, morphs, 3)
	assert.Equal(t, "soma[0]", morphs[1].Sections[0].Name)
	assert.Equal(t, "dend[0]", morphs[3].Sections[1].Name)

	assert.Equal(t, [][]int{{1, 2}, {3}}, requestedGids(t, f, client.CmdGetCellMorphology))
}

func TestCellMorphologyMissingFromResponse(t *testing.T) {
	f := loadedFixture(t)
	f.srv.Handle("get_cell_morphology", func(s *backendtest.Session, fr backendtest.Frame) {
		s.Reply(fr, "cell_morphology", map[string]any{"cells": map[string]any{}})
	})
	_, err := f.orch.CellMorphologies(testContext(t), []int{7})
	assert.ErrorContains(t, err, "gid 7")
}

func TestSynapsesExpandedAndCached(t *testing.T) {
	f := loadedFixture(t)
	props := []string{"postXCenter", "postYCenter", "postZCenter", "type", "preGid", "preSectionGid", "postGid", "postSectionId"}
	f.srv.Handle("get_syn_connections", func(s *backendtest.Session, fr backendtest.Frame) {
		var gids []int
		json.Unmarshal(fr.Data, &gids)
		conns := map[string]any{}
		for _, gid := range gids {
			conns[strconv.Itoa(gid)] = [][]float64{
				{1, 2, 3, 120, 7, 11, float64(gid), 4},
				{4, 5, 6, 10, 8, 12, float64(gid), 5},
			}
		}
		s.Reply(fr, "syn_connections", map[string]any{"connections": conns, "connection_properties": props})
	})
	ctx := testContext(t)

	syns, err := f.orch.Synapses(ctx, []int{3, 1})
	require.NoError(t, err)
	require.Len(t, syns, 4)
	assert.Equal(t, 3, syns[0].Gid)
	assert.Equal(t, 0, syns[0].Index)
	assert.Equal(t, 1, syns[3].Index)
	assert.Equal(t, 1, syns[3].Gid)
	assert.Equal(t, 7, syns[0].PreGid())
	assert.True(t, syns[0].Excitatory())
	assert.False(t, syns[1].Excitatory())
	assert.Equal(t, 3.0, syns[0].Values["postZCenter"])

	again, err := f.orch.Synapses(ctx, []int{1, 3})
	require.NoError(t, err)
	assert.Len(t, again, 4)
	assert.Equal(t, 1, again[0].Gid)

	assert.Equal(t, [][]int{{3, 1}}, requestedGids(t, f, client.CmdGetSynConnections))
}

func TestAstrocyteEntitiesCollapseAndCache(t *testing.T) {
	f := loadedFixture(t)
	var somaRequests atomic.Int32
	release := make(chan struct{})
	f.srv.Handle("get_astrocytes_somas", func(s *backendtest.Session, fr backendtest.Frame) {
		somaRequests.Add(1)
		go func() {
			<-release
			// the backend answers astrocyte commands without a cmdid
			s.Send("astrocytes_somas", map[string]any{"positions": []float64{1, 2, 3}, "radii": []float64{4}})
		}()
	})
	f.srv.Handle("get_astrocyte_morph", func(s *backendtest.Session, fr backendtest.Frame) {
		s.Send("astrocyte_morph", map[string]any{"astrocyte": fr.String()})
	})
	ctx := testContext(t)

	var wg sync.WaitGroup
	results := make([]any, 3)
	errs := make([]error, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.orch.AstrocyteSomas(ctx)
		}()
	}
	f.srv.WaitFrames(7, testTimeout)
	// let the other callers join the request in flight
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, map[string]any{"positions": []any{1.0, 2.0, 3.0}, "radii": []any{4.0}}, results[i])
	}
	assert.Equal(t, int32(1), somaRequests.Load())

	somas, err := f.orch.AstrocyteSomas(ctx)
	require.NoError(t, err)
	assert.NotNil(t, somas)
	assert.Equal(t, int32(1), somaRequests.Load())

	_, err = f.orch.AstrocyteMorphology(ctx, 4)
	require.NoError(t, err)
	_, err = f.orch.AstrocyteMorphology(ctx, 4)
	require.NoError(t, err)
	morphRequests := 0
	for _, cmd := range f.srv.ReceivedCmds() {
		if cmd == client.CmdGetAstrocyteMorph {
			morphRequests++
		}
	}
	assert.Equal(t, 1, morphRequests)
}


func TestSharedFetchSurvivesCancelledCaller(t *testing.T) {
	f := loadedFixture(t)
	var requests atomic.Int32
	release := make(chan struct{})
	f.srv.Handle("get_astrocytes_somas", func(s *backendtest.Session, fr backendtest.Frame) {
		requests.Add(1)
		go func() {
			<-release
			s.Send("astrocytes_somas", map[string]any{"positions": []float64{1, 2, 3}, "radii": []float64{4}})
		}()
	})

	first, cancelFirst := context.WithCancel(testContext(t))
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.orch.AstrocyteSomas(first)
		firstErr <- err
	}()
	f.srv.WaitFrames(7, testTimeout)

	secondDone := make(chan struct{})
	var second any
	var secondErr error
	go func() {
		defer close(secondDone)
		second, secondErr = f.orch.AstrocyteSomas(testContext(t))
	}()
	// let the second caller join the request in flight
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	<-secondDone
	require.NoError(t, secondErr)
	assert.Equal(t, map[string]any{"positions": []any{1.0, 2.0, 3.0}, "radii": []any{4.0}}, second)
	assert.Equal(t, int32(1), requests.Load())
}
