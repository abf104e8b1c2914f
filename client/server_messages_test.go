package client

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerMessage(t *testing.T) {
	cases := []struct {
		cmd  string
		data string
		want ServerMessageType
	}{
		{CmdServerStatus, `{"status":"operational","cmdid":1}`, ServerMessageTypeServerStatus},
		{CmdCircuitMetadata, `{"prop":{"layer":{"size":6}},"props":["layer"],"count":3}`, ServerMessageTypeCircuitMetadata},
		{CmdCircuitPropValues, `{"prop":"layer","values":[1,2,5]}`, ServerMessageTypeCircuitPropValues},
		{CmdCircuitPropIndex, `{"prop":"layer","values":[1,2,0]}`, ServerMessageTypeCircuitPropIndex},
		{CmdCircuitCellPositions, `{"positions":[1.5,2,3]}`, ServerMessageTypeCircuitCellPositions},
		{CmdCellMorphology, `{"cells":{"1":{"sections":[{"id":0,"type":"soma","points":[[0,0,0,1]]}]}}}`, ServerMessageTypeCellMorphology},
		{CmdSynConnections, `{"connections":{"1":[[1,2,3,4,5,6,7,8]]},"connection_properties":["a"]}`, ServerMessageTypeSynConnections},
		{CmdEfferentNeuronIDs, `[1,2,3]`, ServerMessageTypeEfferentNeuronIDs},
		{CmdSimulationInit, ``, ServerMessageTypeSimulationInit},
		{CmdSimulationFinish, `null`, ServerMessageTypeSimulationFinish},
		{CmdSimulationResult, `{"gid":1,"values":[0.1]}`, ServerMessageTypeSimulationResult},
		{"", `{}`, ServerMessageTypeUnknown},
		{"circuit_cells_data", `[[1,2]]`, ServerMessageTypeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.cmd, func(t *testing.T) {
			msg, err := ParseServerMessage(tc.cmd, json.RawMessage(tc.data))
			require.NoError(t, err)
			assert.Equal(t, tc.want, msg.Type)
			assert.Equal(t, TopicFor(tc.cmd), msg.Event().Topic())
		})
	}
}

func TestParseServerMessageAccessors(t *testing.T) {
	msg, err := ParseServerMessage(CmdCircuitPropIndex, json.RawMessage(`{"prop":"mtype","values":[3,4]}`))
	require.NoError(t, err)

	chunk, ok := msg.AsCircuitPropIndex()
	require.True(t, ok)
	assert.Equal(t, "mtype", chunk.Prop)
	assert.Equal(t, []uint32{3, 4}, chunk.Values)

	values, ok := msg.AsCircuitPropValues()
	assert.False(t, ok)
	assert.Nil(t, values)
	unknown, ok := msg.AsUnknown()
	assert.False(t, ok)
	assert.Nil(t, unknown)
}

func TestParseServerMessageRejectsBadChunks(t *testing.T) {
	cases := map[string]string{
		CmdCircuitPropValues:    `{"values":[1]}`,
		CmdCircuitPropIndex:     `{"prop":"layer"}`,
		CmdCircuitCellPositions: `{}`,
		CmdServerStatus:         `null`,
		CmdCellMorphology:       `[1,2]`,
	}
	for cmd, data := range cases {
		t.Run(cmd, func(t *testing.T) {
			_, err := ParseServerMessage(cmd, json.RawMessage(data))
			assert.Error(t, err)
		})
	}
}

func TestCircuitMetadataErr(t *testing.T) {
	meta := CircuitMetadata{Error: "Error accessing a file in GPFS", Description: "missing"}
	var perr *ProtocolError
	require.True(t, errors.As(meta.Err(), &perr))
	assert.Equal(t, "Error accessing a file in GPFS: missing", perr.Error())

	ok := CircuitMetadata{Props: []string{"layer"}, Prop: map[string]PropMeta{"layer": {Size: 6}}, Count: 3}
	assert.NoError(t, ok.Err())
	assert.NoError(t, ok.Validate())

	ok.Props = append(ok.Props, "mtype")
	assert.Error(t, ok.Validate())

	negative := CircuitMetadata{Props: []string{"layer"}, Prop: map[string]PropMeta{"layer": {Size: -1}}, Count: 3}
	assert.ErrorContains(t, negative.Validate(), "negative size")
}

func TestCorrelationID(t *testing.T) {
	id, ok := correlationID(json.RawMessage(`{"cmdid":12,"status":"x"}`))
	assert.True(t, ok)
	assert.Equal(t, uint64(12), id)

	for _, data := range []string{`{"status":"x"}`, `{"cmdid":null}`, `{"cmdid":0}`, `[1,2]`, `"s"`, ``} {
		_, ok := correlationID(json.RawMessage(data))
		assert.False(t, ok, data)
	}
}
