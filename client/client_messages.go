package client

import (
	"encoding/json"
	"fmt"
)

// Commands sent to the backend
const (
	CmdGetServerStatus         = "get_server_status"
	CmdGetCircuitMetadata      = "get_circuit_metadata"
	CmdGetCircuitPropValues    = "get_circuit_prop_values"
	CmdGetCircuitPropIndex     = "get_circuit_prop_index"
	CmdGetCircuitCellPositions = "get_circuit_cell_positions"
	CmdGetCellMorphology       = "get_cell_morphology"
	CmdGetCellConnectome       = "get_cell_connectome"
	CmdGetSynConnections       = "get_syn_connections"
	CmdGetAstrocytesSomas      = "get_astrocytes_somas"
	CmdGetAstrocyteProps       = "get_astrocyte_props"
	CmdGetEfferentNeurons      = "get_efferent_neurons"
	CmdGetAstrocyteMorph       = "get_astrocyte_morph"
	CmdGetAstrocyteMicrodomain = "get_astrocyte_microdomain"
	CmdGetAstrocyteSynapses    = "get_astrocyte_synapses"
	CmdRunSimulation           = "run_simulation"
	CmdCancelSimulation        = "cancel_simulation"
)

// Frame is the envelope of every message sent to the backend
type Frame struct {
	Cmd       string          `json:"cmd"`
	Data      json.RawMessage `json:"data"`
	Context   map[string]any  `json:"context"`
	CmdID     *uint64         `json:"cmdid"`
	Timestamp int64           `json:"timestamp"`
}

// inboundFrame is the envelope of every message the backend sends
type inboundFrame struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data"`
}

// outbound is a frame waiting to be written. Context and timestamp are
// stamped at write time so queued frames carry the context current at flush.
type outbound struct {
	cmd   string
	data  json.RawMessage
	cmdID *uint64
}

func encodeData(data any) (json.RawMessage, error) {
	if data == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("error encoding frame data: %w", err)
	}
	return b, nil
}

// AstrocyteSynapsesRequest selects the synapses between an astrocyte and a neuron
type AstrocyteSynapsesRequest struct {
	Astrocyte int `json:"astrocyte"`
	Neuron    int `json:"neuron"`
}

// SimulationConfig is the payload of run_simulation
type SimulationConfig struct {
	Gids        []int                    `json:"gids"`
	TStop       float64                  `json:"tStop"`
	TimeStep    float64                  `json:"timeStep"`
	ForwardSkip float64                  `json:"forwardSkip"`
	AddReplay   bool                     `json:"addReplay"`
	AddMinis    bool                     `json:"addMinis"`
	NetStimuli  any                      `json:"netStimuli,omitempty"`
	Stimuli     []Stimulus               `json:"stimuli"`
	Recordings  []Recording              `json:"recordings"`
	Synapses    map[string]SynapticInput `json:"synapses"`
}

// Stimulus is a current injection on one section
type Stimulus struct {
	Gid              int     `json:"gid"`
	SectionName      string  `json:"sectionName"`
	SectionType      string  `json:"sectionType"`
	Type             string  `json:"type"`
	Delay            float64 `json:"delay"`
	Duration         float64 `json:"duration"`
	Current          float64 `json:"current"`
	Voltage          float64 `json:"voltage"`
	StopCurrent      float64 `json:"stopCurrent"`
	SeriesResistance float64 `json:"seriesResistance"`
	Frequency        float64 `json:"frequency"`
	Width            float64 `json:"width"`
}

// DefaultStimulus returns a step stimulus with the viewer's defaults
func DefaultStimulus(gid int, sectionName, sectionType string) Stimulus {
	return Stimulus{
		Gid:              gid,
		SectionName:      sectionName,
		SectionType:      sectionType,
		Type:             "step",
		Delay:            100,
		Duration:         200,
		Current:          0.7,
		Voltage:          -70,
		StopCurrent:      0.2,
		SeriesResistance: 0.01,
		Frequency:        12,
		Width:            5,
	}
}

// Recording is a voltage recording site
type Recording struct {
	Gid         int    `json:"gid"`
	SectionName string `json:"sectionName"`
	SectionType string `json:"sectionType"`
}

// SynapticInput drives the synapses of one presynaptic cell
type SynapticInput struct {
	SpikeFrequency float64      `json:"spikeFrequency"`
	WeightScalar   float64      `json:"weightScalar"`
	Duration       float64      `json:"duration"`
	Delay          float64      `json:"delay"`
	Synapses       []SynapseRef `json:"synapses"`
}

// SynapseRef addresses one afferent synapse of a postsynaptic cell
type SynapseRef struct {
	PostGid int `json:"postGid"`
	Index   int `json:"index"`
}
