package client

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Yuni-sa/ngv-viewer-go/bus"
)

// ServerMessageType represents the type of server message
type ServerMessageType int

const (
	ServerMessageTypeUnknown ServerMessageType = iota
	ServerMessageTypeServerStatus
	ServerMessageTypeCircuitMetadata
	ServerMessageTypeCircuitPropValues
	ServerMessageTypeCircuitPropIndex
	ServerMessageTypeCircuitCellPositions
	ServerMessageTypeCellMorphology
	ServerMessageTypeCellConnectome
	ServerMessageTypeSynConnections
	ServerMessageTypeAstrocytesSomas
	ServerMessageTypeAstrocyteProps
	ServerMessageTypeEfferentNeuronIDs
	ServerMessageTypeAstrocyteMorph
	ServerMessageTypeAstrocyteMicrodomain
	ServerMessageTypeSynapses
	ServerMessageTypeSimulationQueued
	ServerMessageTypeSimulationInit
	ServerMessageTypeSimulationFinish
	ServerMessageTypeSimulationInitError
	ServerMessageTypeSimulationRunError
	ServerMessageTypeSimulationResult
)

// Commands received from the backend
const (
	CmdServerStatus         = "server_status"
	CmdCircuitMetadata      = "circuit_metadata"
	CmdCircuitPropValues    = "circuit_prop_values"
	CmdCircuitPropIndex     = "circuit_prop_index"
	CmdCircuitCellPositions = "circuit_cell_positions"
	CmdCellMorphology       = "cell_morphology"
	CmdCellConnectome       = "cell_connectome"
	CmdSynConnections       = "syn_connections"
	CmdAstrocytesSomas      = "astrocytes_somas"
	CmdAstrocyteProps       = "astrocyte_props"
	CmdEfferentNeuronIDs    = "efferent_neuron_ids"
	CmdAstrocyteMorph       = "astrocyte_morph"
	CmdAstrocyteMicrodomain = "astrocyte_microdomain"
	CmdSynapses             = "synapses"
	CmdSimulationQueued     = "simulation_queued"
	CmdSimulationInit       = "simulation_init"
	CmdSimulationFinish     = "simulation_finish"
	CmdSimulationInitError  = "simulation_init_error"
	CmdSimulationRunError   = "simulation_run_error"
	CmdSimulationResult     = "simulation_result"
)

// TopicFor returns the bus topic backend events of cmd are published on
func TopicFor(cmd string) bus.Topic {
	return bus.Topic("ws:" + cmd)
}

// ServerMessage is one decoded inbound message
type ServerMessage struct {
	Type    ServerMessageType
	Cmd     string
	Payload bus.Event
}

// Event returns the message as a bus event
func (sm *ServerMessage) Event() bus.Event {
	return sm.Payload
}

// Type-safe getters for each message type
func (sm *ServerMessage) AsServerStatus() (*ServerStatus, bool) {
	if v, ok := sm.Payload.(ServerStatus); ok && sm.Type == ServerMessageTypeServerStatus {
		return &v, true
	}
	return nil, false
}

func (sm *ServerMessage) AsCircuitMetadata() (*CircuitMetadata, bool) {
	if v, ok := sm.Payload.(CircuitMetadata); ok && sm.Type == ServerMessageTypeCircuitMetadata {
		return &v, true
	}
	return nil, false
}

func (sm *ServerMessage) AsCircuitPropValues() (*CircuitPropValues, bool) {
	if v, ok := sm.Payload.(CircuitPropValues); ok && sm.Type == ServerMessageTypeCircuitPropValues {
		return &v, true
	}
	return nil, false
}

func (sm *ServerMessage) AsCircuitPropIndex() (*CircuitPropIndex, bool) {
	if v, ok := sm.Payload.(CircuitPropIndex); ok && sm.Type == ServerMessageTypeCircuitPropIndex {
		return &v, true
	}
	return nil, false
}

func (sm *ServerMessage) AsCircuitCellPositions() (*CircuitCellPositions, bool) {
	if v, ok := sm.Payload.(CircuitCellPositions); ok && sm.Type == ServerMessageTypeCircuitCellPositions {
		return &v, true
	}
	return nil, false
}

func (sm *ServerMessage) AsCellMorphology() (*CellMorphology, bool) {
	if v, ok := sm.Payload.(CellMorphology); ok && sm.Type == ServerMessageTypeCellMorphology {
		return &v, true
	}
	return nil, false
}

func (sm *ServerMessage) AsSynConnections() (*SynConnections, bool) {
	if v, ok := sm.Payload.(SynConnections); ok && sm.Type == ServerMessageTypeSynConnections {
		return &v, true
	}
	return nil, false
}

func (sm *ServerMessage) AsSimulationResult() (*SimulationResult, bool) {
	if v, ok := sm.Payload.(SimulationResult); ok && sm.Type == ServerMessageTypeSimulationResult {
		return &v, true
	}
	return nil, false
}

func (sm *ServerMessage) AsUnknown() (*UnknownEvent, bool) {
	if v, ok := sm.Payload.(UnknownEvent); ok && sm.Type == ServerMessageTypeUnknown {
		return &v, true
	}
	return nil, false
}

// ServerStatus reports whether the backend accepts work
type ServerStatus struct {
	Status string `json:"status"`
}

func (ServerStatus) Topic() bus.Topic { return TopicFor(CmdServerStatus) }

// PropMeta describes one cell property column
type PropMeta struct {
	// Size is the number of distinct values of the property.
	Size int `json:"size"`
}

// CircuitMetadata describes the cell table of a circuit.
// Props lists the properties in declaration order.
type CircuitMetadata struct {
	Prop  map[string]PropMeta `json:"prop"`
	Props []string            `json:"props"`
	Count int                 `json:"count"`
	BBox  any                 `json:"bbox,omitempty"`

	Error       string `json:"error,omitempty" msgpack:"-"`
	Description string `json:"description,omitempty" msgpack:"-"`
}

func (CircuitMetadata) Topic() bus.Topic { return TopicFor(CmdCircuitMetadata) }

// Err returns the protocol error the backend answered with, if any
func (m *CircuitMetadata) Err() error {
	if m.Error == "" {
		return nil
	}
	return &ProtocolError{Name: m.Error, Description: m.Description}
}

// Validate checks that every declared property has metadata
func (m *CircuitMetadata) Validate() error {
	if m.Count < 0 {
		return fmt.Errorf("negative cell count %d", m.Count)
	}
	for _, p := range m.Props {
		meta, ok := m.Prop[p]
		if !ok {
			return fmt.Errorf("property %q declared without metadata", p)
		}
		if meta.Size < 0 {
			return fmt.Errorf("property %q has negative size %d", p, meta.Size)
		}
	}
	return nil
}

// CircuitPropValues is one chunk of a property's distinct values
type CircuitPropValues struct {
	Prop   string `json:"prop"`
	Values []any  `json:"values"`
}

func (CircuitPropValues) Topic() bus.Topic { return TopicFor(CmdCircuitPropValues) }

// CircuitPropIndex is one chunk of a property's per-cell value codes
type CircuitPropIndex struct {
	Prop   string   `json:"prop"`
	Values []uint32 `json:"values"`
}

func (CircuitPropIndex) Topic() bus.Topic { return TopicFor(CmdCircuitPropIndex) }

// CircuitCellPositions is one chunk of flattened x, y, z soma positions
type CircuitCellPositions struct {
	Positions []float32 `json:"positions"`
}

func (CircuitCellPositions) Topic() bus.Topic { return TopicFor(CmdCircuitCellPositions) }

// MorphSection is one neurite section
type MorphSection struct {
	ID     int         `json:"id"`
	Type   string      `json:"type"`
	Points [][]float64 `json:"points"`
	Name   string      `json:"name,omitempty"`
}

// CellMorph is the morphology of one cell
type CellMorph struct {
	Sections    []MorphSection `json:"sections"`
	Orientation any            `json:"orientation,omitempty"`
}

// CellMorphology maps gids to their morphologies
type CellMorphology struct {
	Cells map[string]CellMorph `json:"cells"`
}

func (CellMorphology) Topic() bus.Topic { return TopicFor(CmdCellMorphology) }

// CellConnectome lists the afferent and efferent gids of a cell
type CellConnectome struct {
	Afferent []int `json:"afferent"`
	Efferent []int `json:"efferent"`
}

func (CellConnectome) Topic() bus.Topic { return TopicFor(CmdCellConnectome) }

// SynConnections holds afferent synapses per gid. Each synapse is a row of
// values ordered like ConnectionProperties.
type SynConnections struct {
	Connections          map[string][][]float64 `json:"connections"`
	ConnectionProperties []string               `json:"connection_properties"`
}

func (SynConnections) Topic() bus.Topic { return TopicFor(CmdSynConnections) }

// Astrocyte payloads are passed through as decoded JSON

type AstrocytesSomas struct{ Value any }

func (AstrocytesSomas) Topic() bus.Topic { return TopicFor(CmdAstrocytesSomas) }

type AstrocyteProps struct{ Value any }

func (AstrocyteProps) Topic() bus.Topic { return TopicFor(CmdAstrocyteProps) }

type EfferentNeuronIDs struct{ Value any }

func (EfferentNeuronIDs) Topic() bus.Topic { return TopicFor(CmdEfferentNeuronIDs) }

type AstrocyteMorph struct{ Value any }

func (AstrocyteMorph) Topic() bus.Topic { return TopicFor(CmdAstrocyteMorph) }

type AstrocyteMicrodomain struct{ Value any }

func (AstrocyteMicrodomain) Topic() bus.Topic { return TopicFor(CmdAstrocyteMicrodomain) }

type Synapses struct{ Value any }

func (Synapses) Topic() bus.Topic { return TopicFor(CmdSynapses) }

// Simulation lifecycle events

type SimulationQueued struct{ Data any }

func (SimulationQueued) Topic() bus.Topic { return TopicFor(CmdSimulationQueued) }

type SimulationInit struct{}

func (SimulationInit) Topic() bus.Topic { return TopicFor(CmdSimulationInit) }

type SimulationFinish struct{}

func (SimulationFinish) Topic() bus.Topic { return TopicFor(CmdSimulationFinish) }

type SimulationInitError struct{ Data any }

func (SimulationInitError) Topic() bus.Topic { return TopicFor(CmdSimulationInitError) }

type SimulationRunError struct{ Data any }

func (SimulationRunError) Topic() bus.Topic { return TopicFor(CmdSimulationRunError) }

type SimulationResult struct{ Data any }

func (SimulationResult) Topic() bus.Topic { return TopicFor(CmdSimulationResult) }

// UnknownEvent carries a message whose command is not known or whose payload
// failed validation. It is published on the topic of its own command, so
// subscribe with (*bus.Bus).On(TopicFor(cmd), ...).
type UnknownEvent struct {
	Cmd  string
	Data json.RawMessage
	Err  error
}

func (e UnknownEvent) Topic() bus.Topic { return TopicFor(e.Cmd) }

var errMissingField = errors.New("missing required field")

func decodeStruct[T bus.Event](data json.RawMessage, v *T) error {
	if len(data) == 0 || string(data) == "null" {
		return errMissingField
	}
	return json.Unmarshal(data, v)
}

func decodeValue(data json.RawMessage) (any, error) {
	var v any
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func parsed(t ServerMessageType, cmd string, payload bus.Event) *ServerMessage {
	return &ServerMessage{Type: t, Cmd: cmd, Payload: payload}
}

// ParseServerMessage decodes the data of an inbound frame by its command.
// Unknown commands yield a ServerMessageTypeUnknown message. A known command
// whose payload does not have the expected shape is an error.
func ParseServerMessage(cmd string, data json.RawMessage) (*ServerMessage, error) {
	switch cmd {
	case CmdServerStatus:
		var v ServerStatus
		if err := decodeStruct(data, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", cmd, err)
		}
		return parsed(ServerMessageTypeServerStatus, cmd, v), nil

	case CmdCircuitMetadata:
		var v CircuitMetadata
		if err := decodeStruct(data, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", cmd, err)
		}
		return parsed(ServerMessageTypeCircuitMetadata, cmd, v), nil

	case CmdCircuitPropValues:
		var v CircuitPropValues
		if err := decodeStruct(data, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", cmd, err)
		}
		if v.Prop == "" || v.Values == nil {
			return nil, fmt.Errorf("%s chunk: %w: prop and values", cmd, errMissingField)
		}
		return parsed(ServerMessageTypeCircuitPropValues, cmd, v), nil

	case CmdCircuitPropIndex:
		var v CircuitPropIndex
		if err := decodeStruct(data, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", cmd, err)
		}
		if v.Prop == "" || v.Values == nil {
			return nil, fmt.Errorf("%s chunk: %w: prop and values", cmd, errMissingField)
		}
		return parsed(ServerMessageTypeCircuitPropIndex, cmd, v), nil

	case CmdCircuitCellPositions:
		var v CircuitCellPositions
		if err := decodeStruct(data, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", cmd, err)
		}
		if v.Positions == nil {
			return nil, fmt.Errorf("%s chunk: %w: positions", cmd, errMissingField)
		}
		return parsed(ServerMessageTypeCircuitCellPositions, cmd, v), nil

	case CmdCellMorphology:
		var v CellMorphology
		if err := decodeStruct(data, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", cmd, err)
		}
		return parsed(ServerMessageTypeCellMorphology, cmd, v), nil

	case CmdCellConnectome:
		var v CellConnectome
		if err := decodeStruct(data, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", cmd, err)
		}
		return parsed(ServerMessageTypeCellConnectome, cmd, v), nil

	case CmdSynConnections:
		var v SynConnections
		if err := decodeStruct(data, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", cmd, err)
		}
		return parsed(ServerMessageTypeSynConnections, cmd, v), nil

	case CmdAstrocytesSomas, CmdAstrocyteProps, CmdEfferentNeuronIDs,
		CmdAstrocyteMorph, CmdAstrocyteMicrodomain, CmdSynapses:
		value, err := decodeValue(data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", cmd, err)
		}
		return parseAstrocyte(cmd, value), nil

	case CmdSimulationQueued, CmdSimulationInit, CmdSimulationFinish,
		CmdSimulationInitError, CmdSimulationRunError, CmdSimulationResult:
		value, err := decodeValue(data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", cmd, err)
		}
		return parseSimulation(cmd, value), nil
	}

	return parsed(ServerMessageTypeUnknown, cmd, UnknownEvent{Cmd: cmd, Data: data}), nil
}

func parseAstrocyte(cmd string, value any) *ServerMessage {
	switch cmd {
	case CmdAstrocytesSomas:
		return parsed(ServerMessageTypeAstrocytesSomas, cmd, AstrocytesSomas{Value: value})
	case CmdAstrocyteProps:
		return parsed(ServerMessageTypeAstrocyteProps, cmd, AstrocyteProps{Value: value})
	case CmdEfferentNeuronIDs:
		return parsed(ServerMessageTypeEfferentNeuronIDs, cmd, EfferentNeuronIDs{Value: value})
	case CmdAstrocyteMorph:
		return parsed(ServerMessageTypeAstrocyteMorph, cmd, AstrocyteMorph{Value: value})
	case CmdAstrocyteMicrodomain:
		return parsed(ServerMessageTypeAstrocyteMicrodomain, cmd, AstrocyteMicrodomain{Value: value})
	default:
		return parsed(ServerMessageTypeSynapses, cmd, Synapses{Value: value})
	}
}

func parseSimulation(cmd string, value any) *ServerMessage {
	switch cmd {
	case CmdSimulationQueued:
		return parsed(ServerMessageTypeSimulationQueued, cmd, SimulationQueued{Data: value})
	case CmdSimulationInit:
		return parsed(ServerMessageTypeSimulationInit, cmd, SimulationInit{})
	case CmdSimulationFinish:
		return parsed(ServerMessageTypeSimulationFinish, cmd, SimulationFinish{})
	case CmdSimulationInitError:
		return parsed(ServerMessageTypeSimulationInitError, cmd, SimulationInitError{Data: value})
	case CmdSimulationRunError:
		return parsed(ServerMessageTypeSimulationRunError, cmd, SimulationRunError{Data: value})
	default:
		return parsed(ServerMessageTypeSimulationResult, cmd, SimulationResult{Data: value})
	}
}
