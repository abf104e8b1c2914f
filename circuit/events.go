package circuit

import (
	"github.com/Yuni-sa/ngv-viewer-go/bus"
	"github.com/Yuni-sa/ngv-viewer-go/config"
)

// State is a step of the circuit load state machine
type State int

const (
	StateIdle State = iota
	StateResolvingConfig
	StateCacheProbe
	StateHydrating
	StateFetchingMetadata
	StateFetchingPositions
	StateFetchingProperties
	StateWritingCache
	StateReady
	StateFailed
)

var stateNames = [...]string{
	StateIdle:               "idle",
	StateResolvingConfig:    "resolving_config",
	StateCacheProbe:         "cache_probe",
	StateHydrating:          "hydrating",
	StateFetchingMetadata:   "fetching_metadata",
	StateFetchingPositions:  "fetching_positions",
	StateFetchingProperties: "fetching_properties",
	StateWritingCache:       "writing_cache",
	StateReady:              "ready",
	StateFailed:             "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// StateChanged is emitted on every transition of a load
type StateChanged struct {
	State      State
	Generation uint64
	Circuit    config.CircuitConfig
}

func (StateChanged) Topic() bus.Topic { return "circuit:state" }

// CircuitLoaded is emitted once a dataset is complete and readable
type CircuitLoaded struct {
	Circuit   config.CircuitConfig
	Count     int
	Props     []string
	FromCache bool
}

func (CircuitLoaded) Topic() bus.Topic { return "circuitLoaded" }

// LoadFailed carries the error that aborted a load
type LoadFailed struct {
	Circuit config.CircuitConfig
	Err     error
}

func (LoadFailed) Topic() bus.Topic { return "circuit:load_failed" }

// ShowCircuitSelector asks the UI to let the user pick a circuit.
// Partial prefills the selector with a custom configuration, if any.
type ShowCircuitSelector struct {
	Closable bool
	Partial  *config.CircuitConfig
}

func (ShowCircuitSelector) Topic() bus.Topic { return "showCircuitSelector" }
