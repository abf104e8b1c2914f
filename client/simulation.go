package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Yuni-sa/ngv-viewer-go/bus"
)

// SimulationService handles run_simulation and its event stream
type SimulationService struct {
	client *Client
}

// NewSimulationService creates a new simulation service
func NewSimulationService(client *Client) *SimulationService {
	return &SimulationService{client: client}
}

// SimulationError is a failure reported by the simulator
type SimulationError struct {
	Stage string
	Data  any
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("simulation %s error: %v", e.Stage, e.Data)
}

// Run submits cfg. Progress arrives as simulation_* events on the bus.
func (s *SimulationService) Run(cfg SimulationConfig) error {
	return s.client.Send(CmdRunSimulation, cfg)
}

// Cancel asks the backend to stop the running simulation
func (s *SimulationService) Cancel() error {
	return s.client.Send(CmdCancelSimulation, nil)
}

// RunAndWait submits cfg, hands every result to onResult and returns when
// the simulation finishes or fails. Ending ctx cancels the simulation.
func (s *SimulationService) RunAndWait(ctx context.Context, cfg SimulationConfig, onResult func(SimulationResult)) error {
	b := s.client.bus
	done := make(chan error, 1)
	var once sync.Once
	finish := func(err error) {
		once.Do(func() { done <- err })
	}

	subs := []bus.SubscriptionID{
		bus.On(b, func(e SimulationResult) {
			if onResult != nil {
				onResult(e)
			}
		}),
		bus.Once(b, func(SimulationFinish) { finish(nil) }),
		bus.Once(b, func(e SimulationInitError) { finish(&SimulationError{Stage: "init", Data: e.Data}) }),
		bus.Once(b, func(e SimulationRunError) { finish(&SimulationError{Stage: "run", Data: e.Data}) }),
	}
	defer func() {
		for _, id := range subs {
			b.Off(id)
		}
	}()

	if err := s.Run(cfg); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if err := s.Cancel(); err != nil {
			s.client.logger.Warn("failed to cancel simulation", slog.String("error", err.Error()))
		}
		return ctx.Err()
	}
}
