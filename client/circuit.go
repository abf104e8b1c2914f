package client

import (
	"context"
	"fmt"
)

// CircuitService handles the circuit and cell commands
type CircuitService struct {
	client *Client
}

// NewCircuitService creates a new circuit service
func NewCircuitService(client *Client) *CircuitService {
	return &CircuitService{client: client}
}

// ServerStatus asks whether the backend is operational
func (s *CircuitService) ServerStatus(ctx context.Context) (string, error) {
	resp, err := s.client.Request(ctx, CmdGetServerStatus, nil)
	if err != nil {
		return "", err
	}
	var status ServerStatus
	if err := resp.Decode(&status); err != nil {
		return "", err
	}
	return status.Status, nil
}

// Metadata fetches the cell table description of the circuit named in the
// connection context. A backend failure comes back as *ProtocolError.
func (s *CircuitService) Metadata(ctx context.Context) (*CircuitMetadata, error) {
	resp, err := s.client.Request(ctx, CmdGetCircuitMetadata, nil)
	if err != nil {
		return nil, err
	}

	var meta CircuitMetadata
	if err := resp.Decode(&meta); err != nil {
		return nil, err
	}
	if err := meta.Err(); err != nil {
		return nil, err
	}
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit metadata: %w", err)
	}
	return &meta, nil
}

// RequestPropValues starts streaming the distinct values of prop as
// CircuitPropValues chunks
func (s *CircuitService) RequestPropValues(prop string) error {
	return s.client.Send(CmdGetCircuitPropValues, prop)
}

// RequestPropIndex starts streaming the per-cell value codes of prop as
// CircuitPropIndex chunks
func (s *CircuitService) RequestPropIndex(prop string) error {
	return s.client.Send(CmdGetCircuitPropIndex, prop)
}

// RequestCellPositions starts streaming soma positions as
// CircuitCellPositions chunks
func (s *CircuitService) RequestCellPositions() error {
	return s.client.Send(CmdGetCircuitCellPositions, nil)
}

// CellMorphology fetches the morphologies of gids
func (s *CircuitService) CellMorphology(ctx context.Context, gids []int) (*CellMorphology, error) {
	resp, err := s.client.Request(ctx, CmdGetCellMorphology, gids)
	if err != nil {
		return nil, err
	}
	var morph CellMorphology
	if err := resp.Decode(&morph); err != nil {
		return nil, err
	}
	return &morph, nil
}

// CellConnectome fetches the afferent and efferent gids of gid
func (s *CircuitService) CellConnectome(ctx context.Context, gid int) (*CellConnectome, error) {
	resp, err := s.client.Request(ctx, CmdGetCellConnectome, gid)
	if err != nil {
		return nil, err
	}
	var connectome CellConnectome
	if err := resp.Decode(&connectome); err != nil {
		return nil, err
	}
	return &connectome, nil
}

// SynConnections fetches the afferent synapses of gids
func (s *CircuitService) SynConnections(ctx context.Context, gids []int) (*SynConnections, error) {
	resp, err := s.client.Request(ctx, CmdGetSynConnections, gids)
	if err != nil {
		return nil, err
	}
	var syn SynConnections
	if err := resp.Decode(&syn); err != nil {
		return nil, err
	}
	return &syn, nil
}
