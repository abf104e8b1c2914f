package client

import (
	"context"
)

// AstrocyteService handles the astrocyte commands.
// The backend may answer these without echoing the correlation id, so replies
// are also matched by command in request order.
type AstrocyteService struct {
	client *Client
}

// NewAstrocyteService creates a new astrocyte service
func NewAstrocyteService(client *Client) *AstrocyteService {
	return &AstrocyteService{client: client}
}

func (s *AstrocyteService) fetch(ctx context.Context, cmd, replyCmd string, data any) (any, error) {
	resp, err := s.client.call(ctx, cmd, replyCmd, data)
	if err != nil {
		return nil, err
	}
	return decodeValue(resp.Data)
}

// Somas fetches the soma positions and radii of every astrocyte
func (s *AstrocyteService) Somas(ctx context.Context) (any, error) {
	return s.fetch(ctx, CmdGetAstrocytesSomas, CmdAstrocytesSomas, nil)
}

// Props fetches the properties of one astrocyte
func (s *AstrocyteService) Props(ctx context.Context, astrocyte int) (any, error) {
	return s.fetch(ctx, CmdGetAstrocyteProps, CmdAstrocyteProps, astrocyte)
}

// EfferentNeurons fetches the neurons an astrocyte projects to
func (s *AstrocyteService) EfferentNeurons(ctx context.Context, astrocyte int) (any, error) {
	return s.fetch(ctx, CmdGetEfferentNeurons, CmdEfferentNeuronIDs, astrocyte)
}

// Morphology fetches the morphology of one astrocyte
func (s *AstrocyteService) Morphology(ctx context.Context, astrocyte int) (any, error) {
	return s.fetch(ctx, CmdGetAstrocyteMorph, CmdAstrocyteMorph, astrocyte)
}

// Microdomain fetches the microdomain mesh of one astrocyte
func (s *AstrocyteService) Microdomain(ctx context.Context, astrocyte int) (any, error) {
	return s.fetch(ctx, CmdGetAstrocyteMicrodomain, CmdAstrocyteMicrodomain, astrocyte)
}

// Synapses fetches the synapses between an astrocyte and a neuron
func (s *AstrocyteService) Synapses(ctx context.Context, astrocyte, neuron int) (any, error) {
	req := AstrocyteSynapsesRequest{Astrocyte: astrocyte, Neuron: neuron}
	return s.fetch(ctx, CmdGetAstrocyteSynapses, CmdSynapses, req)
}
