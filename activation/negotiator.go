package activation

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mauriciomferz/transfer-activation/transfer"
)

// Transport is the part of *transfer.Client a Session needs.
type Transport interface {
	Get(ctx context.Context, path string, query url.Values) (*transfer.Result, error)
	Post(ctx context.Context, path string, doc transfer.Document) (*transfer.Result, error)
}

// Negotiator fetches activation requirements.
type Negotiator struct {
	transport Transport
}

// NewNegotiator returns a Negotiator that issues requests through t.
func NewNegotiator(t Transport) *Negotiator {
	return &Negotiator{transport: t}
}

// FetchRequirements returns the requirements the endpoint currently asks
// for. Transport and API errors are returned unchanged; a document of the
// wrong shape is a transfer.ErrProtocol.
func (n *Negotiator) FetchRequirements(ctx context.Context, endpoint string) (*RequirementSet, error) {
	res, err := n.transport.Get(ctx, transfer.EndpointPath(endpoint)+"/activation_requirements", nil)
	if err != nil {
		return nil, err
	}
	set, err := ParseRequirements(res.Document)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", endpoint, err)
	}
	return set, nil
}
