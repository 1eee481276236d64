// Package agent provides the client to the external agent service that
// hosts conversational AI instances.
package agent

import (
	"context"

	"github.com/niya-labs/niya-bridge/internal/domain"
)

// Client manages agent instances on the external service. Instances are
// disposable: the lifecycle manager creates one seeded with context
// blocks, exchanges turns with it and releases it on reset.
type Client interface {
	// CreateInstance provisions a fresh instance seeded with the given
	// context blocks and returns its id.
	CreateInstance(ctx context.Context, name string, blocks []domain.ContextBlock) (string, error)

	// SendTurn sends one user message to an instance and returns the
	// raw reply text.
	SendTurn(ctx context.Context, instanceID, message string) (string, error)

	// ReleaseInstance deletes an instance on the service.
	ReleaseInstance(ctx context.Context, instanceID string) error

	// ListInstances returns the ids of all instances on the service.
	ListInstances(ctx context.Context) ([]string, error)

	// Health checks if the agent service is reachable.
	Health(ctx context.Context) error
}

// Ensure HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
