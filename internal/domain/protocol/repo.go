package protocol

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create stores the protocol with its task templates.
	Create(ctx context.Context, p *Protocol) error
	// GetByID returns the protocol with its templates, or ErrProtocolNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*Protocol, error)
	GetByName(ctx context.Context, name string) (*Protocol, error)
	// Update replaces the protocol's fields and templates and bumps its version.
	Update(ctx context.Context, p *Protocol) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Protocol, int, error)
	ListBySurgeryType(ctx context.Context, surgeryType string) ([]*Protocol, error)
}
