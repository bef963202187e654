package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	protocols Repository
	resolver  *Resolver
}

func NewService(repo Repository, resolver *Resolver) *Service {
	return &Service{protocols: repo, resolver: resolver}
}

func (s *Service) Resolver() *Resolver { return s.resolver }

func (s *Service) CreateProtocol(ctx context.Context, p *Protocol) error {
	if err := Validate(p); err != nil {
		return err
	}
	p.Version = 1
	return s.protocols.Create(ctx, p)
}

func (s *Service) GetProtocol(ctx context.Context, id uuid.UUID) (*Protocol, error) {
	return s.protocols.GetByID(ctx, id)
}

// UpdateProtocol replaces a protocol's definition. Existing assignments keep
// their generated instances; only later assignments see the new version.
func (s *Service) UpdateProtocol(ctx context.Context, p *Protocol) error {
	if p.ID == uuid.Nil {
		return fmt.Errorf("id is required")
	}
	if err := Validate(p); err != nil {
		return err
	}
	return s.protocols.Update(ctx, p)
}

func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return s.protocols.SetActive(ctx, id, active)
}

func (s *Service) ListProtocols(ctx context.Context, activeOnly bool, limit, offset int) ([]*Protocol, int, error) {
	return s.protocols.List(ctx, activeOnly, limit, offset)
}

func (s *Service) ListForSurgeryType(ctx context.Context, surgeryType string) ([]*Protocol, error) {
	if surgeryType == "" {
		return nil, fmt.Errorf("surgery_type is required")
	}
	return s.protocols.ListBySurgeryType(ctx, surgeryType)
}

// Preview resolves a stored protocol against a surgery date without
// persisting anything.
func (s *Service) Preview(ctx context.Context, id uuid.UUID, surgeryDate time.Time) ([]DayGroup, error) {
	p, err := s.protocols.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return GroupByDay(s.resolver.Resolve(p, surgeryDate)), nil
}

// ImportResult reports what Import did with one protocol.
type ImportResult struct {
	Name    string    `json:"name"`
	ID      uuid.UUID `json:"id"`
	Version int       `json:"version"`
	Created bool      `json:"created"`
}

// Import upserts protocols by name. A protocol that already exists is
// updated in place, which bumps its version.
func (s *Service) Import(ctx context.Context, protocols []*Protocol) ([]ImportResult, error) {
	results := make([]ImportResult, 0, len(protocols))
	for _, p := range protocols {
		existing, err := s.protocols.GetByName(ctx, p.Name)
		switch {
		case errors.Is(err, ErrProtocolNotFound):
			if err := s.CreateProtocol(ctx, p); err != nil {
				return results, fmt.Errorf("create %q: %w", p.Name, err)
			}
			results = append(results, ImportResult{Name: p.Name, ID: p.ID, Version: p.Version, Created: true})
		case err != nil:
			return results, fmt.Errorf("look up %q: %w", p.Name, err)
		default:
			p.ID = existing.ID
			if err := s.UpdateProtocol(ctx, p); err != nil {
				return results, fmt.Errorf("update %q: %w", p.Name, err)
			}
			results = append(results, ImportResult{Name: p.Name, ID: p.ID, Version: p.Version})
		}
	}
	return results, nil
}
