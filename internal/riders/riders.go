// Package riders holds the riding-school students of an organization. Every
// operation is scoped to the organization bound to the caller's access token
// and gated by a riders:* permission that is checked before any lookup.
package riders

import (
	"context"
	"strings"
	"time"

	"paddock.org/internal/auth"
	"paddock.org/internal/ids"
	"paddock.org/internal/softdelete"
)

// Rider is a soft-deletable student record.
type Rider struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// Store persists riders. Reads hide deleted rows unless
// softdelete.WithDeleted is passed. Missing rows are auth.ErrNotFound.
type Store interface {
	Create(ctx context.Context, r *Rider) error
	Find(ctx context.Context, orgID, id string, opts ...softdelete.Option) (*Rider, error)
	List(ctx context.Context, orgID string, opts ...softdelete.Option) ([]*Rider, error)
	SoftDelete(ctx context.Context, orgID, id string, at time.Time) error
	Restore(ctx context.Context, orgID, id string) error
}

// Authorizer checks a permission and records denials.
type Authorizer interface {
	Require(rc *auth.RequestContext, perm string) error
}

// CreateInput carries a new rider.
type CreateInput struct {
	FirstName string
	LastName  string
}

// Service applies permission and tenant checks in front of a Store.
type Service struct {
	store Store
	authz Authorizer
	now   func() time.Time
}

// NewService constructs a Service.
func NewService(store Store, authz Authorizer) *Service {
	return &Service{store: store, authz: authz, now: time.Now}
}

// Create adds a rider to the caller's organization.
func (s *Service) Create(ctx context.Context, rc *auth.RequestContext, in CreateInput) (*Rider, error) {
	if err := s.authz.Require(rc, auth.PermRidersCreate); err != nil {
		return nil, err
	}
	first, last := strings.TrimSpace(in.FirstName), strings.TrimSpace(in.LastName)
	if first == "" || last == "" {
		return nil, auth.ErrInvalidInput
	}
	now := s.now().UTC()
	r := &Rider{
		ID:             ids.NewAt(now),
		OrganizationID: rc.OrganizationID(),
		FirstName:      first,
		LastName:       last,
		CreatedAt:      now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// List returns the organization's riders. Including deleted rows also needs
// riders:delete.
func (s *Service) List(ctx context.Context, rc *auth.RequestContext, opts ...softdelete.Option) ([]*Rider, error) {
	if err := s.authz.Require(rc, auth.PermRidersView); err != nil {
		return nil, err
	}
	if softdelete.Resolve(opts...) == softdelete.IncludeDeleted {
		if err := s.authz.Require(rc, auth.PermRidersDelete); err != nil {
			return nil, err
		}
	}
	return s.store.List(ctx, rc.OrganizationID(), opts...)
}

// Get returns one live rider.
func (s *Service) Get(ctx context.Context, rc *auth.RequestContext, id string) (*Rider, error) {
	if err := s.authz.Require(rc, auth.PermRidersView); err != nil {
		return nil, err
	}
	return s.store.Find(ctx, rc.OrganizationID(), id)
}

// Delete soft-deletes a rider.
func (s *Service) Delete(ctx context.Context, rc *auth.RequestContext, id string) error {
	if err := s.authz.Require(rc, auth.PermRidersDelete); err != nil {
		return err
	}
	return s.store.SoftDelete(ctx, rc.OrganizationID(), id, s.now().UTC())
}

// Restore clears the deletion marker of a rider.
func (s *Service) Restore(ctx context.Context, rc *auth.RequestContext, id string) (*Rider, error) {
	if err := s.authz.Require(rc, auth.PermRidersDelete); err != nil {
		return nil, err
	}
	orgID := rc.OrganizationID()
	if err := s.store.Restore(ctx, orgID, id); err != nil {
		return nil, err
	}
	return s.store.Find(ctx, orgID, id)
}
