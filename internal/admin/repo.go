package admin

import (
	"context"

	"github.com/google/uuid"

	"github.com/leafcohort/leaf/internal/compiler"
)

type SQLSetRepository interface {
	List(ctx context.Context) ([]SQLSet, error)
	Get(ctx context.Context, id int) (*SQLSet, error)
	Create(ctx context.Context, s *SQLSet) error
	Update(ctx context.Context, s *SQLSet) error
	// Delete removes the set only when nothing depends on it, and otherwise
	// returns the dependents.
	Delete(ctx context.Context, id int) (*SQLSetDeleteResult, error)
}

type SpecializationRepository interface {
	ListGroups(ctx context.Context) ([]compiler.SpecializationGroup, error)
	GetGroup(ctx context.Context, id int) (*compiler.SpecializationGroup, error)
	// CreateGroup stores g and its specializations.
	CreateGroup(ctx context.Context, g *compiler.SpecializationGroup) error
	UpdateGroup(ctx context.Context, g *compiler.SpecializationGroup) error
	DeleteGroup(ctx context.Context, id int) (*SpecializationGroupDeleteResult, error)

	Create(ctx context.Context, s *compiler.Specialization) error
	Update(ctx context.Context, s *compiler.Specialization) error
	Delete(ctx context.Context, id uuid.UUID) error
}
