package concept

import (
	"context"

	"github.com/google/uuid"

	"github.com/leafcohort/leaf/internal/compiler"
	"github.com/leafcohort/leaf/internal/platform/auth"
)

// Repository reads the concept tree. Every method hides concepts constrained
// to other users or groups unless the user is an admin.
type Repository interface {
	GetRoots(ctx context.Context, user *auth.User) ([]*compiler.Concept, error)
	GetPanelFilters(ctx context.Context) ([]PanelFilter, error)
	GetChildren(ctx context.Context, user *auth.User, parentID uuid.UUID) ([]*compiler.Concept, error)
	GetMany(ctx context.Context, user *auth.User, ids []uuid.UUID) ([]*compiler.Concept, error)
	GetByUniversalIDs(ctx context.Context, user *auth.User, uids []string) ([]*compiler.Concept, error)
	GetWithParents(ctx context.Context, user *auth.User, ids []uuid.UUID) ([]*compiler.Concept, error)
	GetWithParentsBySearchTerms(ctx context.Context, user *auth.User, rootID *uuid.UUID, terms []string) ([]*compiler.Concept, error)
}
