package cohort

import (
	"context"

	"github.com/google/uuid"
)

// QueryStore persists counted queries and caches their cohorts.
type QueryStore interface {
	// Save records q and, when q.Cached is set, its members. The first
	// exportLimit members in the given order are flagged exportable.
	Save(ctx context.Context, q *SavedQuery, patients []string, exportLimit int) error
	Get(ctx context.Context, id uuid.UUID) (*SavedQuery, error)
	GetPatients(ctx context.Context, id uuid.UUID, exportedOnly bool) ([]string, error)
}
