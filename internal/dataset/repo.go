package dataset

import (
	"context"

	"github.com/google/uuid"
)

// Repository reads dataset query definitions from the app database.
type Repository interface {
	GetAll(ctx context.Context) ([]Query, error)
	Get(ctx context.Context, id uuid.UUID) (*Query, error)
	// Tags returns the tags of every dataset query, or of ids when given.
	Tags(ctx context.Context, ids ...uuid.UUID) ([]Tag, error)
}

type Tag struct {
	DatasetQueryID uuid.UUID
	Tag            string
}
