package help

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Pages(ctx context.Context) ([]Page, error)
	Categories(ctx context.Context) ([]Category, error)
	// Content returns a page's content ordered by OrderID.
	Content(ctx context.Context, pageID uuid.UUID) ([]Content, error)

	GetPage(ctx context.Context, id uuid.UUID) (*AdminPage, error)
	CreatePage(ctx context.Context, p *AdminPage) error
	// UpdatePage replaces the page's title, category and every content row.
	UpdatePage(ctx context.Context, p *AdminPage) error
	// DeletePage returns the deleted id, or nil when no such page existed.
	DeletePage(ctx context.Context, id uuid.UUID) (*uuid.UUID, error)
}
