package help

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Pages(ctx context.Context) ([]Page, error) {
	pages, err := s.repo.Pages(ctx)
	if pages == nil && err == nil {
		pages = []Page{}
	}
	return pages, err
}

func (s *Service) Categories(ctx context.Context) ([]Category, error) {
	categories, err := s.repo.Categories(ctx)
	if categories == nil && err == nil {
		categories = []Category{}
	}
	return categories, err
}

func (s *Service) Content(ctx context.Context, pageID uuid.UUID) ([]Content, error) {
	content, err := s.repo.Content(ctx, pageID)
	if content == nil && err == nil {
		content = []Content{}
	}
	return content, err
}

// -- Admin --

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*AdminPage, error) {
	return s.repo.GetPage(ctx, id)
}

func (s *Service) Create(ctx context.Context, p *AdminPage) error {
	p.ID = uuid.New()
	if err := prepare(p); err != nil {
		return err
	}
	return s.repo.CreatePage(ctx, p)
}

func (s *Service) Update(ctx context.Context, p *AdminPage) error {
	if p.ID == uuid.Nil {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if err := prepare(p); err != nil {
		return err
	}
	return s.repo.UpdatePage(ctx, p)
}

// Delete returns the deleted page id, or nil when the page did not exist.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) (*uuid.UUID, error) {
	return s.repo.DeletePage(ctx, id)
}

// prepare validates p and normalises its content: rows are attached to the
// page, given fresh ids, and renumbered in their stable OrderID order.
func prepare(p *AdminPage) error {
	p.Title = strings.TrimSpace(p.Title)
	p.Category.Name = strings.TrimSpace(p.Category.Name)
	if p.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if p.Category.Name == "" {
		return fmt.Errorf("%w: category is required", ErrInvalid)
	}
	for i, c := range p.Content {
		switch c.Type {
		case ContentText:
			if strings.TrimSpace(c.TextContent) == "" {
				return fmt.Errorf("%w: content %d has no text", ErrInvalid, i)
			}
		case ContentImage:
			if len(c.ImageContent) == 0 {
				return fmt.Errorf("%w: content %d has no image", ErrInvalid, i)
			}
		default:
			return fmt.Errorf("%w: content %d has unknown type %q", ErrInvalid, i, c.Type)
		}
	}

	sort.SliceStable(p.Content, func(i, j int) bool { return p.Content[i].OrderID < p.Content[j].OrderID })
	for i := range p.Content {
		p.Content[i].ID = uuid.New()
		p.Content[i].PageID = p.ID
		p.Content[i].OrderID = i
	}
	return nil
}
