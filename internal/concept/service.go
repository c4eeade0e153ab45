package concept

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/leafcohort/leaf/internal/compiler"
	"github.com/leafcohort/leaf/internal/platform/auth"
	"github.com/leafcohort/leaf/internal/platform/db"
)

// ErrInvalidArgument marks requests rejected before reaching the database.
var ErrInvalidArgument = errors.New("invalid argument")

// Searcher serves the concept tree to users.
type Searcher struct {
	repo Repository
}

func NewSearcher(repo Repository) *Searcher {
	return &Searcher{repo: repo}
}

// GetAncestryBySearchTerm returns the concepts whose display name contains
// every whitespace-separated word of term, together with their ancestors.
func (s *Searcher) GetAncestryBySearchTerm(ctx context.Context, user *auth.User, rootID *uuid.UUID, term string) ([]*compiler.Concept, error) {
	terms := strings.Fields(term)
	if len(terms) == 0 {
		return nil, fmt.Errorf("%w: search term is required", ErrInvalidArgument)
	}
	return s.repo.GetWithParentsBySearchTerms(ctx, user, rootID, terms)
}

// GetAncestry returns the concepts and all of their ancestors.
func (s *Searcher) GetAncestry(ctx context.Context, user *auth.User, ids []uuid.UUID) ([]*compiler.Concept, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one concept id is required", ErrInvalidArgument)
	}
	return s.repo.GetWithParents(ctx, user, ids)
}

func (s *Searcher) GetChildren(ctx context.Context, user *auth.User, parentID uuid.UUID) ([]*compiler.Concept, error) {
	return s.repo.GetChildren(ctx, user, parentID)
}

// GetTreetop returns the root concepts and the site's panel filters.
func (s *Searcher) GetTreetop(ctx context.Context, user *auth.User) (*TreeTop, error) {
	roots, err := s.repo.GetRoots(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("load root concepts: %w", err)
	}
	filters, err := s.repo.GetPanelFilters(ctx)
	if err != nil {
		return nil, fmt.Errorf("load panel filters: %w", err)
	}
	if roots == nil {
		roots = []*compiler.Concept{}
	}
	if filters == nil {
		filters = []PanelFilter{}
	}
	return &TreeTop{PanelFilters: filters, Concepts: roots}, nil
}

// Get returns db.ErrNotFound when the concept does not exist or is not
// visible to the user.
func (s *Searcher) Get(ctx context.Context, user *auth.User, id uuid.UUID) (*compiler.Concept, error) {
	concepts, err := s.repo.GetMany(ctx, user, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	if len(concepts) == 0 {
		return nil, db.ErrNotFound
	}
	return concepts[0], nil
}

func (s *Searcher) GetMany(ctx context.Context, user *auth.User, ids []uuid.UUID) ([]*compiler.Concept, error) {
	return s.repo.GetMany(ctx, user, ids)
}

func (s *Searcher) GetByUniversalIDs(ctx context.Context, user *auth.User, uids []string) ([]*compiler.Concept, error) {
	return s.repo.GetByUniversalIDs(ctx, user, uids)
}
