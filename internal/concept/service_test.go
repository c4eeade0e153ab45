package concept

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/leafcohort/leaf/internal/compiler"
	"github.com/leafcohort/leaf/internal/platform/auth"
	"github.com/leafcohort/leaf/internal/platform/db"
)

// -- Mock Repository --

type mockRepo struct {
	concepts    map[uuid.UUID]*compiler.Concept
	filters     []PanelFilter
	constrained map[uuid.UUID]string
	lastTerms   []string
	lastRoot    *uuid.UUID
	err         error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		concepts:    make(map[uuid.UUID]*compiler.Concept),
		constrained: make(map[uuid.UUID]string),
	}
}

func (m *mockRepo) add(c *compiler.Concept) *compiler.Concept {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	m.concepts[c.ID] = c
	return c
}

func (m *mockRepo) visible(user *auth.User, c *compiler.Concept) bool {
	owner, ok := m.constrained[c.ID]
	if !ok || (user != nil && user.IsAdmin()) {
		return true
	}
	return user != nil && user.UUID() == owner
}

func (m *mockRepo) GetRoots(_ context.Context, user *auth.User) ([]*compiler.Concept, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*compiler.Concept
	for _, c := range m.concepts {
		if c.ParentID == nil && m.visible(user, c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockRepo) GetPanelFilters(_ context.Context) ([]PanelFilter, error) {
	return m.filters, m.err
}

func (m *mockRepo) GetChildren(_ context.Context, user *auth.User, parentID uuid.UUID) ([]*compiler.Concept, error) {
	var out []*compiler.Concept
	for _, c := range m.concepts {
		if c.ParentID != nil && *c.ParentID == parentID && m.visible(user, c) {
			out = append(out, c)
		}
	}
	return out, m.err
}

func (m *mockRepo) GetMany(_ context.Context, user *auth.User, ids []uuid.UUID) ([]*compiler.Concept, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*compiler.Concept
	for _, id := range ids {
		if c, ok := m.concepts[id]; ok && m.visible(user, c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockRepo) GetByUniversalIDs(_ context.Context, user *auth.User, uids []string) ([]*compiler.Concept, error) {
	var out []*compiler.Concept
	for _, uid := range uids {
		for _, c := range m.concepts {
			if c.UniversalID == uid && m.visible(user, c) {
				out = append(out, c)
			}
		}
	}
	return out, m.err
}

func (m *mockRepo) GetWithParents(ctx context.Context, user *auth.User, ids []uuid.UUID) ([]*compiler.Concept, error) {
	seen := make(map[uuid.UUID]bool)
	var out []*compiler.Concept
	for _, id := range ids {
		for c, ok := m.concepts[id]; ok; c, ok = m.parent(c) {
			if !seen[c.ID] && m.visible(user, c) {
				seen[c.ID] = true
				out = append(out, c)
			}
		}
	}
	return out, m.err
}

func (m *mockRepo) parent(c *compiler.Concept) (*compiler.Concept, bool) {
	if c.ParentID == nil {
		return nil, false
	}
	p, ok := m.concepts[*c.ParentID]
	return p, ok
}

func (m *mockRepo) GetWithParentsBySearchTerms(ctx context.Context, user *auth.User, rootID *uuid.UUID, terms []string) ([]*compiler.Concept, error) {
	m.lastTerms = terms
	m.lastRoot = rootID
	var ids []uuid.UUID
	for _, c := range m.concepts {
		match := true
		for _, t := range terms {
			if !strings.Contains(strings.ToLower(c.UIDisplayName), strings.ToLower(t)) {
				match = false
			}
		}
		if match {
			ids = append(ids, c.ID)
		}
	}
	return m.GetWithParents(ctx, user, ids)
}

// -- Fixtures --

func testUser() *auth.User {
	return &auth.User{
		Identity:      auth.ScopedIdentity{Identity: "jdoe", Scope: "leaf.example.org"},
		Identified:    true,
		Institutional: true,
	}
}

func diagnosisSet() compiler.SQLSet {
	return compiler.SQLSet{
		ID:               1,
		IsEncounterBased: true,
		SQLSetFrom:       "clin.v_diagnosis",
		SQLFieldDate:     "@.diag_date",
	}
}

func seedTree(m *mockRepo) (root, child *compiler.Concept) {
	root = m.add(&compiler.Concept{UIDisplayName: "Diagnoses", IsParent: true})
	child = m.add(&compiler.Concept{
		ParentID:      &root.ID,
		RootID:        root.ID,
		UniversalID:   "urn:leaf:concept:diag:e11",
		UIDisplayName: "Type 2 diabetes mellitus",
		SQLSet:        diagnosisSet(),
		SQLSetWhere:   "@.code LIKE 'E11%'",
	})
	return root, child
}

// -- Searcher --

func TestSearcher_GetAncestryBySearchTerm_SplitsTerms(t *testing.T) {
	repo := newMockRepo()
	root, child := seedTree(repo)
	svc := NewSearcher(repo)

	concepts, err := svc.GetAncestryBySearchTerm(context.Background(), testUser(), &root.ID, "  type   diabetes ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.lastTerms) != 2 || repo.lastTerms[0] != "type" || repo.lastTerms[1] != "diabetes" {
		t.Errorf("expected terms [type diabetes], got %v", repo.lastTerms)
	}
	if repo.lastRoot == nil || *repo.lastRoot != root.ID {
		t.Errorf("expected root id to be passed through")
	}
	if len(concepts) != 2 {
		t.Fatalf("expected match plus ancestor, got %d", len(concepts))
	}
	if concepts[0].ID != child.ID || concepts[1].ID != root.ID {
		t.Errorf("unexpected ancestry order")
	}
}

func TestSearcher_GetAncestryBySearchTerm_EmptyTerm(t *testing.T) {
	svc := NewSearcher(newMockRepo())
	_, err := svc.GetAncestryBySearchTerm(context.Background(), testUser(), nil, "   ")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSearcher_GetAncestry_EmptyIDs(t *testing.T) {
	svc := NewSearcher(newMockRepo())
	_, err := svc.GetAncestry(context.Background(), testUser(), nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSearcher_GetTreetop(t *testing.T) {
	repo := newMockRepo()
	root, _ := seedTree(repo)
	repo.filters = []PanelFilter{{ID: 1, ConceptID: root.ID, IsInclusion: true, UIDisplayText: "Has diagnoses"}}
	svc := NewSearcher(repo)

	top, err := svc.GetTreetop(context.Background(), testUser())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(top.Concepts) != 1 || top.Concepts[0].ID != root.ID {
		t.Errorf("expected the single root concept, got %d", len(top.Concepts))
	}
	if len(top.PanelFilters) != 1 {
		t.Errorf("expected 1 panel filter, got %d", len(top.PanelFilters))
	}
}

func TestSearcher_GetTreetop_EmptyIsNotNil(t *testing.T) {
	svc := NewSearcher(newMockRepo())
	top, err := svc.GetTreetop(context.Background(), testUser())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if top.Concepts == nil || top.PanelFilters == nil {
		t.Error("expected empty slices, got nil")
	}
}

func TestSearcher_Get_NotFound(t *testing.T) {
	svc := NewSearcher(newMockRepo())
	_, err := svc.Get(context.Background(), testUser(), uuid.New())
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSearcher_Get_HidesConstrainedConcepts(t *testing.T) {
	repo := newMockRepo()
	_, child := seedTree(repo)
	repo.constrained[child.ID] = "someone@else.org"
	svc := NewSearcher(repo)

	if _, err := svc.Get(context.Background(), testUser(), child.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected constrained concept to be hidden, got %v", err)
	}

	admin := testUser()
	admin.Roles = []string{auth.RoleAdmin}
	if _, err := svc.Get(context.Background(), admin, child.ID); err != nil {
		t.Errorf("expected admin to see constrained concept, got %v", err)
	}
}
