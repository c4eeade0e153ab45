package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leafcohort/leaf/internal/compiler"
	"github.com/leafcohort/leaf/internal/platform/auth"
)

// Service manages the SQL sets and specializations concepts compile against.
type Service struct {
	sets  SQLSetRepository
	specs SpecializationRepository
	comp  *compiler.Compiler
	now   func() time.Time
}

func NewService(sets SQLSetRepository, specs SpecializationRepository, comp *compiler.Compiler) *Service {
	return &Service{sets: sets, specs: specs, comp: comp, now: time.Now}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func validateSQLSet(s *SQLSet) error {
	s.SQLSetFrom = strings.TrimSpace(s.SQLSetFrom)
	s.SQLFieldDate = strings.TrimSpace(s.SQLFieldDate)
	s.SQLFieldEvent = strings.TrimSpace(s.SQLFieldEvent)
	if s.SQLSetFrom == "" {
		return invalid("sqlSetFrom is required")
	}
	if s.IsEncounterBased && s.SQLFieldDate == "" {
		return invalid("sqlFieldDate is required for encounter based sql sets")
	}
	if s.IsEventBased && s.SQLFieldEvent == "" {
		return invalid("sqlFieldEvent is required for event based sql sets")
	}
	return nil
}

func validateSpecialization(s *compiler.Specialization) error {
	s.SQLSetWhere = strings.TrimSpace(s.SQLSetWhere)
	s.UIDisplayText = strings.TrimSpace(s.UIDisplayText)
	if s.SQLSetWhere == "" {
		return invalid("sqlSetWhere is required")
	}
	if s.UIDisplayText == "" {
		return invalid("uiDisplayText is required")
	}
	return nil
}

func userID(user *auth.User) string {
	if user == nil {
		return ""
	}
	return user.UUID()
}

// -- SQL Sets --

func (s *Service) ListSQLSets(ctx context.Context) ([]SQLSet, error) {
	sets, err := s.sets.List(ctx)
	if sets == nil && err == nil {
		sets = []SQLSet{}
	}
	return sets, err
}

func (s *Service) GetSQLSet(ctx context.Context, id int) (*SQLSet, error) {
	return s.sets.Get(ctx, id)
}

func (s *Service) CreateSQLSet(ctx context.Context, user *auth.User, set *SQLSet) error {
	if err := validateSQLSet(set); err != nil {
		return err
	}
	set.CreatedBy = userID(user)
	return s.sets.Create(ctx, set)
}

func (s *Service) UpdateSQLSet(ctx context.Context, user *auth.User, set *SQLSet) error {
	if set.ID <= 0 {
		return invalid("id is required")
	}
	if err := validateSQLSet(set); err != nil {
		return err
	}
	set.UpdatedBy = userID(user)
	return s.sets.Update(ctx, set)
}

// DeleteSQLSet deletes the set when nothing references it. A result that is
// not Ok means nothing was deleted.
func (s *Service) DeleteSQLSet(ctx context.Context, id int) (*SQLSetDeleteResult, error) {
	return s.sets.Delete(ctx, id)
}

// -- Specialization Groups --

func (s *Service) ListSpecializationGroups(ctx context.Context) ([]compiler.SpecializationGroup, error) {
	groups, err := s.specs.ListGroups(ctx)
	if groups == nil && err == nil {
		groups = []compiler.SpecializationGroup{}
	}
	return groups, err
}

func (s *Service) GetSpecializationGroup(ctx context.Context, id int) (*compiler.SpecializationGroup, error) {
	return s.specs.GetGroup(ctx, id)
}

func (s *Service) CreateSpecializationGroup(ctx context.Context, g *compiler.SpecializationGroup) error {
	if err := s.checkGroup(ctx, g); err != nil {
		return err
	}
	for i := range g.Specializations {
		if err := validateSpecialization(&g.Specializations[i]); err != nil {
			return err
		}
	}
	return s.specs.CreateGroup(ctx, g)
}

func (s *Service) UpdateSpecializationGroup(ctx context.Context, g *compiler.SpecializationGroup) error {
	if g.ID <= 0 {
		return invalid("id is required")
	}
	if err := s.checkGroup(ctx, g); err != nil {
		return err
	}
	return s.specs.UpdateGroup(ctx, g)
}

func (s *Service) checkGroup(ctx context.Context, g *compiler.SpecializationGroup) error {
	g.UIDefaultText = strings.TrimSpace(g.UIDefaultText)
	if g.UIDefaultText == "" {
		return invalid("uiDefaultText is required")
	}
	if g.SQLSetID <= 0 {
		return invalid("sqlSetId is required")
	}
	if _, err := s.sets.Get(ctx, g.SQLSetID); err != nil {
		return fmt.Errorf("sql set %d: %w", g.SQLSetID, err)
	}
	return nil
}

func (s *Service) DeleteSpecializationGroup(ctx context.Context, id int) (*SpecializationGroupDeleteResult, error) {
	return s.specs.DeleteGroup(ctx, id)
}

// -- Specializations --

func (s *Service) CreateSpecialization(ctx context.Context, sp *compiler.Specialization) error {
	if err := validateSpecialization(sp); err != nil {
		return err
	}
	if _, err := s.specs.GetGroup(ctx, sp.SpecializationGroupID); err != nil {
		return fmt.Errorf("specialization group %d: %w", sp.SpecializationGroupID, err)
	}
	sp.ID = uuid.New()
	return s.specs.Create(ctx, sp)
}

func (s *Service) UpdateSpecialization(ctx context.Context, sp *compiler.Specialization) error {
	if sp.ID == uuid.Nil {
		return invalid("id is required")
	}
	if err := validateSpecialization(sp); err != nil {
		return err
	}
	return s.specs.Update(ctx, sp)
}

func (s *Service) DeleteSpecialization(ctx context.Context, id uuid.UUID) error {
	return s.specs.Delete(ctx, id)
}

// SampleSQL previews the SQL an unsaved concept would compile to, with
// example bound values inlined.
func (s *Service) SampleSQL(ctx context.Context, req SampleRequest) (*SampleResult, error) {
	if req.SQLSetID <= 0 {
		return nil, invalid("sqlSetId is required")
	}
	if req.IsNumeric && strings.TrimSpace(req.SQLFieldNumeric) == "" {
		return nil, invalid("sqlFieldNumeric is required for numeric concepts")
	}
	set, err := s.sets.Get(ctx, req.SQLSetID)
	if err != nil {
		return nil, fmt.Errorf("sql set %d: %w", req.SQLSetID, err)
	}
	c := compiler.Concept{
		ID:              uuid.Nil,
		IsNumeric:       req.IsNumeric,
		SQLSet:          set.toCompiler(),
		SQLSetWhere:     strings.TrimSpace(req.SQLSetWhere),
		SQLFieldNumeric: strings.TrimSpace(req.SQLFieldNumeric),
	}
	stmt, err := s.comp.SampleSQL(c, s.now())
	if err != nil {
		return nil, invalid("%v", err)
	}
	return &SampleResult{SQL: compiler.Render(stmt)}, nil
}
