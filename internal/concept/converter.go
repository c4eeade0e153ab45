package concept

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/google/uuid"

	"github.com/leafcohort/leaf/internal/compiler"
	"github.com/leafcohort/leaf/internal/platform/auth"
)

// PanelConverter resolves the concepts referenced by a submitted query and
// builds compiler panels from them.
type PanelConverter struct {
	repo Repository
}

func NewPanelConverter(repo Repository) *PanelConverter {
	return &PanelConverter{repo: repo}
}

// Convert never returns an error for problems with the query itself; those
// are reported in the ValidationContext. Errors are repository failures.
func (pc *PanelConverter) Convert(ctx context.Context, user *auth.User, dto PatientCountQueryDTO) (*ValidationContext, error) {
	byID, byUID, err := pc.load(ctx, user, dto)
	if err != nil {
		return nil, err
	}

	vc := &ValidationContext{}
	panels := make([]compiler.Panel, 0, len(dto.Panels))
	for _, pdto := range dto.Panels {
		p := compiler.Panel{
			Index:        pdto.Index,
			Domain:       pdto.Domain,
			IncludePanel: pdto.IncludePanel,
		}
		if pdto.DateFilter != nil {
			df, err := convertDateFilter(*pdto.DateFilter)
			if err != nil {
				vc.Errors = append(vc.Errors, fmt.Sprintf("panel %d: %v", pdto.Index, err))
			} else {
				p.DateFilter = df
			}
		}

		for _, sdto := range pdto.SubPanels {
			sp := compiler.SubPanel{
				Index:           sdto.Index,
				IncludeSubPanel: sdto.IncludeSubPanel,
				MinimumCount:    sdto.MinimumCount,
				JoinSequence:    sdto.JoinSequence,
			}
			sp.JoinSequence.DateIncrementType = compiler.DateIncrementType(strings.ToUpper(string(sp.JoinSequence.DateIncrementType)))

			for _, idto := range sdto.PanelItems {
				c := resolve(idto.Resource, byID, byUID)
				if c == nil {
					vc.MissingConcepts = append(vc.MissingConcepts, idto.Resource)
					continue
				}
				item := compiler.PanelItem{
					Index:         idto.Index,
					Concept:       *c,
					NumericFilter: idto.NumericFilter,
					RecencyFilter: idto.RecencyFilter,
				}
				for _, ref := range idto.Specializations {
					spec, ok := findSpecialization(c, ref)
					if !ok {
						vc.Errors = append(vc.Errors, fmt.Sprintf("panel %d subpanel %d item %d: specialization %s not found for concept %s",
							pdto.Index, sdto.Index, idto.Index, refString(ref), c.ID))
						continue
					}
					item.SelectedSpecializations = append(item.SelectedSpecializations, spec)
				}
				sp.PanelItems = append(sp.PanelItems, item)
			}
			p.SubPanels = append(p.SubPanels, sp)
		}
		panels = append(panels, p)
	}

	if len(vc.MissingConcepts) > 0 || len(vc.Errors) > 0 {
		return vc, nil
	}

	if err := compiler.Validate(panels); err != nil {
		var pe *compiler.PreflightError
		if !errors.As(err, &pe) {
			return nil, err
		}
		vc.Errors = append(vc.Errors, pe.Problems...)
		return vc, nil
	}

	vc.PreflightPassed = true
	vc.Panels = panels
	return vc, nil
}

// load fetches every referenced concept in at most two queries.
func (pc *PanelConverter) load(ctx context.Context, user *auth.User, dto PatientCountQueryDTO) (map[uuid.UUID]*compiler.Concept, map[string]*compiler.Concept, error) {
	var ids []uuid.UUID
	var uids []string
	for _, p := range dto.Panels {
		for _, sp := range p.SubPanels {
			for _, item := range sp.PanelItems {
				switch {
				case item.Resource.ID != nil:
					ids = append(ids, *item.Resource.ID)
				case item.Resource.UniversalID != "":
					uids = append(uids, item.Resource.UniversalID)
				}
			}
		}
	}

	byID := make(map[uuid.UUID]*compiler.Concept)
	byUID := make(map[string]*compiler.Concept)
	if len(ids) > 0 {
		concepts, err := pc.repo.GetMany(ctx, user, ids)
		if err != nil {
			return nil, nil, fmt.Errorf("load concepts: %w", err)
		}
		for _, c := range concepts {
			byID[c.ID] = c
		}
	}
	if len(uids) > 0 {
		concepts, err := pc.repo.GetByUniversalIDs(ctx, user, uids)
		if err != nil {
			return nil, nil, fmt.Errorf("load concepts by universal id: %w", err)
		}
		for _, c := range concepts {
			byUID[c.UniversalID] = c
		}
	}
	return byID, byUID, nil
}

func resolve(ref ResourceRef, byID map[uuid.UUID]*compiler.Concept, byUID map[string]*compiler.Concept) *compiler.Concept {
	if ref.ID != nil {
		return byID[*ref.ID]
	}
	if ref.UniversalID != "" {
		return byUID[ref.UniversalID]
	}
	return nil
}

func findSpecialization(c *compiler.Concept, ref SpecializationRef) (compiler.Specialization, bool) {
	for _, g := range c.SpecializationGroups {
		for _, s := range g.Specializations {
			if ref.ID != nil && s.ID == *ref.ID {
				return s, true
			}
			if ref.ID == nil && ref.UniversalID != "" && s.UniversalID == ref.UniversalID {
				return s, true
			}
		}
	}
	return compiler.Specialization{}, false
}

func refString(ref SpecializationRef) string {
	if ref.ID != nil {
		return ref.ID.String()
	}
	return ref.UniversalID
}

func convertDateFilter(dto DateFilterDTO) (*compiler.DateFilter, error) {
	start, err := convertBoundary(dto.Start)
	if err != nil {
		return nil, fmt.Errorf("start date: %w", err)
	}
	end, err := convertBoundary(dto.End)
	if err != nil {
		return nil, fmt.Errorf("end date: %w", err)
	}
	return &compiler.DateFilter{Start: start, End: end}, nil
}

func convertBoundary(dto DateBoundaryDTO) (compiler.DateBoundary, error) {
	b := compiler.DateBoundary{
		DateIncrementType: compiler.DateIncrementType(strings.ToUpper(dto.DateIncrementType)),
		Increment:         dto.Increment,
	}
	if b.DateIncrementType == compiler.DateSpecific && dto.Date != "" {
		t, err := dateparse.ParseIn(dto.Date, time.UTC)
		if err != nil {
			return b, fmt.Errorf("unrecognised date %q", dto.Date)
		}
		b.Date = &t
	}
	return b, nil
}
