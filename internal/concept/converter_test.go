package concept

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/leafcohort/leaf/internal/compiler"
)

func itemDTO(id uuid.UUID) PanelItemDTO {
	return PanelItemDTO{Resource: ResourceRef{ID: &id}}
}

func queryDTO(items ...PanelItemDTO) PatientCountQueryDTO {
	return PatientCountQueryDTO{
		QueryID: "client-1",
		Panels: []PanelDTO{{
			Index:        0,
			IncludePanel: true,
			SubPanels: []SubPanelDTO{{
				IncludeSubPanel: true,
				MinimumCount:    1,
				PanelItems:      items,
			}},
		}},
	}
}

func TestConvert_ResolvesConcepts(t *testing.T) {
	repo := newMockRepo()
	_, child := seedTree(repo)
	conv := NewPanelConverter(repo)

	vc, err := conv.Convert(context.Background(), testUser(), queryDTO(itemDTO(child.ID)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !vc.PreflightPassed {
		t.Fatalf("expected preflight to pass, errors: %v", vc.Errors)
	}
	if len(vc.Panels) != 1 || len(vc.Panels[0].SubPanels[0].PanelItems) != 1 {
		t.Fatalf("unexpected panel shape: %+v", vc.Panels)
	}
	got := vc.Panels[0].SubPanels[0].PanelItems[0].Concept
	if got.SQLSetWhere != child.SQLSetWhere || got.SQLSet.SQLSetFrom != "clin.v_diagnosis" {
		t.Errorf("concept not hydrated into panel item: %+v", got)
	}
}

func TestConvert_ByUniversalID(t *testing.T) {
	repo := newMockRepo()
	_, child := seedTree(repo)
	conv := NewPanelConverter(repo)

	dto := queryDTO(PanelItemDTO{Resource: ResourceRef{UniversalID: child.UniversalID}})
	vc, err := conv.Convert(context.Background(), testUser(), dto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !vc.PreflightPassed {
		t.Fatalf("expected preflight to pass, errors: %v", vc.Errors)
	}
}

func TestConvert_MissingConcept(t *testing.T) {
	conv := NewPanelConverter(newMockRepo())
	missing := uuid.New()

	vc, err := conv.Convert(context.Background(), testUser(), queryDTO(itemDTO(missing)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vc.PreflightPassed {
		t.Fatal("expected preflight to fail")
	}
	if len(vc.MissingConcepts) != 1 || *vc.MissingConcepts[0].ID != missing {
		t.Errorf("expected missing concept %s, got %+v", missing, vc.MissingConcepts)
	}
	if vc.Panels != nil {
		t.Error("expected no panels when preflight fails")
	}
}

func TestConvert_ConstrainedConceptIsMissing(t *testing.T) {
	repo := newMockRepo()
	_, child := seedTree(repo)
	repo.constrained[child.ID] = "someone@else.org"
	conv := NewPanelConverter(repo)

	vc, err := conv.Convert(context.Background(), testUser(), queryDTO(itemDTO(child.ID)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vc.PreflightPassed || len(vc.MissingConcepts) != 1 {
		t.Errorf("expected constrained concept to fail preflight, got %+v", vc)
	}
}

func TestConvert_Specializations(t *testing.T) {
	repo := newMockRepo()
	_, child := seedTree(repo)
	specID := uuid.New()
	child.SpecializationGroups = []compiler.SpecializationGroup{{
		ID:       3,
		SQLSetID: 1,
		Specializations: []compiler.Specialization{
			{ID: specID, SpecializationGroupID: 3, UniversalID: "urn:leaf:spec:ed", SQLSetWhere: "@.source = 'ED'"},
		},
	}}
	conv := NewPanelConverter(repo)

	item := itemDTO(child.ID)
	item.Specializations = []SpecializationRef{{UniversalID: "urn:leaf:spec:ed"}}
	vc, err := conv.Convert(context.Background(), testUser(), queryDTO(item))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !vc.PreflightPassed {
		t.Fatalf("expected preflight to pass, errors: %v", vc.Errors)
	}
	specs := vc.Panels[0].SubPanels[0].PanelItems[0].SelectedSpecializations
	if len(specs) != 1 || specs[0].ID != specID {
		t.Errorf("expected specialization %s, got %+v", specID, specs)
	}

	unknown := uuid.New()
	item.Specializations = []SpecializationRef{{ID: &unknown}}
	vc, err = conv.Convert(context.Background(), testUser(), queryDTO(item))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vc.PreflightPassed {
		t.Fatal("expected unknown specialization to fail preflight")
	}
	if len(vc.Errors) != 1 || !strings.Contains(vc.Errors[0], "specialization") {
		t.Errorf("unexpected errors: %v", vc.Errors)
	}
}

func TestConvert_SpecificDateParsing(t *testing.T) {
	repo := newMockRepo()
	_, child := seedTree(repo)
	conv := NewPanelConverter(repo)

	dto := queryDTO(itemDTO(child.ID))
	dto.Panels[0].DateFilter = &DateFilterDTO{
		Start: DateBoundaryDTO{DateIncrementType: "specific", Date: "2020-03-15"},
		End:   DateBoundaryDTO{DateIncrementType: "now"},
	}
	vc, err := conv.Convert(context.Background(), testUser(), dto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !vc.PreflightPassed {
		t.Fatalf("expected preflight to pass, errors: %v", vc.Errors)
	}
	df := vc.Panels[0].DateFilter
	want := time.Date(2020, 3, 15, 0, 0, 0, 0, time.UTC)
	if df.Start.Date == nil || !df.Start.Date.Equal(want) {
		t.Errorf("expected start %v, got %v", want, df.Start.Date)
	}
	if df.End.DateIncrementType != compiler.DateNow {
		t.Errorf("expected NOW end boundary, got %s", df.End.DateIncrementType)
	}
}

func TestConvert_UnparseableDate(t *testing.T) {
	repo := newMockRepo()
	_, child := seedTree(repo)
	conv := NewPanelConverter(repo)

	dto := queryDTO(itemDTO(child.ID))
	dto.Panels[0].DateFilter = &DateFilterDTO{
		Start: DateBoundaryDTO{DateIncrementType: "SPECIFIC", Date: "not a date"},
	}
	vc, err := conv.Convert(context.Background(), testUser(), dto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vc.PreflightPassed {
		t.Fatal("expected preflight to fail")
	}
}

func TestConvert_CompilerPreflightProblems(t *testing.T) {
	repo := newMockRepo()
	_, child := seedTree(repo)
	conv := NewPanelConverter(repo)

	dto := queryDTO(itemDTO(child.ID))
	dto.Panels[0].IncludePanel = false
	vc, err := conv.Convert(context.Background(), testUser(), dto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vc.PreflightPassed {
		t.Fatal("expected preflight to fail")
	}
	found := false
	for _, e := range vc.Errors {
		if strings.Contains(e, "at least one panel must be included") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected included-panel problem, got %v", vc.Errors)
	}
}
