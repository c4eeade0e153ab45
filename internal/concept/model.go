package concept

import (
	"github.com/google/uuid"

	"github.com/leafcohort/leaf/internal/compiler"
)

// PanelFilter is a site-defined concept offered as a one-click filter.
type PanelFilter struct {
	ID                   int       `json:"id"`
	ConceptID            uuid.UUID `json:"conceptId"`
	IsInclusion          bool      `json:"isInclusion"`
	UIDisplayText        string    `json:"uiDisplayText"`
	UIDisplayDescription string    `json:"uiDisplayDescription"`
}

// TreeTop is the first level of the concept tree.
type TreeTop struct {
	PanelFilters []PanelFilter       `json:"panelFilters"`
	Concepts     []*compiler.Concept `json:"concepts"`
}

// ResourceRef identifies a concept by id or universal id.
type ResourceRef struct {
	ID            *uuid.UUID `json:"id,omitempty"`
	UniversalID   string     `json:"universalId,omitempty"`
	UIDisplayName string     `json:"uiDisplayName,omitempty"`
}

type SpecializationRef struct {
	ID          *uuid.UUID `json:"id,omitempty"`
	UniversalID string     `json:"universalId,omitempty"`
}

type DateBoundaryDTO struct {
	DateIncrementType string `json:"dateIncrementType"`
	Increment         int    `json:"increment"`
	// Date is accepted in any common layout for SPECIFIC boundaries.
	Date string `json:"date,omitempty"`
}

type DateFilterDTO struct {
	Start DateBoundaryDTO `json:"start"`
	End   DateBoundaryDTO `json:"end"`
}

type PanelItemDTO struct {
	Resource        ResourceRef            `json:"resource"`
	Index           int                    `json:"index"`
	NumericFilter   compiler.NumericFilter `json:"numericFilter"`
	RecencyFilter   compiler.RecencyFilter `json:"recencyFilter"`
	Specializations []SpecializationRef    `json:"specializations,omitempty"`
}

type SubPanelDTO struct {
	Index           int                   `json:"index"`
	IncludeSubPanel bool                  `json:"includeSubPanel"`
	MinimumCount    int                   `json:"minimumCount"`
	JoinSequence    compiler.JoinSequence `json:"joinSequence"`
	PanelItems      []PanelItemDTO        `json:"panelItems"`
}

type PanelDTO struct {
	Index        int                  `json:"index"`
	Domain       compiler.PanelDomain `json:"domain"`
	IncludePanel bool                 `json:"includePanel"`
	DateFilter   *DateFilterDTO       `json:"dateFilter,omitempty"`
	SubPanels    []SubPanelDTO        `json:"subPanels"`
}

// PatientCountQueryDTO is a cohort query as submitted by a client.
type PatientCountQueryDTO struct {
	QueryID string     `json:"queryId"`
	Panels  []PanelDTO `json:"panels"`
}

// ValidationContext is the outcome of converting a submitted query.
// Panels are only usable when PreflightPassed is true.
type ValidationContext struct {
	PreflightPassed bool             `json:"preflightPassed"`
	Panels          []compiler.Panel `json:"-"`
	Errors          []string         `json:"errors,omitempty"`
	MissingConcepts []ResourceRef    `json:"missingConcepts,omitempty"`
}
