package compiler

import (
	"time"

	"github.com/google/uuid"
)

// SQLSet maps a family of concepts to the table or view they are queried
// from. Field expressions may contain the alias placeholder.
type SQLSet struct {
	ID               int    `json:"id"`
	IsEncounterBased bool   `json:"isEncounterBased"`
	IsEventBased     bool   `json:"isEventBased"`
	SQLSetFrom       string `json:"sqlSetFrom"`
	SQLFieldDate     string `json:"sqlFieldDate,omitempty"`
	SQLFieldEvent    string `json:"sqlFieldEvent,omitempty"`
}

type Specialization struct {
	ID                    uuid.UUID `json:"id"`
	SpecializationGroupID int       `json:"specializationGroupId"`
	UniversalID           string    `json:"universalId,omitempty"`
	UIDisplayText         string    `json:"uiDisplayText"`
	SQLSetWhere           string    `json:"sqlSetWhere,omitempty"`
	OrderID               int       `json:"orderId"`
}

type SpecializationGroup struct {
	ID              int              `json:"id"`
	SQLSetID        int              `json:"sqlSetId"`
	UIDefaultText   string           `json:"uiDefaultText"`
	Specializations []Specialization `json:"specializations"`
}

// Concept is a node of the concept tree together with everything needed to
// compile it.
type Concept struct {
	ID                           uuid.UUID             `json:"id"`
	ParentID                     *uuid.UUID            `json:"parentId,omitempty"`
	RootID                       uuid.UUID             `json:"rootId"`
	UniversalID                  string                `json:"universalId,omitempty"`
	IsNumeric                    bool                  `json:"isNumeric"`
	IsParent                     bool                  `json:"isParent"`
	IsPatientCountAutoCalculated bool                  `json:"isPatientCountAutoCalculated"`
	IsSpecializable              bool                  `json:"isSpecializable"`
	SQLSet                       SQLSet                `json:"sqlSet"`
	SQLSetWhere                  string                `json:"sqlSetWhere,omitempty"`
	SQLFieldNumeric              string                `json:"sqlFieldNumeric,omitempty"`
	UIDisplayName                string                `json:"uiDisplayName"`
	UIDisplayText                string                `json:"uiDisplayText"`
	UIDisplaySubtext             string                `json:"uiDisplaySubtext,omitempty"`
	UIDisplayUnits               string                `json:"uiDisplayUnits,omitempty"`
	UIDisplayTooltip             string                `json:"uiDisplayTooltip,omitempty"`
	UIDisplayPatientCount        *int                  `json:"uiDisplayPatientCount,omitempty"`
	UINumericDefaultText         string                `json:"uiNumericDefaultText,omitempty"`
	SpecializationGroups         []SpecializationGroup `json:"specializationGroups,omitempty"`
}

type NumericFilterType int

const (
	NumericNone NumericFilterType = iota
	NumericGreaterThan
	NumericGreaterThanOrEqualTo
	NumericLessThan
	NumericLessThanOrEqualTo
	NumericEqualTo
	NumericBetween
)

// arity is the number of values each filter type consumes.
func (t NumericFilterType) arity() int {
	switch t {
	case NumericNone:
		return 0
	case NumericBetween:
		return 2
	default:
		return 1
	}
}

func (t NumericFilterType) operator() string {
	switch t {
	case NumericGreaterThan:
		return ">"
	case NumericGreaterThanOrEqualTo:
		return ">="
	case NumericLessThan:
		return "<"
	case NumericLessThanOrEqualTo:
		return "<="
	case NumericEqualTo:
		return "="
	}
	return ""
}

type NumericFilter struct {
	FilterType NumericFilterType `json:"filterType"`
	Filter     []float64         `json:"filter"`
}

// RecencyFilter keeps only the earliest (Min) or latest (Max) matching row
// per patient.
type RecencyFilter int

const (
	RecencyNone RecencyFilter = iota
	RecencyMin
	RecencyMax
)

type DateIncrementType string

const (
	DateNone     DateIncrementType = "NONE"
	DateNow      DateIncrementType = "NOW"
	DateMinute   DateIncrementType = "MINUTE"
	DateHour     DateIncrementType = "HOUR"
	DateDay      DateIncrementType = "DAY"
	DateWeek     DateIncrementType = "WEEK"
	DateMonth    DateIncrementType = "MONTH"
	DateYear     DateIncrementType = "YEAR"
	DateSpecific DateIncrementType = "SPECIFIC"
)

// intervalUnit is the make_interval argument name for relative increments.
func (t DateIncrementType) intervalUnit() (string, bool) {
	switch t {
	case DateMinute:
		return "mins", true
	case DateHour:
		return "hours", true
	case DateDay:
		return "days", true
	case DateWeek:
		return "weeks", true
	case DateMonth:
		return "months", true
	case DateYear:
		return "years", true
	}
	return "", false
}

// DateBoundary is one end of a date filter: unbounded, now, now plus a
// signed increment, or a specific date.
type DateBoundary struct {
	DateIncrementType DateIncrementType `json:"dateIncrementType"`
	Increment         int               `json:"increment"`
	Date              *time.Time        `json:"date,omitempty"`
}

func (b DateBoundary) bounded() bool {
	return b.DateIncrementType != "" && b.DateIncrementType != DateNone
}

type DateFilter struct {
	Start DateBoundary `json:"start"`
	End   DateBoundary `json:"end"`
}

func (f *DateFilter) active() bool {
	return f != nil && (f.Start.bounded() || f.End.bounded())
}

type SequenceType int

const (
	SequenceEncounter SequenceType = iota + 1
	SequenceEvent
	SequencePlusMinus
	SequenceWithinFollowing
	SequenceAnytimeFollowing
)

// JoinSequence relates a subpanel to the first subpanel of its panel.
type JoinSequence struct {
	SequenceType      SequenceType      `json:"sequenceType"`
	Increment         int               `json:"increment"`
	DateIncrementType DateIncrementType `json:"dateIncrementType"`
}

type PanelItem struct {
	Index                   int              `json:"index"`
	Concept                 Concept          `json:"concept"`
	NumericFilter           NumericFilter    `json:"numericFilter"`
	RecencyFilter           RecencyFilter    `json:"recencyFilter"`
	SelectedSpecializations []Specialization `json:"specializations,omitempty"`
}

// SubPanel ORs its items together. Subpanels after the first are joined to
// the first through JoinSequence.
type SubPanel struct {
	Index           int          `json:"index"`
	IncludeSubPanel bool         `json:"includeSubPanel"`
	MinimumCount    int          `json:"minimumCount"`
	JoinSequence    JoinSequence `json:"joinSequence"`
	PanelItems      []PanelItem  `json:"panelItems"`
}

type PanelDomain int

const (
	DomainPanel PanelDomain = iota
	DomainPatientList
)

type Panel struct {
	Index        int         `json:"index"`
	Domain       PanelDomain `json:"domain"`
	IncludePanel bool        `json:"includePanel"`
	DateFilter   *DateFilter `json:"dateFilter,omitempty"`
	SubPanels    []SubPanel  `json:"subPanels"`
}

// Options configures generated SQL.
type Options struct {
	// Alias is the placeholder in SQL set fragments replaced by the
	// generated table alias.
	Alias            string
	FieldPersonID    string
	FieldEncounterID string
}

// Statement is parameterized SQL with $n placeholders bound to Args.
type Statement struct {
	SQL  string
	Args []any
}
