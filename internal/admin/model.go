package admin

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/leafcohort/leaf/internal/compiler"
)

// ErrInvalid marks a request rejected by validation.
var ErrInvalid = errors.New("invalid")

// SQLSet is the admin view of a compiler SQL set, with audit columns.
type SQLSet struct {
	ID               int       `json:"id"`
	IsEncounterBased bool      `json:"isEncounterBased"`
	IsEventBased     bool      `json:"isEventBased"`
	SQLSetFrom       string    `json:"sqlSetFrom"`
	SQLFieldDate     string    `json:"sqlFieldDate"`
	SQLFieldEvent    string    `json:"sqlFieldEvent"`
	Created          time.Time `json:"created"`
	CreatedBy        string    `json:"createdBy"`
	Updated          time.Time `json:"updated"`
	UpdatedBy        string    `json:"updatedBy"`
}

func (s SQLSet) toCompiler() compiler.SQLSet {
	return compiler.SQLSet{
		ID:               s.ID,
		IsEncounterBased: s.IsEncounterBased,
		IsEventBased:     s.IsEventBased,
		SQLSetFrom:       s.SQLSetFrom,
		SQLFieldDate:     s.SQLFieldDate,
		SQLFieldEvent:    s.SQLFieldEvent,
	}
}

type ConceptDependent struct {
	ID            uuid.UUID `json:"id"`
	UniversalID   string    `json:"universalId,omitempty"`
	UIDisplayName string    `json:"uiDisplayName"`
}

type SpecializationGroupDependent struct {
	ID            int    `json:"id"`
	UIDefaultText string `json:"uiDefaultText"`
}

// SQLSetDeleteResult lists what still references a SQL set. The set is only
// deleted when the result is Ok.
type SQLSetDeleteResult struct {
	ConceptDependents             []ConceptDependent             `json:"conceptDependents"`
	SpecializationGroupDependents []SpecializationGroupDependent `json:"specializationGroupDependents"`
}

func (r SQLSetDeleteResult) Ok() bool {
	return len(r.ConceptDependents) == 0 && len(r.SpecializationGroupDependents) == 0
}

// SpecializationGroupDeleteResult lists concepts still offering a group.
type SpecializationGroupDeleteResult struct {
	ConceptDependents []ConceptDependent `json:"conceptDependents"`
}

func (r SpecializationGroupDeleteResult) Ok() bool {
	return len(r.ConceptDependents) == 0
}

// CRUDError is the body of a rejected admin request.
type CRUDError struct {
	Message string `json:"message"`
}

// SampleRequest describes an unsaved concept to preview SQL for.
type SampleRequest struct {
	SQLSetID        int    `json:"sqlSetId"`
	SQLSetWhere     string `json:"sqlSetWhere"`
	IsNumeric       bool   `json:"isNumeric"`
	SQLFieldNumeric string `json:"sqlFieldNumeric"`
}

type SampleResult struct {
	SQL string `json:"sql"`
}
