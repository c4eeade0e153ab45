package dataset

import (
	"time"

	"github.com/google/uuid"
)

// Query is an admin-defined dataset query. SQLStatement must return the
// columns of its shape, person_id first.
type Query struct {
	ID           uuid.UUID `json:"id"`
	UniversalID  string    `json:"universalId,omitempty"`
	Shape        Shape     `json:"shape"`
	Name         string    `json:"name"`
	Category     string    `json:"category"`
	Description  string    `json:"description"`
	SQLStatement string    `json:"-"`
	Tags         []string  `json:"tags"`
}

// ExecutionRequest identifies a dataset to run against a cached cohort.
// Early and late bound the shape's date column.
type ExecutionRequest struct {
	QueryID   uuid.UUID
	DatasetID uuid.UUID
	Shape     Shape
	Early     *time.Time
	Late      *time.Time
}

// ExecutionContext is a resolved request ready to compile.
type ExecutionContext struct {
	ExecutionRequest
	Query      Query
	PatientIDs []string
	// Pepper salts anonymized identifiers so they are stable within one
	// cohort query only.
	Pepper uuid.UUID
}

// State reports why a request could not be resolved.
type State int

const (
	StateOk State = iota
	StateQueryNotFound
	StateCohortTooLarge
	StateDatasetNotFound
	StateDatasetShapeMismatch
)

var stateNames = map[State]string{
	StateOk:                   "Ok",
	StateQueryNotFound:        "QueryNotFound",
	StateCohortTooLarge:       "CohortTooLarge",
	StateDatasetNotFound:      "DatasetNotFound",
	StateDatasetShapeMismatch: "DatasetShapeMismatch",
}

func (s State) String() string {
	return stateNames[s]
}

// Dataset is the result of running a dataset query. Rows holds the typed
// slice for the shape, Results the same records grouped by person.
type Dataset struct {
	QueryID   uuid.UUID           `json:"queryId"`
	DatasetID uuid.UUID           `json:"datasetId"`
	Shape     Shape               `json:"shape"`
	Schema    []string            `json:"schema"`
	Results   map[string][]Record `json:"results"`
	Count     int                 `json:"count"`
	Rows      any                 `json:"-"`
}
