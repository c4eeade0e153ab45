package cohort

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/leafcohort/leaf/internal/compiler"
	"github.com/leafcohort/leaf/internal/concept"
	"github.com/leafcohort/leaf/internal/platform/auth"
)

// Query is a validated cohort query ready for execution.
type Query struct {
	QueryID       uuid.UUID
	ClientQueryID string
	Panels        []compiler.Panel
	User          *auth.User
}

// PatientCohort is the set of patients matching a query and the SQL that
// produced it.
type PatientCohort struct {
	QueryID       uuid.UUID
	PatientIDs    map[string]struct{}
	SQLStatements []string
	Panels        []compiler.Panel
}

func newPatientCohort(q Query) *PatientCohort {
	return &PatientCohort{
		QueryID:    q.QueryID,
		PatientIDs: make(map[string]struct{}),
		Panels:     q.Panels,
	}
}

func (c *PatientCohort) Count() int {
	return len(c.PatientIDs)
}

// SortedPatientIDs returns the members in a stable order.
func (c *PatientCohort) SortedPatientIDs() []string {
	ids := make([]string, 0, len(c.PatientIDs))
	for id := range c.PatientIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SavedQuery is a counted query persisted with its cached cohort.
type SavedQuery struct {
	ID           uuid.UUID       `json:"id"`
	ClientID     string          `json:"clientId,omitempty"`
	Owner        string          `json:"owner"`
	Pepper       uuid.UUID       `json:"-"`
	Definition   json.RawMessage `json:"definition"`
	PatientCount int             `json:"patientCount"`
	Cached       bool            `json:"cached"`
	Created      time.Time       `json:"created"`
}

type CountResult struct {
	Value                  int      `json:"value"`
	PlusMinus              int      `json:"plusMinus"`
	WithLowCellSizeMasking bool     `json:"withLowCellSizeMasking"`
	SQLStatements          []string `json:"sqlStatements,omitempty"`
}

// CohortCount is the response to a count request.
type CohortCount struct {
	QueryID       uuid.UUID                  `json:"queryId"`
	ClientQueryID string                     `json:"clientQueryId,omitempty"`
	Count         CountResult                `json:"count"`
	Preflight     *concept.ValidationContext `json:"preflight"`
}

// ContextState describes why a cached cohort could not be used.
type ContextState int

const (
	StateOk ContextState = iota
	StateQueryNotFound
	StateCohortTooLarge
)

// AgeBuckets are the age ranges demographics are grouped into.
var AgeBuckets = []struct {
	Label    string
	Min, Max int
}{
	{"<1", 0, 0},
	{"1-9", 1, 9},
	{"10-17", 10, 17},
	{"18-34", 18, 34},
	{"35-44", 35, 44},
	{"45-54", 45, 54},
	{"55-64", 55, 64},
	{"65-74", 65, 74},
	{"75-84", 75, 84},
	{">84", 85, 1 << 30},
}

type AgeStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"stdDev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Demographics summarises a cached cohort.
type Demographics struct {
	QueryID           uuid.UUID      `json:"queryId"`
	Patients          int            `json:"patients"`
	Gender            map[string]int `json:"gender"`
	AgeBuckets        map[string]int `json:"ageBuckets"`
	Deceased          int            `json:"deceased"`
	Language          map[string]int `json:"language"`
	Race              map[string]int `json:"race"`
	Age               *AgeStats      `json:"age,omitempty"`
	LowCellSizeMasked bool           `json:"lowCellSizeMasked"`
}

// DemographicRow is one patient returned by the demographics query.
type DemographicRow struct {
	PersonID  string
	Gender    string
	BirthDate *time.Time
	Deceased  bool
	Race      string
	Language  string
}
