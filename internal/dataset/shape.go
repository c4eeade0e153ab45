package dataset

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Shape is the row layout a dataset query returns.
type Shape int

const (
	ShapeObservation Shape = iota + 1
	ShapeEncounter
	ShapeCondition
	ShapeProcedure
	ShapeDemographics
)

var shapeNames = map[Shape]string{
	ShapeObservation:  "Observation",
	ShapeEncounter:    "Encounter",
	ShapeCondition:    "Condition",
	ShapeProcedure:    "Procedure",
	ShapeDemographics: "Demographics",
}

func (s Shape) String() string {
	if name, ok := shapeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Shape(%d)", int(s))
}

// ParseShape accepts a shape number or a case-insensitive name.
func ParseShape(v string) (Shape, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		if _, ok := shapeNames[Shape(n)]; ok {
			return Shape(n), nil
		}
		return 0, fmt.Errorf("unknown shape %d", n)
	}
	for s, name := range shapeNames {
		if strings.EqualFold(name, v) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown shape %q", v)
}

// Record is one row of a shaped dataset.
type Record interface {
	personID() string
	anonymize(a *anonymizer)
}

type Observation struct {
	PersonID      string     `db:"person_id" json:"personId" csv:"personId"`
	EncounterID   string     `db:"encounter_id" json:"encounterId" csv:"encounterId"`
	EffectiveDate *time.Time `db:"effective_date" json:"effectiveDate" csv:"effectiveDate"`
	Category      string     `db:"category" json:"category" csv:"category"`
	Code          string     `db:"code" json:"code" csv:"code"`
	Coding        string     `db:"coding" json:"coding" csv:"coding"`
	Text          string     `db:"text" json:"text" csv:"text"`
	ValueString   string     `db:"value_string" json:"valueString" csv:"valueString"`
	ValueQuantity *float64   `db:"value_quantity" json:"valueQuantity" csv:"valueQuantity"`
	ValueUnit     string     `db:"value_unit" json:"valueUnit" csv:"valueUnit"`
}

func (r *Observation) personID() string { return r.PersonID }

func (r *Observation) anonymize(a *anonymizer) {
	r.PersonID = a.id(r.PersonID)
	r.EncounterID = a.encounter(r.EncounterID)
	a.shift(r.PersonID, r.EffectiveDate)
}

type Encounter struct {
	PersonID      string     `db:"person_id" json:"personId" csv:"personId"`
	EncounterID   string     `db:"encounter_id" json:"encounterId" csv:"encounterId"`
	AdmitDate     *time.Time `db:"admit_date" json:"admitDate" csv:"admitDate"`
	DischargeDate *time.Time `db:"discharge_date" json:"dischargeDate" csv:"dischargeDate"`
	Class         string     `db:"class" json:"class" csv:"class"`
	Type          string     `db:"type" json:"type" csv:"type"`
	Location      string     `db:"location" json:"location" csv:"location"`
	Status        string     `db:"status" json:"status" csv:"status"`
}

func (r *Encounter) personID() string { return r.PersonID }

func (r *Encounter) anonymize(a *anonymizer) {
	r.PersonID = a.id(r.PersonID)
	r.EncounterID = a.encounter(r.EncounterID)
	a.shift(r.PersonID, r.AdmitDate)
	a.shift(r.PersonID, r.DischargeDate)
}

type Condition struct {
	PersonID      string     `db:"person_id" json:"personId" csv:"personId"`
	EncounterID   string     `db:"encounter_id" json:"encounterId" csv:"encounterId"`
	OnsetDate     *time.Time `db:"onset_date" json:"onsetDate" csv:"onsetDate"`
	AbatementDate *time.Time `db:"abatement_date" json:"abatementDate" csv:"abatementDate"`
	Category      string     `db:"category" json:"category" csv:"category"`
	Code          string     `db:"code" json:"code" csv:"code"`
	Coding        string     `db:"coding" json:"coding" csv:"coding"`
	Text          string     `db:"text" json:"text" csv:"text"`
}

func (r *Condition) personID() string { return r.PersonID }

func (r *Condition) anonymize(a *anonymizer) {
	r.PersonID = a.id(r.PersonID)
	r.EncounterID = a.encounter(r.EncounterID)
	a.shift(r.PersonID, r.OnsetDate)
	a.shift(r.PersonID, r.AbatementDate)
}

type Procedure struct {
	PersonID      string     `db:"person_id" json:"personId" csv:"personId"`
	EncounterID   string     `db:"encounter_id" json:"encounterId" csv:"encounterId"`
	PerformedDate *time.Time `db:"performed_date" json:"performedDate" csv:"performedDate"`
	Category      string     `db:"category" json:"category" csv:"category"`
	Code          string     `db:"code" json:"code" csv:"code"`
	Coding        string     `db:"coding" json:"coding" csv:"coding"`
	Text          string     `db:"text" json:"text" csv:"text"`
}

func (r *Procedure) personID() string { return r.PersonID }

func (r *Procedure) anonymize(a *anonymizer) {
	r.PersonID = a.id(r.PersonID)
	r.EncounterID = a.encounter(r.EncounterID)
	a.shift(r.PersonID, r.PerformedDate)
}

// Demographic carries direct identifiers (name, mrn) that are blanked for
// de-identified sessions.
type Demographic struct {
	PersonID      string     `db:"person_id" json:"personId" csv:"personId"`
	BirthDate     *time.Time `db:"birth_date" json:"birthDate" csv:"birthDate"`
	DeceasedDate  *time.Time `db:"deceased_date" json:"deceasedDate" csv:"deceasedDate"`
	Gender        string     `db:"gender" json:"gender" csv:"gender"`
	Race          string     `db:"race" json:"race" csv:"race"`
	Ethnicity     string     `db:"ethnicity" json:"ethnicity" csv:"ethnicity"`
	Language      string     `db:"language" json:"language" csv:"language"`
	MaritalStatus string     `db:"marital_status" json:"maritalStatus" csv:"maritalStatus"`
	Name          string     `db:"name" json:"name" csv:"name"`
	MRN           string     `db:"mrn" json:"mrn" csv:"mrn"`
}

func (r *Demographic) personID() string { return r.PersonID }

func (r *Demographic) anonymize(a *anonymizer) {
	r.PersonID = a.id(r.PersonID)
	a.shift(r.PersonID, r.BirthDate)
	a.shift(r.PersonID, r.DeceasedDate)
	r.Name = ""
	r.MRN = ""
}

type columnKind int

const (
	kindText columnKind = iota
	kindTime
	kindNumber
)

type column struct {
	name string
	kind columnKind
}

func text(names ...string) []column {
	cols := make([]column, len(names))
	for i, n := range names {
		cols[i] = column{name: n, kind: kindText}
	}
	return cols
}

func join(parts ...[]column) []column {
	var out []column
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// layout describes how a shape is selected from a dataset query.
type layout struct {
	columns []column
	// dateColumn is filtered by the early and late bounds. Empty when the
	// shape has no event date.
	dateColumn string
}

var layouts = map[Shape]layout{
	ShapeObservation: {
		columns: join(
			text("person_id", "encounter_id"),
			[]column{{"effective_date", kindTime}},
			text("category", "code", "coding", "text", "value_string"),
			[]column{{"value_quantity", kindNumber}},
			text("value_unit"),
		),
		dateColumn: "effective_date",
	},
	ShapeEncounter: {
		columns: join(
			text("person_id", "encounter_id"),
			[]column{{"admit_date", kindTime}, {"discharge_date", kindTime}},
			text("class", "type", "location", "status"),
		),
		dateColumn: "admit_date",
	},
	ShapeCondition: {
		columns: join(
			text("person_id", "encounter_id"),
			[]column{{"onset_date", kindTime}, {"abatement_date", kindTime}},
			text("category", "code", "coding", "text"),
		),
		dateColumn: "onset_date",
	},
	ShapeProcedure: {
		columns: join(
			text("person_id", "encounter_id"),
			[]column{{"performed_date", kindTime}},
			text("category", "code", "coding", "text"),
		),
		dateColumn: "performed_date",
	},
	ShapeDemographics: {
		columns: join(
			text("person_id"),
			[]column{{"birth_date", kindTime}, {"deceased_date", kindTime}},
			text("gender", "race", "ethnicity", "language", "marital_status", "name", "mrn"),
		),
	},
}

// Schema lists the column names of s in output order.
func (s Shape) Schema() []string {
	l := layouts[s]
	names := make([]string, len(l.columns))
	for i, c := range l.columns {
		names[i] = c.name
	}
	return names
}
