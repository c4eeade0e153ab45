package dataset

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encounterContext() *ExecutionContext {
	return &ExecutionContext{
		ExecutionRequest: ExecutionRequest{QueryID: uuid.New(), DatasetID: uuid.New(), Shape: ShapeEncounter},
		Query: Query{
			ID:           uuid.New(),
			Shape:        ShapeEncounter,
			SQLStatement: "SELECT * FROM clin.encounter;  ",
		},
		PatientIDs: []string{"p1", "p2"},
	}
}

func TestBuild(t *testing.T) {
	ectx := encounterContext()

	stmt, err := Build(ectx)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(stmt.SQL, "WITH dataset AS (\nSELECT * FROM clin.encounter\n)\nSELECT "))
	assert.Contains(t, stmt.SQL, "COALESCE(dataset.person_id::text, '') AS person_id")
	assert.Contains(t, stmt.SQL, "dataset.admit_date::timestamp AS admit_date")
	assert.Contains(t, stmt.SQL, "WHERE dataset.person_id::text = ANY($1)")
	assert.NotContains(t, stmt.SQL, "$2")
	assert.Equal(t, []any{[]string{"p1", "p2"}}, stmt.Args)
}

func TestBuild_DateBounds(t *testing.T) {
	ectx := encounterContext()
	early := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	ectx.Early, ectx.Late = &early, &late

	stmt, err := Build(ectx)
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "AND dataset.admit_date >= $2\n  AND dataset.admit_date <= $3")
	require.Len(t, stmt.Args, 3)
	assert.Equal(t, early, stmt.Args[1])
	assert.Equal(t, late, stmt.Args[2])

	stmt, err = Build(&ExecutionContext{
		ExecutionRequest: ExecutionRequest{Early: &early},
		Query:            Query{Shape: ShapeDemographics, SQLStatement: "SELECT * FROM clin.person"},
	})
	require.NoError(t, err)
	assert.Len(t, stmt.Args, 1, "demographics have no date column")
	assert.NotContains(t, stmt.SQL, "value_quantity", "value_quantity belongs to observations only")
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(&ExecutionContext{Query: Query{Shape: Shape(99), SQLStatement: "SELECT 1"}})
	assert.Error(t, err)

	_, err = Build(&ExecutionContext{Query: Query{Shape: ShapeCondition, SQLStatement: " ; "}})
	assert.Error(t, err)
}

func TestParseShape(t *testing.T) {
	for in, want := range map[string]Shape{
		"1":            ShapeObservation,
		"encounter":    ShapeEncounter,
		"Condition":    ShapeCondition,
		" PROCEDURE ":  ShapeProcedure,
		"demographics": ShapeDemographics,
	} {
		got, err := ParseShape(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "0", "42", "dynamic"} {
		_, err := ParseShape(in)
		assert.Error(t, err, in)
	}
}

func TestShapeSchemaMatchesRecords(t *testing.T) {
	assert.Equal(t, "person_id", ShapeObservation.Schema()[0])
	assert.Len(t, ShapeProcedure.Schema(), 7)
	assert.Len(t, ShapeDemographics.Schema(), 10)
}
