package dataset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/leafcohort/leaf/internal/compiler"
)

// Build wraps the dataset query so that only its shape's columns are
// returned, restricted to the cohort and the requested date range.
func Build(ectx *ExecutionContext) (compiler.Statement, error) {
	l, ok := layouts[ectx.Query.Shape]
	if !ok {
		return compiler.Statement{}, fmt.Errorf("dataset %s has unsupported shape %s", ectx.Query.ID, ectx.Query.Shape)
	}
	inner := strings.TrimRight(strings.TrimSpace(ectx.Query.SQLStatement), ";")
	if inner == "" {
		return compiler.Statement{}, fmt.Errorf("dataset %s has no sql statement", ectx.Query.ID)
	}

	var args []any
	bind := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	selects := make([]string, len(l.columns))
	for i, c := range l.columns {
		selects[i] = selectExpr(c)
	}
	where := []string{"dataset.person_id::text = ANY(" + bind(ectx.PatientIDs) + ")"}
	if l.dateColumn != "" {
		if ectx.Early != nil {
			where = append(where, "dataset."+l.dateColumn+" >= "+bind(ectx.Early.UTC()))
		}
		if ectx.Late != nil {
			where = append(where, "dataset."+l.dateColumn+" <= "+bind(ectx.Late.UTC()))
		}
	}

	var sb strings.Builder
	sb.WriteString("WITH dataset AS (\n")
	sb.WriteString(inner)
	sb.WriteString("\n)\nSELECT ")
	sb.WriteString(strings.Join(selects, ",\n       "))
	sb.WriteString("\nFROM dataset\nWHERE ")
	sb.WriteString(strings.Join(where, "\n  AND "))
	sb.WriteString("\nORDER BY 1")
	return compiler.Statement{SQL: sb.String(), Args: args}, nil
}

// selectExpr casts a column to the Go type its record field scans into.
func selectExpr(c column) string {
	switch c.kind {
	case kindTime:
		return fmt.Sprintf("dataset.%s::timestamp AS %s", c.name, c.name)
	case kindNumber:
		return fmt.Sprintf("dataset.%s::float8 AS %s", c.name, c.name)
	default:
		return fmt.Sprintf("COALESCE(dataset.%s::text, '') AS %s", c.name, c.name)
	}
}
