package dataset

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/leafcohort/leaf/internal/compiler"
	"github.com/leafcohort/leaf/internal/config"
	"github.com/leafcohort/leaf/internal/platform/auth"
	"github.com/leafcohort/leaf/internal/platform/db"
	"github.com/leafcohort/leaf/internal/platform/telemetry"
)

var tracer = telemetry.Tracer("github.com/leafcohort/leaf/internal/dataset")

// Executor runs a compiled dataset statement and scans the rows of shape.
// rows is the typed slice for the shape, records the same rows as Record.
type Executor interface {
	Execute(ctx context.Context, shape Shape, stmt compiler.Statement) (rows any, records []Record, err error)
}

type pgExecutor struct {
	q       db.Querier
	timeout int
}

// NewExecutor runs dataset statements against the clinical pool, each bounded
// by timeout seconds.
func NewExecutor(q db.Querier, timeout int) Executor {
	return &pgExecutor{q: q, timeout: timeout}
}

func (e *pgExecutor) Execute(ctx context.Context, shape Shape, stmt compiler.Statement) (any, []Record, error) {
	ctx, cancel := db.WithTimeout(ctx, e.timeout)
	defer cancel()

	rows, err := e.q.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, nil, db.Classify(err)
	}
	var (
		typed   any
		records []Record
	)
	switch shape {
	case ShapeObservation:
		typed, records, err = collect[Observation](rows)
	case ShapeEncounter:
		typed, records, err = collect[Encounter](rows)
	case ShapeCondition:
		typed, records, err = collect[Condition](rows)
	case ShapeProcedure:
		typed, records, err = collect[Procedure](rows)
	case ShapeDemographics:
		typed, records, err = collect[Demographic](rows)
	default:
		rows.Close()
		return nil, nil, fmt.Errorf("unsupported shape %s", shape)
	}
	if err != nil {
		return nil, nil, db.Classify(err)
	}
	return typed, records, nil
}

type recordPtr[T any] interface {
	*T
	Record
}

func collect[T any, P recordPtr[T]](rows pgx.Rows) ([]P, []Record, error) {
	typed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (P, error) {
		r, err := pgx.RowToAddrOfStructByName[T](row)
		return P(r), err
	})
	if err != nil {
		return nil, nil, err
	}
	return typed, asRecords(typed), nil
}

func asRecords[P Record](typed []P) []Record {
	out := make([]Record, len(typed))
	for i, r := range typed {
		out[i] = r
	}
	return out
}

// Service runs dataset queries for resolved execution contexts.
type Service struct {
	exec    Executor
	deident config.DeidentConfig
	logger  zerolog.Logger
}

func NewService(exec Executor, deident config.DeidentConfig, logger zerolog.Logger) *Service {
	return &Service{exec: exec, deident: deident, logger: logger.With().Str("component", "dataset").Logger()}
}

// GetDataset compiles and runs the dataset. Identifiers and dates are
// de-identified unless the user is identified and institutional.
func (s *Service) GetDataset(ctx context.Context, user *auth.User, ectx *ExecutionContext) (*Dataset, error) {
	ctx, span := tracer.Start(ctx, "dataset.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("leaf.query_id", ectx.QueryID.String()),
		attribute.String("leaf.dataset_id", ectx.DatasetID.String()),
		attribute.String("leaf.shape", ectx.Shape.String()),
	)

	stmt, err := Build(ectx)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("query_id", ectx.QueryID.String()).
		Str("sql", compiler.Render(stmt)).
		Msg("compiled dataset query")

	rows, records, err := s.exec.Execute(ctx, ectx.Query.Shape, stmt)
	if err != nil {
		return nil, err
	}

	if user == nil || user.Anonymize() {
		a := newAnonymizer(ectx.Pepper, s.deident)
		for _, r := range records {
			r.anonymize(a)
		}
	}

	ds := &Dataset{
		QueryID:   ectx.QueryID,
		DatasetID: ectx.DatasetID,
		Shape:     ectx.Query.Shape,
		Schema:    ectx.Query.Shape.Schema(),
		Results:   make(map[string][]Record),
		Count:     len(records),
		Rows:      rows,
	}
	for _, r := range records {
		ds.Results[r.personID()] = append(ds.Results[r.personID()], r)
	}
	span.SetAttributes(attribute.Int("leaf.rows", ds.Count))
	return ds, nil
}
