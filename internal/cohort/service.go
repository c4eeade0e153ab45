package cohort

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/leafcohort/leaf/internal/compiler"
	"github.com/leafcohort/leaf/internal/config"
	"github.com/leafcohort/leaf/internal/platform/telemetry"
)

var tracer = telemetry.Tracer("github.com/leafcohort/leaf/internal/cohort")

// Service resolves the patients matching a query under one execution
// strategy.
type Service interface {
	GetCohort(ctx context.Context, q Query) (*PatientCohort, error)
}

// NewService selects the implementation for the configured strategy.
func NewService(cfg config.CohortConfig, comp *compiler.Compiler, src Source, logger zerolog.Logger) (Service, error) {
	base := cteService{
		compiler: comp,
		source:   src,
		logger:   logger.With().Str("component", "cohort").Str("strategy", strings.ToUpper(cfg.QueryStrategy)).Logger(),
	}
	switch strings.ToUpper(cfg.QueryStrategy) {
	case config.StrategyCTE:
		return &base, nil
	case config.StrategyCTEOR:
		if cfg.OverrideProcedure == "" {
			return nil, fmt.Errorf("%s strategy requires an override procedure", config.StrategyCTEOR)
		}
		return &cteorService{cteService: base, procedure: cfg.OverrideProcedure}, nil
	case config.StrategyParallel:
		if cfg.MaxParallelThreads <= 0 {
			return nil, fmt.Errorf("%s strategy requires at least one thread", config.StrategyParallel)
		}
		return &parallelService{cteService: base, threads: cfg.MaxParallelThreads}, nil
	}
	return nil, fmt.Errorf("%s is not a supported cohort query strategy", cfg.QueryStrategy)
}

// cteService compiles the whole query into one statement.
type cteService struct {
	compiler *compiler.Compiler
	source   Source
	logger   zerolog.Logger
}

func (s *cteService) GetCohort(ctx context.Context, q Query) (_ *PatientCohort, err error) {
	ctx, span := tracer.Start(ctx, "cohort.cte")
	defer func() { telemetry.End(span, err) }()

	stmt, err := s.compile(ctx, q)
	if err != nil {
		return nil, err
	}

	ids, err := s.source.PatientIDs(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, err
	}
	cohort := newPatientCohort(q)
	cohort.SQLStatements = []string{compiler.Render(stmt)}
	for _, id := range ids {
		cohort.PatientIDs[id] = struct{}{}
	}
	span.SetAttributes(attribute.Int("cohort.count", cohort.Count()))
	return cohort, nil
}

func (s *cteService) compile(ctx context.Context, q Query) (compiler.Statement, error) {
	_, span := tracer.Start(ctx, "cohort.compile")
	stmt, err := s.compiler.BuildCTE(q.Panels)
	telemetry.End(span, err)
	if err != nil {
		return compiler.Statement{}, fmt.Errorf("compile cohort: %w", err)
	}
	s.logger.Debug().
		Str("query_id", q.QueryID.String()).
		Int("params", len(stmt.Args)).
		Str("sql", stmt.SQL).
		Msg("compiled cohort query")
	return stmt, nil
}

// cteorService compiles like cteService but hands the SQL to a site-defined
// function, which may rewrite or restrict the cohort.
type cteorService struct {
	cteService
	procedure string
}

type leafQuery struct {
	QueryID       string   `json:"queryId"`
	ClientQueryID string   `json:"clientQueryId,omitempty"`
	User          string   `json:"user"`
	Groups        []string `json:"groups"`
	Admin         bool     `json:"admin"`
}

func (s *cteorService) GetCohort(ctx context.Context, q Query) (_ *PatientCohort, err error) {
	ctx, span := tracer.Start(ctx, "cohort.cteor")
	defer func() { telemetry.End(span, err) }()

	stmt, err := s.compile(ctx, q)
	if err != nil {
		return nil, err
	}

	lq := leafQuery{QueryID: q.QueryID.String(), ClientQueryID: q.ClientQueryID, Groups: []string{}}
	if q.User != nil {
		lq.User = q.User.UUID()
		lq.Admin = q.User.IsAdmin()
		if q.User.Groups != nil {
			lq.Groups = q.User.Groups
		}
	}
	leafJSON, err := json.Marshal(lq)
	if err != nil {
		return nil, fmt.Errorf("encode query context: %w", err)
	}
	panelsJSON, err := json.Marshal(q.Panels)
	if err != nil {
		return nil, fmt.Errorf("encode panels: %w", err)
	}
	params := stmt.Args
	if params == nil {
		params = []any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	ids, err := s.source.PatientIDs(ctx, overrideCall(s.procedure), string(leafJSON), string(panelsJSON), stmt.SQL, string(paramsJSON))
	if err != nil {
		return nil, err
	}
	cohort := newPatientCohort(q)
	cohort.SQLStatements = []string{compiler.Render(stmt)}
	for _, id := range ids {
		cohort.PatientIDs[id] = struct{}{}
	}
	return cohort, nil
}

func overrideCall(procedure string) string {
	name := pgx.Identifier(strings.Split(procedure, ".")).Sanitize()
	return "SELECT * FROM " + name + "($1::jsonb, $2::jsonb, $3::text, $4::jsonb)"
}

// parallelService runs each panel as its own statement and combines the
// results in memory.
type parallelService struct {
	cteService
	threads int
}

func (s *parallelService) GetCohort(ctx context.Context, q Query) (_ *PatientCohort, err error) {
	ctx, span := tracer.Start(ctx, "cohort.parallel")
	defer func() { telemetry.End(span, err) }()

	stmts, err := s.compiler.BuildPanels(q.Panels)
	if err != nil {
		return nil, fmt.Errorf("compile cohort: %w", err)
	}

	results := make([][]string, len(stmts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.threads)
	for i, ps := range stmts {
		g.Go(func() error {
			ids, err := s.source.PatientIDs(gctx, ps.Statement.SQL, ps.Statement.Args...)
			if err != nil {
				return fmt.Errorf("panel %d: %w", ps.Panel.Index, err)
			}
			results[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cohort := newPatientCohort(q)
	cohort.PatientIDs = combine(stmts, results)
	for _, ps := range stmts {
		cohort.SQLStatements = append(cohort.SQLStatements, compiler.Render(ps.Statement))
	}
	s.logger.Debug().
		Str("query_id", q.QueryID.String()).
		Int("panels", len(stmts)).
		Int("count", cohort.Count()).
		Msg("combined parallel panels")
	return cohort, nil
}

// combine intersects included panels, then removes excluded panels.
func combine(stmts []compiler.PanelStatement, results [][]string) map[string]struct{} {
	var set map[string]struct{}
	for i, ps := range stmts {
		if !ps.Panel.IncludePanel {
			continue
		}
		next := make(map[string]struct{}, len(results[i]))
		for _, id := range results[i] {
			if set == nil {
				next[id] = struct{}{}
			} else if _, ok := set[id]; ok {
				next[id] = struct{}{}
			}
		}
		set = next
	}
	if set == nil {
		set = make(map[string]struct{})
	}
	for i, ps := range stmts {
		if ps.Panel.IncludePanel {
			continue
		}
		for _, id := range results[i] {
			delete(set, id)
		}
	}
	return set
}
