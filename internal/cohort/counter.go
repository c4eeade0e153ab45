package cohort

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leafcohort/leaf/internal/concept"
	"github.com/leafcohort/leaf/internal/config"
	"github.com/leafcohort/leaf/internal/platform/auth"
)

// Converter turns a submitted query into validated panels.
type Converter interface {
	Convert(ctx context.Context, user *auth.User, dto concept.PatientCountQueryDTO) (*concept.ValidationContext, error)
}

// Counter counts patients for submitted queries and caches the cohorts.
type Counter struct {
	converter   Converter
	cohorts     Service
	store       QueryStore
	obfuscator  *Obfuscator
	rowLimit    int
	exportLimit int
	logger      zerolog.Logger
}

func NewCounter(converter Converter, cohorts Service, store QueryStore, obfuscator *Obfuscator, cfg config.CohortConfig, logger zerolog.Logger) *Counter {
	return &Counter{
		converter:   converter,
		cohorts:     cohorts,
		store:       store,
		obfuscator:  obfuscator,
		rowLimit:    cfg.RowLimit,
		exportLimit: cfg.ExportLimit,
		logger:      logger.With().Str("component", "counter").Logger(),
	}
}

// Count returns a result with Preflight.PreflightPassed false, and no error,
// when the query itself is invalid.
func (c *Counter) Count(ctx context.Context, user *auth.User, dto concept.PatientCountQueryDTO) (*CohortCount, error) {
	vc, err := c.converter.Convert(ctx, user, dto)
	if err != nil {
		return nil, fmt.Errorf("convert query: %w", err)
	}
	result := &CohortCount{ClientQueryID: dto.QueryID, Preflight: vc}
	if !vc.PreflightPassed {
		return result, nil
	}

	q := Query{QueryID: uuid.New(), ClientQueryID: dto.QueryID, Panels: vc.Panels, User: user}
	cohort, err := c.cohorts.GetCohort(ctx, q)
	if err != nil {
		return nil, err
	}

	definition, err := json.Marshal(dto)
	if err != nil {
		return nil, fmt.Errorf("encode query definition: %w", err)
	}
	patients := cohort.SortedPatientIDs()
	saved := &SavedQuery{
		ID:           q.QueryID,
		ClientID:     dto.QueryID,
		Pepper:       uuid.New(),
		Definition:   definition,
		PatientCount: len(patients),
		Cached:       len(patients) <= c.rowLimit,
	}
	if user != nil {
		saved.Owner = user.UUID()
	}
	if err := c.store.Save(ctx, saved, patients, c.exportLimit); err != nil {
		return nil, fmt.Errorf("save query: %w", err)
	}

	value, plusMinus, masked := c.obfuscator.Count(len(patients), Seed(patients))
	result.QueryID = q.QueryID
	result.Count = CountResult{
		Value:                  value,
		PlusMinus:              plusMinus,
		WithLowCellSizeMasking: masked,
	}
	if user != nil && user.IsAdmin() {
		result.Count.SQLStatements = cohort.SQLStatements
	}

	c.logger.Info().
		Str("query_id", q.QueryID.String()).
		Int("count", len(patients)).
		Bool("cached", saved.Cached).
		Msg("counted cohort")
	return result, nil
}
