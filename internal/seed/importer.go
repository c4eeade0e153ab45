package seed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/leafcohort/leaf/internal/admin"
	"github.com/leafcohort/leaf/internal/compiler"
	"github.com/leafcohort/leaf/internal/platform/db"
)

// ConceptWriter stores flattened concepts. groups maps a record's
// GroupTexts to specialization group ids.
type ConceptWriter interface {
	Upsert(ctx context.Context, rec Record, groups map[string]int) error
}

// Importer writes a catalog in one transaction. SQL sets and specialization
// groups are always created; concepts are upserted by their derived id.
type Importer struct {
	sets     admin.SQLSetRepository
	specs    admin.SpecializationRepository
	concepts ConceptWriter
	inTx     func(ctx context.Context, fn func(ctx context.Context) error) error
	logger   zerolog.Logger
}

func NewImporter(pool *pgxpool.Pool, logger zerolog.Logger) *Importer {
	return &Importer{
		sets:     admin.NewSQLSetRepo(pool),
		specs:    admin.NewSpecializationRepo(pool),
		concepts: NewConceptWriter(pool),
		inTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		},
		logger: logger,
	}
}

func (im *Importer) Import(ctx context.Context, f *File) (*Summary, error) {
	summary := &Summary{}
	err := im.inTx(ctx, func(ctx context.Context) error {
		setIDs := make(map[string]int, len(f.SQLSets))
		groupIDs := make(map[string]map[string]int, len(f.SQLSets))

		for _, s := range f.SQLSets {
			c := s.toCompiler()
			set := &admin.SQLSet{
				IsEncounterBased: c.IsEncounterBased,
				IsEventBased:     c.IsEventBased,
				SQLSetFrom:       c.SQLSetFrom,
				SQLFieldDate:     c.SQLFieldDate,
				SQLFieldEvent:    c.SQLFieldEvent,
				CreatedBy:        "seed",
			}
			if err := im.sets.Create(ctx, set); err != nil {
				return fmt.Errorf("create sql set %s: %w", s.Key, err)
			}
			setIDs[s.Key] = set.ID
			groupIDs[s.Key] = make(map[string]int, len(s.SpecializationGroups))
			summary.SQLSets++

			for _, g := range s.SpecializationGroups {
				group := &compiler.SpecializationGroup{SQLSetID: set.ID, UIDefaultText: g.Text}
				for i, sp := range g.Specializations {
					group.Specializations = append(group.Specializations, compiler.Specialization{
						UniversalID:   sp.UniversalID,
						UIDisplayText: sp.Text,
						SQLSetWhere:   sp.Where,
						OrderID:       i,
					})
				}
				if err := im.specs.CreateGroup(ctx, group); err != nil {
					return fmt.Errorf("create specialization group %s/%s: %w", s.Key, g.Text, err)
				}
				groupIDs[s.Key][g.Text] = group.ID
				summary.SpecializationGroups++
			}
		}

		for _, rec := range f.Records() {
			if rec.SetKey != "" {
				rec.SQLSet.ID = setIDs[rec.SetKey]
			}
			if err := im.concepts.Upsert(ctx, rec, groupIDs[rec.SetKey]); err != nil {
				return fmt.Errorf("upsert concept %s: %w", rec.UIDisplayName, err)
			}
			summary.Concepts++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	im.logger.Info().
		Int("sql_sets", summary.SQLSets).
		Int("specialization_groups", summary.SpecializationGroups).
		Int("concepts", summary.Concepts).
		Msg("seed catalog imported")
	return summary, nil
}
