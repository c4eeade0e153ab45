package seed

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafcohort/leaf/internal/platform/db"
)

type conceptWriterPG struct {
	pool *pgxpool.Pool
}

func NewConceptWriter(pool *pgxpool.Pool) ConceptWriter {
	return &conceptWriterPG{pool: pool}
}

func (w *conceptWriterPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, w.pool)
}

// Upsert replaces the concept row together with its constraints and
// specialization group links.
func (w *conceptWriterPG) Upsert(ctx context.Context, rec Record, groups map[string]int) error {
	q := w.conn(ctx)
	var setID *int
	if rec.SQLSet.ID > 0 {
		setID = &rec.SQLSet.ID
	}
	_, err := q.Exec(ctx, `
		INSERT INTO app.concept (
			id, parent_id, root_id, universal_id, is_numeric, is_parent, is_root,
			is_patient_count_auto_calculated, is_specializable, sqlset_id, sql_set_where,
			sql_field_numeric, ui_display_name, ui_display_text, ui_display_subtext,
			ui_display_units, ui_display_tooltip, ui_numeric_default_text)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, NULLIF($11, ''),
			NULLIF($12, ''), $13, $14, NULLIF($15, ''), NULLIF($16, ''), NULLIF($17, ''), NULLIF($18, ''))
		ON CONFLICT (id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id, root_id = EXCLUDED.root_id,
			universal_id = EXCLUDED.universal_id, is_numeric = EXCLUDED.is_numeric,
			is_parent = EXCLUDED.is_parent, is_root = EXCLUDED.is_root,
			is_patient_count_auto_calculated = EXCLUDED.is_patient_count_auto_calculated,
			is_specializable = EXCLUDED.is_specializable, sqlset_id = EXCLUDED.sqlset_id,
			sql_set_where = EXCLUDED.sql_set_where, sql_field_numeric = EXCLUDED.sql_field_numeric,
			ui_display_name = EXCLUDED.ui_display_name, ui_display_text = EXCLUDED.ui_display_text,
			ui_display_subtext = EXCLUDED.ui_display_subtext, ui_display_units = EXCLUDED.ui_display_units,
			ui_display_tooltip = EXCLUDED.ui_display_tooltip,
			ui_numeric_default_text = EXCLUDED.ui_numeric_default_text`,
		rec.ID, rec.ParentID, rec.RootID, rec.UniversalID, rec.IsNumeric, rec.IsParent, rec.IsRoot,
		rec.IsPatientCountAutoCalculated, rec.IsSpecializable, setID, rec.SQLSetWhere,
		rec.SQLFieldNumeric, rec.UIDisplayName, rec.UIDisplayText, rec.UIDisplaySubtext,
		rec.UIDisplayUnits, rec.UIDisplayTooltip, rec.UINumericDefaultText)
	if err != nil {
		return db.Classify(err)
	}

	if _, err := q.Exec(ctx, `DELETE FROM app.concept_constraint WHERE concept_id = $1`, rec.ID); err != nil {
		return db.Classify(err)
	}
	for _, u := range rec.Users {
		if _, err := q.Exec(ctx, `INSERT INTO app.concept_constraint (concept_id, constraint_type, constraint_value) VALUES ($1, 'user', $2)`, rec.ID, u); err != nil {
			return db.Classify(err)
		}
	}
	for _, g := range rec.Groups {
		if _, err := q.Exec(ctx, `INSERT INTO app.concept_constraint (concept_id, constraint_type, constraint_value) VALUES ($1, 'group', $2)`, rec.ID, g); err != nil {
			return db.Classify(err)
		}
	}

	if _, err := q.Exec(ctx, `DELETE FROM app.concept_specialization_group WHERE concept_id = $1`, rec.ID); err != nil {
		return db.Classify(err)
	}
	for i, text := range rec.GroupTexts {
		_, err := q.Exec(ctx, `
			INSERT INTO app.concept_specialization_group (concept_id, specialization_group_id, order_id)
			VALUES ($1, $2, $3)`, rec.ID, groups[text], i)
		if err != nil {
			return db.Classify(err)
		}
	}
	return nil
}
