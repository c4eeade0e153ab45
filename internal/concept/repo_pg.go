package concept

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafcohort/leaf/internal/compiler"
	"github.com/leafcohort/leaf/internal/platform/auth"
	"github.com/leafcohort/leaf/internal/platform/db"
)

// maxSearchHits bounds the concepts matched by a search before ancestry is
// added.
const maxSearchHits = 100

type conceptRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &conceptRepoPG{pool: pool}
}

func (r *conceptRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const conceptColumns = `c.id, c.parent_id, c.root_id, COALESCE(c.universal_id, ''),
	c.is_numeric, c.is_parent, c.is_patient_count_auto_calculated, c.is_specializable,
	COALESCE(c.sqlset_id, 0), COALESCE(s.is_encounter_based, FALSE), COALESCE(s.is_event_based, FALSE),
	COALESCE(s.sql_set_from, ''), COALESCE(s.sql_field_date, ''), COALESCE(s.sql_field_event, ''),
	COALESCE(c.sql_set_where, ''), COALESCE(c.sql_field_numeric, ''),
	c.ui_display_name, c.ui_display_text, COALESCE(c.ui_display_subtext, ''),
	COALESCE(c.ui_display_units, ''), COALESCE(c.ui_display_tooltip, ''),
	c.ui_display_patient_count, COALESCE(c.ui_numeric_default_text, '')`

const conceptFrom = ` FROM app.concept c LEFT JOIN app.sqlset s ON s.id = c.sqlset_id`

// ancestryCTE walks from the concepts selected by seed up to their roots.
const ancestryCTE = `ancestry AS (
	SELECT id, parent_id FROM seed
	UNION
	SELECT p.id, p.parent_id FROM app.concept p JOIN ancestry a ON p.id = a.parent_id
)`

func (r *conceptRepoPG) GetRoots(ctx context.Context, user *auth.User) ([]*compiler.Concept, error) {
	return r.query(ctx, user, "", "c.is_root")
}

func (r *conceptRepoPG) GetChildren(ctx context.Context, user *auth.User, parentID uuid.UUID) ([]*compiler.Concept, error) {
	return r.query(ctx, user, "", "c.parent_id = $1", parentID)
}

func (r *conceptRepoPG) GetMany(ctx context.Context, user *auth.User, ids []uuid.UUID) ([]*compiler.Concept, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.query(ctx, user, "", "c.id = ANY($1)", ids)
}

func (r *conceptRepoPG) GetByUniversalIDs(ctx context.Context, user *auth.User, uids []string) ([]*compiler.Concept, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	return r.query(ctx, user, "", "c.universal_id = ANY($1)", uids)
}

func (r *conceptRepoPG) GetWithParents(ctx context.Context, user *auth.User, ids []uuid.UUID) ([]*compiler.Concept, error) {
	with := `WITH RECURSIVE seed AS (
	SELECT id, parent_id FROM app.concept WHERE id = ANY($1)
), ` + ancestryCTE
	return r.query(ctx, user, with, "c.id IN (SELECT id FROM ancestry)", ids)
}

func (r *conceptRepoPG) GetWithParentsBySearchTerms(ctx context.Context, user *auth.User, rootID *uuid.UUID, terms []string) ([]*compiler.Concept, error) {
	var conds []string
	var args []any
	for _, term := range terms {
		args = append(args, "%"+escapeLike(term)+"%")
		conds = append(conds, fmt.Sprintf("ui_display_name ILIKE $%d", len(args)))
	}
	if rootID != nil {
		args = append(args, *rootID)
		conds = append(conds, fmt.Sprintf("root_id = $%d", len(args)))
	}

	with := fmt.Sprintf(`WITH RECURSIVE seed AS (
	SELECT id, parent_id FROM app.concept WHERE %s LIMIT %d
), `, strings.Join(conds, " AND "), maxSearchHits) + ancestryCTE
	return r.query(ctx, user, with, "c.id IN (SELECT id FROM ancestry)", args...)
}

func (r *conceptRepoPG) GetPanelFilters(ctx context.Context) ([]PanelFilter, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, concept_id, is_inclusion, ui_display_text, ui_display_description
		FROM app.panel_filter ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var filters []PanelFilter
	for rows.Next() {
		var f PanelFilter
		if err := rows.Scan(&f.ID, &f.ConceptID, &f.IsInclusion, &f.UIDisplayText, &f.UIDisplayDescription); err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, rows.Err()
}

// constraintFilter restricts c to concepts the user may see. Admins see
// everything.
func constraintFilter(user *auth.User, next int) (string, []any) {
	if user != nil && user.IsAdmin() {
		return "", nil
	}
	identity := ""
	groups := []string{}
	if user != nil {
		identity = user.UUID()
		if user.Groups != nil {
			groups = user.Groups
		}
	}
	sql := fmt.Sprintf(`(NOT EXISTS (SELECT 1 FROM app.concept_constraint cc WHERE cc.concept_id = c.id)
	OR EXISTS (
		SELECT 1 FROM app.concept_constraint cc
		WHERE cc.concept_id = c.id
		  AND ((cc.constraint_type = 'user' AND cc.constraint_value = $%d)
		    OR (cc.constraint_type = 'group' AND cc.constraint_value = ANY($%d)))
	))`, next, next+1)
	return sql, []any{identity, groups}
}

func (r *conceptRepoPG) query(ctx context.Context, user *auth.User, with, where string, args ...any) ([]*compiler.Concept, error) {
	filter, fargs := constraintFilter(user, len(args)+1)
	sql := with + "\nSELECT " + conceptColumns + conceptFrom + " WHERE " + where
	if filter != "" {
		sql += " AND " + filter
		args = append(args, fargs...)
	}
	sql += " ORDER BY c.ui_display_name, c.id"

	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var concepts []*compiler.Concept
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, err
		}
		concepts = append(concepts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.hydrate(ctx, concepts); err != nil {
		return nil, err
	}
	return concepts, nil
}

func scanConcept(rows pgx.Rows) (*compiler.Concept, error) {
	var c compiler.Concept
	err := rows.Scan(
		&c.ID, &c.ParentID, &c.RootID, &c.UniversalID,
		&c.IsNumeric, &c.IsParent, &c.IsPatientCountAutoCalculated, &c.IsSpecializable,
		&c.SQLSet.ID, &c.SQLSet.IsEncounterBased, &c.SQLSet.IsEventBased,
		&c.SQLSet.SQLSetFrom, &c.SQLSet.SQLFieldDate, &c.SQLSet.SQLFieldEvent,
		&c.SQLSetWhere, &c.SQLFieldNumeric,
		&c.UIDisplayName, &c.UIDisplayText, &c.UIDisplaySubtext,
		&c.UIDisplayUnits, &c.UIDisplayTooltip,
		&c.UIDisplayPatientCount, &c.UINumericDefaultText,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// hydrate attaches specialization groups and their specializations.
func (r *conceptRepoPG) hydrate(ctx context.Context, concepts []*compiler.Concept) error {
	if len(concepts) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*compiler.Concept, len(concepts))
	ids := make([]uuid.UUID, 0, len(concepts))
	for _, c := range concepts {
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT csg.concept_id, sg.id, sg.sqlset_id, sg.ui_default_text,
		       sp.id, sp.universal_id, sp.ui_display_text, sp.sql_set_where, sp.order_id
		FROM app.concept_specialization_group csg
		JOIN app.specialization_group sg ON sg.id = csg.specialization_group_id
		LEFT JOIN app.specialization sp ON sp.specialization_group_id = sg.id
		WHERE csg.concept_id = ANY($1)
		ORDER BY csg.concept_id, csg.order_id, sg.id, sp.order_id`, ids)
	if err != nil {
		return fmt.Errorf("load specializations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			conceptID uuid.UUID
			group     compiler.SpecializationGroup
			spID      *uuid.UUID
			spUID     *string
			spText    *string
			spWhere   *string
			spOrder   *int
		)
		if err := rows.Scan(&conceptID, &group.ID, &group.SQLSetID, &group.UIDefaultText,
			&spID, &spUID, &spText, &spWhere, &spOrder); err != nil {
			return err
		}
		c, ok := byID[conceptID]
		if !ok {
			continue
		}
		n := len(c.SpecializationGroups)
		if n == 0 || c.SpecializationGroups[n-1].ID != group.ID {
			c.SpecializationGroups = append(c.SpecializationGroups, group)
			n++
		}
		if spID == nil {
			continue
		}
		sp := compiler.Specialization{ID: *spID, SpecializationGroupID: group.ID}
		if spUID != nil {
			sp.UniversalID = *spUID
		}
		if spText != nil {
			sp.UIDisplayText = *spText
		}
		if spWhere != nil {
			sp.SQLSetWhere = *spWhere
		}
		if spOrder != nil {
			sp.OrderID = *spOrder
		}
		g := &c.SpecializationGroups[n-1]
		g.Specializations = append(g.Specializations, sp)
	}
	return rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
