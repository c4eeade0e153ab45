package admin

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafcohort/leaf/internal/compiler"
	"github.com/leafcohort/leaf/internal/platform/db"
)

// -- SQL Set Repository --

type sqlSetRepoPG struct {
	pool *pgxpool.Pool
}

func NewSQLSetRepo(pool *pgxpool.Pool) SQLSetRepository {
	return &sqlSetRepoPG{pool: pool}
}

func (r *sqlSetRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const sqlSetColumns = `id, is_encounter_based, is_event_based, sql_set_from,
	COALESCE(sql_field_date, ''), COALESCE(sql_field_event, ''),
	created, created_by, updated, updated_by`

func scanSQLSet(row pgx.Row) (*SQLSet, error) {
	var s SQLSet
	err := row.Scan(&s.ID, &s.IsEncounterBased, &s.IsEventBased, &s.SQLSetFrom,
		&s.SQLFieldDate, &s.SQLFieldEvent, &s.Created, &s.CreatedBy, &s.Updated, &s.UpdatedBy)
	if err != nil {
		return nil, db.Classify(err)
	}
	return &s, nil
}

func (r *sqlSetRepoPG) List(ctx context.Context) ([]SQLSet, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+sqlSetColumns+` FROM app.sqlset ORDER BY id`)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	var out []SQLSet
	for rows.Next() {
		s, err := scanSQLSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, db.Classify(rows.Err())
}

func (r *sqlSetRepoPG) Get(ctx context.Context, id int) (*SQLSet, error) {
	return scanSQLSet(r.conn(ctx).QueryRow(ctx, `SELECT `+sqlSetColumns+` FROM app.sqlset WHERE id = $1`, id))
}

func (r *sqlSetRepoPG) Create(ctx context.Context, s *SQLSet) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO app.sqlset (is_encounter_based, is_event_based, sql_set_from, sql_field_date, sql_field_event, created_by, updated_by)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $6)
		RETURNING id, created, updated`,
		s.IsEncounterBased, s.IsEventBased, s.SQLSetFrom, s.SQLFieldDate, s.SQLFieldEvent, s.CreatedBy,
	).Scan(&s.ID, &s.Created, &s.Updated)
	if err != nil {
		return db.Classify(err)
	}
	s.UpdatedBy = s.CreatedBy
	return nil
}

func (r *sqlSetRepoPG) Update(ctx context.Context, s *SQLSet) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE app.sqlset SET
			is_encounter_based = $2, is_event_based = $3, sql_set_from = $4,
			sql_field_date = NULLIF($5, ''), sql_field_event = NULLIF($6, ''),
			updated = NOW(), updated_by = $7
		WHERE id = $1
		RETURNING created, created_by, updated`,
		s.ID, s.IsEncounterBased, s.IsEventBased, s.SQLSetFrom, s.SQLFieldDate, s.SQLFieldEvent, s.UpdatedBy,
	).Scan(&s.Created, &s.CreatedBy, &s.Updated)
	return db.Classify(err)
}

func (r *sqlSetRepoPG) Delete(ctx context.Context, id int) (*SQLSetDeleteResult, error) {
	result := &SQLSetDeleteResult{
		ConceptDependents:             []ConceptDependent{},
		SpecializationGroupDependents: []SpecializationGroupDependent{},
	}
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		concepts, err := conceptDependents(ctx, q, `WHERE c.sqlset_id = $1`, id)
		if err != nil {
			return err
		}
		result.ConceptDependents = concepts

		rows, err := q.Query(ctx, `SELECT id, ui_default_text FROM app.specialization_group WHERE sqlset_id = $1 ORDER BY id`, id)
		if err != nil {
			return db.Classify(err)
		}
		groups, err := pgx.CollectRows(rows, pgx.RowToStructByPos[SpecializationGroupDependent])
		if err != nil {
			return db.Classify(err)
		}
		result.SpecializationGroupDependents = append(result.SpecializationGroupDependents, groups...)

		if !result.Ok() {
			return nil
		}
		tag, err := q.Exec(ctx, `DELETE FROM app.sqlset WHERE id = $1`, id)
		if err != nil {
			return db.Classify(err)
		}
		if tag.RowsAffected() == 0 {
			return db.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func conceptDependents(ctx context.Context, q db.Querier, where string, args ...any) ([]ConceptDependent, error) {
	rows, err := q.Query(ctx, `
		SELECT c.id, COALESCE(c.universal_id, ''), c.ui_display_name
		FROM app.concept c `+where+`
		ORDER BY c.ui_display_name`, args...)
	if err != nil {
		return nil, db.Classify(err)
	}
	deps, err := pgx.CollectRows(rows, pgx.RowToStructByPos[ConceptDependent])
	if err != nil {
		return nil, db.Classify(err)
	}
	if deps == nil {
		deps = []ConceptDependent{}
	}
	return deps, nil
}

// -- Specialization Repository --

type specRepoPG struct {
	pool *pgxpool.Pool
}

func NewSpecializationRepo(pool *pgxpool.Pool) SpecializationRepository {
	return &specRepoPG{pool: pool}
}

func (r *specRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *specRepoPG) ListGroups(ctx context.Context) ([]compiler.SpecializationGroup, error) {
	return r.groups(ctx, ``)
}

func (r *specRepoPG) GetGroup(ctx context.Context, id int) (*compiler.SpecializationGroup, error) {
	groups, err := r.groups(ctx, `WHERE g.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, db.ErrNotFound
	}
	return &groups[0], nil
}

// groups loads groups with their specializations in one pass, ordered so
// that a group's rows are adjacent.
func (r *specRepoPG) groups(ctx context.Context, where string, args ...any) ([]compiler.SpecializationGroup, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT g.id, g.sqlset_id, g.ui_default_text,
		       s.id, COALESCE(s.universal_id, ''), s.ui_display_text, s.sql_set_where, s.order_id
		FROM app.specialization_group g
		LEFT JOIN app.specialization s ON s.specialization_group_id = g.id
		`+where+`
		ORDER BY g.id, s.order_id, s.ui_display_text`, args...)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	var out []compiler.SpecializationGroup
	for rows.Next() {
		var g compiler.SpecializationGroup
		var (
			sid                 *uuid.UUID
			suid, stext, swhere *string
			sorder              *int
		)
		if err := rows.Scan(&g.ID, &g.SQLSetID, &g.UIDefaultText, &sid, &suid, &stext, &swhere, &sorder); err != nil {
			return nil, db.Classify(err)
		}
		if n := len(out); n == 0 || out[n-1].ID != g.ID {
			g.Specializations = []compiler.Specialization{}
			out = append(out, g)
		}
		if sid == nil {
			continue
		}
		last := &out[len(out)-1]
		last.Specializations = append(last.Specializations, compiler.Specialization{
			ID:                    *sid,
			SpecializationGroupID: g.ID,
			UniversalID:           *suid,
			UIDisplayText:         *stext,
			SQLSetWhere:           *swhere,
			OrderID:               *sorder,
		})
	}
	return out, db.Classify(rows.Err())
}

func (r *specRepoPG) CreateGroup(ctx context.Context, g *compiler.SpecializationGroup) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO app.specialization_group (sqlset_id, ui_default_text)
			VALUES ($1, $2) RETURNING id`,
			g.SQLSetID, g.UIDefaultText,
		).Scan(&g.ID)
		if err != nil {
			return db.Classify(err)
		}
		for i := range g.Specializations {
			g.Specializations[i].SpecializationGroupID = g.ID
			if err := r.Create(ctx, &g.Specializations[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *specRepoPG) UpdateGroup(ctx context.Context, g *compiler.SpecializationGroup) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE app.specialization_group SET sqlset_id = $2, ui_default_text = $3, updated = NOW()
		WHERE id = $1`, g.ID, g.SQLSetID, g.UIDefaultText)
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (r *specRepoPG) DeleteGroup(ctx context.Context, id int) (*SpecializationGroupDeleteResult, error) {
	result := &SpecializationGroupDeleteResult{}
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		deps, err := conceptDependents(ctx, q, `
			JOIN app.concept_specialization_group csg ON csg.concept_id = c.id
			WHERE csg.specialization_group_id = $1`, id)
		if err != nil {
			return err
		}
		result.ConceptDependents = deps
		if !result.Ok() {
			return nil
		}
		tag, err := q.Exec(ctx, `DELETE FROM app.specialization_group WHERE id = $1`, id)
		if err != nil {
			return db.Classify(err)
		}
		if tag.RowsAffected() == 0 {
			return db.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *specRepoPG) Create(ctx context.Context, s *compiler.Specialization) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO app.specialization (id, specialization_group_id, universal_id, ui_display_text, sql_set_where, order_id)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
		s.ID, s.SpecializationGroupID, s.UniversalID, s.UIDisplayText, s.SQLSetWhere, s.OrderID)
	if err != nil {
		return fmt.Errorf("insert specialization: %w", db.Classify(err))
	}
	return nil
}

func (r *specRepoPG) Update(ctx context.Context, s *compiler.Specialization) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE app.specialization SET
			specialization_group_id = $2, universal_id = NULLIF($3, ''),
			ui_display_text = $4, sql_set_where = $5, order_id = $6
		WHERE id = $1`,
		s.ID, s.SpecializationGroupID, s.UniversalID, s.UIDisplayText, s.SQLSetWhere, s.OrderID)
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (r *specRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM app.specialization WHERE id = $1`, id)
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}
