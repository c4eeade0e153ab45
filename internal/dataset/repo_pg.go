package dataset

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafcohort/leaf/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const queryColumns = `id, COALESCE(universal_id, ''), shape, name, category, description, sql_statement`

func (r *repoPG) GetAll(ctx context.Context) ([]Query, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+queryColumns+` FROM app.dataset_query ORDER BY category, name`)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	var out []Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, db.Classify(err)
		}
		out = append(out, *q)
	}
	return out, db.Classify(rows.Err())
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Query, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+queryColumns+` FROM app.dataset_query WHERE id = $1`, id)
	q, err := scanQuery(row)
	if err != nil {
		return nil, db.Classify(err)
	}
	return q, nil
}

func (r *repoPG) Tags(ctx context.Context, ids ...uuid.UUID) ([]Tag, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT dataset_query_id, tag FROM app.dataset_query_tag
		WHERE COALESCE(cardinality($1::uuid[]), 0) = 0 OR dataset_query_id = ANY($1)
		ORDER BY tag`, ids)
	if err != nil {
		return nil, db.Classify(err)
	}
	tags, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Tag])
	if err != nil {
		return nil, db.Classify(err)
	}
	return tags, nil
}

func scanQuery(row pgx.Row) (*Query, error) {
	var q Query
	var shape int
	if err := row.Scan(&q.ID, &q.UniversalID, &shape, &q.Name, &q.Category, &q.Description, &q.SQLStatement); err != nil {
		return nil, err
	}
	q.Shape = Shape(shape)
	return &q, nil
}
