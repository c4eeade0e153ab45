package cohort

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafcohort/leaf/internal/platform/db"
)

type queryStorePG struct {
	pool *pgxpool.Pool
}

func NewQueryStore(pool *pgxpool.Pool) QueryStore {
	return &queryStorePG{pool: pool}
}

func (r *queryStorePG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *queryStorePG) Save(ctx context.Context, q *SavedQuery, patients []string, exportLimit int) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO app.query (id, client_id, owner, pepper, definition, patient_count, cached)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
			RETURNING created`,
			q.ID, q.ClientID, q.Owner, q.Pepper, q.Definition, q.PatientCount, q.Cached,
		).Scan(&q.Created)
		if err != nil {
			return fmt.Errorf("insert query: %w", err)
		}
		if !q.Cached || len(patients) == 0 {
			return nil
		}

		tx := db.TxFromContext(ctx)
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"app", "cohort"},
			[]string{"query_id", "person_id", "exported"},
			pgx.CopyFromSlice(len(patients), func(i int) ([]any, error) {
				return []any{q.ID, patients[i], i < exportLimit}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("cache cohort: %w", err)
		}
		return nil
	})
}

func (r *queryStorePG) Get(ctx context.Context, id uuid.UUID) (*SavedQuery, error) {
	var q SavedQuery
	var clientID *string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, client_id, owner, pepper, definition, patient_count, cached, created
		FROM app.query WHERE id = $1`, id,
	).Scan(&q.ID, &clientID, &q.Owner, &q.Pepper, &q.Definition, &q.PatientCount, &q.Cached, &q.Created)
	if err != nil {
		return nil, db.Classify(err)
	}
	if clientID != nil {
		q.ClientID = *clientID
	}
	return &q, nil
}

func (r *queryStorePG) GetPatients(ctx context.Context, id uuid.UUID, exportedOnly bool) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT person_id FROM app.cohort
		WHERE query_id = $1 AND (exported OR NOT $2)
		ORDER BY person_id`, id, exportedOnly)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		ids = append(ids, pid)
	}
	return ids, rows.Err()
}
