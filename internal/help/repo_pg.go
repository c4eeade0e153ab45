package help

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafcohort/leaf/internal/platform/db"
)

type helpRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &helpRepoPG{pool: pool}
}

func (r *helpRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *helpRepoPG) Pages(ctx context.Context) ([]Page, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT p.id, p.category_id, p.title
		FROM app.help_page p
		JOIN app.help_page_category c ON c.id = p.category_id
		ORDER BY c.name, p.title`)
	if err != nil {
		return nil, db.Classify(err)
	}
	pages, err := pgx.CollectRows(rows, pgx.RowToStructByName[Page])
	return pages, db.Classify(err)
}

func (r *helpRepoPG) Categories(ctx context.Context) ([]Category, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name FROM app.help_page_category ORDER BY name`)
	if err != nil {
		return nil, db.Classify(err)
	}
	categories, err := pgx.CollectRows(rows, pgx.RowToStructByName[Category])
	return categories, db.Classify(err)
}

const contentColumns = `id, page_id, order_id, type, COALESCE(text_content, '') AS text_content,
	image_content, COALESCE(image_id, '') AS image_id`

func (r *helpRepoPG) Content(ctx context.Context, pageID uuid.UUID) ([]Content, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+contentColumns+`
		FROM app.help_page_content
		WHERE page_id = $1
		ORDER BY order_id, id`, pageID)
	if err != nil {
		return nil, db.Classify(err)
	}
	content, err := pgx.CollectRows(rows, pgx.RowToStructByName[Content])
	return content, db.Classify(err)
}

func (r *helpRepoPG) GetPage(ctx context.Context, id uuid.UUID) (*AdminPage, error) {
	p := AdminPage{ID: id}
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT p.title, c.id, c.name
		FROM app.help_page p
		JOIN app.help_page_category c ON c.id = p.category_id
		WHERE p.id = $1`, id,
	).Scan(&p.Title, &p.Category.ID, &p.Category.Name)
	if err != nil {
		return nil, db.Classify(err)
	}
	if p.Content, err = r.Content(ctx, id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *helpRepoPG) CreatePage(ctx context.Context, p *AdminPage) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if err := r.upsertCategory(ctx, &p.Category); err != nil {
			return err
		}
		_, err := r.conn(ctx).Exec(ctx,
			`INSERT INTO app.help_page (id, category_id, title) VALUES ($1, $2, $3)`,
			p.ID, p.Category.ID, p.Title)
		if err != nil {
			return db.Classify(err)
		}
		return r.insertContent(ctx, p.Content)
	})
}

func (r *helpRepoPG) UpdatePage(ctx context.Context, p *AdminPage) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if err := r.upsertCategory(ctx, &p.Category); err != nil {
			return err
		}
		q := r.conn(ctx)
		tag, err := q.Exec(ctx,
			`UPDATE app.help_page SET category_id = $2, title = $3 WHERE id = $1`,
			p.ID, p.Category.ID, p.Title)
		if err != nil {
			return db.Classify(err)
		}
		if tag.RowsAffected() == 0 {
			return db.ErrNotFound
		}
		if _, err := q.Exec(ctx, `DELETE FROM app.help_page_content WHERE page_id = $1`, p.ID); err != nil {
			return db.Classify(err)
		}
		if err := r.insertContent(ctx, p.Content); err != nil {
			return err
		}
		return r.pruneCategories(ctx)
	})
}

// DeletePage removes the page, its content, and its category when no other
// page uses it.
func (r *helpRepoPG) DeletePage(ctx context.Context, id uuid.UUID) (*uuid.UUID, error) {
	var deleted *uuid.UUID
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		var got uuid.UUID
		err := r.conn(ctx).QueryRow(ctx, `DELETE FROM app.help_page WHERE id = $1 RETURNING id`, id).Scan(&got)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return db.Classify(err)
		}
		deleted = &got
		return r.pruneCategories(ctx)
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// upsertCategory resolves c by name, creating it when missing, and sets c.ID.
func (r *helpRepoPG) upsertCategory(ctx context.Context, c *Category) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO app.help_page_category (id, name) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, uuid.New(), c.Name,
	).Scan(&c.ID)
	return db.Classify(err)
}

func (r *helpRepoPG) pruneCategories(ctx context.Context) error {
	_, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM app.help_page_category c
		WHERE NOT EXISTS (SELECT 1 FROM app.help_page p WHERE p.category_id = c.id)`)
	return db.Classify(err)
}

func (r *helpRepoPG) insertContent(ctx context.Context, content []Content) error {
	q := r.conn(ctx)
	for _, c := range content {
		_, err := q.Exec(ctx, `
			INSERT INTO app.help_page_content (id, page_id, order_id, type, text_content, image_content, image_id)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''))`,
			c.ID, c.PageID, c.OrderID, string(c.Type), c.TextContent, c.ImageContent, c.ImageID)
		if err != nil {
			return db.Classify(err)
		}
	}
	return nil
}
