package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// FAQ is one entry served by the chat widget's keyword matcher.
type FAQ struct {
	ID        pgtype.UUID
	Question  string
	Answer    string
	Keywords  []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const faqColumns = `id, question, answer, keywords, created_at, updated_at`

// CreateFAQ inserts an FAQ entry.
func (s *Store) CreateFAQ(ctx context.Context, question, answer string, keywords []string) (FAQ, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO faqs (question, answer, keywords)
		VALUES ($1, $2, $3)
		RETURNING `+faqColumns,
		question, answer, keywords)
	return scanFAQ(row)
}

// UpdateFAQ replaces an entry's content.
func (s *Store) UpdateFAQ(ctx context.Context, id pgtype.UUID, question, answer string, keywords []string) (FAQ, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE faqs SET question = $2, answer = $3, keywords = $4, updated_at = now()
		WHERE id = $1
		RETURNING `+faqColumns,
		id, question, answer, keywords)
	return scanFAQ(row)
}

// DeleteFAQ removes an entry.
func (s *Store) DeleteFAQ(ctx context.Context, id pgtype.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM faqs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFAQs returns every FAQ entry; the corpus is small by design.
func (s *Store) ListFAQs(ctx context.Context) ([]FAQ, error) {
	rows, err := s.db.Query(ctx, `SELECT `+faqColumns+` FROM faqs ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var faqs []FAQ
	for rows.Next() {
		f, err := scanFAQ(rows)
		if err != nil {
			return nil, err
		}
		faqs = append(faqs, f)
	}
	return faqs, rows.Err()
}

func scanFAQ(row interface{ Scan(...any) error }) (FAQ, error) {
	var f FAQ
	err := row.Scan(&f.ID, &f.Question, &f.Answer, &f.Keywords, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return FAQ{}, notFound(err)
	}
	return f, nil
}
