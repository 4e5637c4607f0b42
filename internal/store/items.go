package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/quizforge/quizforge/internal/domain"
)

// PutItems inserts a batch of items, suppressing duplicates by content hash.
// The unique index on hash arbitrates: a second insert of the same content is
// a no-op regardless of which writer got there first, so no pre-read is
// needed and two ingesters can race safely.
func (s *PostgresStore) PutItems(ctx context.Context, items []*domain.Item) (IngestResult, error) {
	var res IngestResult
	if len(items) == 0 {
		return res, nil
	}

	batch := &pgx.Batch{}
	for _, item := range items {
		if item.ID == "" || item.Hash == "" || item.CategoryID == "" {
			return res, fmt.Errorf("item id, hash and category are required")
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = time.Now().UTC()
		}
		payload, err := json.Marshal(item.Question)
		if err != nil {
			return res, fmt.Errorf("marshal item %s: %w", item.ID, err)
		}
		batch.Queue(`
			INSERT INTO items (id, hash, category_id, payload, created_at)
			VALUES ($1, $2, $3, $4::jsonb, $5)
			ON CONFLICT (hash) DO NOTHING
		`, item.ID, item.Hash, item.CategoryID, payload, item.CreatedAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range items {
		ct, err := results.Exec()
		if err != nil {
			return res, fmt.Errorf("put items: %w", err)
		}
		if ct.RowsAffected() == 0 {
			res.Skipped++
		} else {
			res.Stored++
		}
	}

	return res, nil
}

// GetItems resolves refs to full items, preserving ref order. Every ref must
// resolve and its hash must match the stored row; a miss or a mismatch means
// the catalog and the store have diverged.
func (s *PostgresStore) GetItems(ctx context.Context, refs []domain.SetRef) ([]*domain.Item, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, hash, category_id, payload, created_at
		FROM items
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("get items: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*domain.Item, len(refs))
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		byID[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get items: %w", err)
	}

	out := make([]*domain.Item, len(refs))
	for i, r := range refs {
		item, ok := byID[r.ID]
		if !ok {
			return nil, fmt.Errorf("item %s: %w", r.ID, ErrNotFound)
		}
		if item.Hash != r.Hash {
			return nil, fmt.Errorf("item %s hash mismatch: ref %s, stored %s", r.ID, r.Hash, item.Hash)
		}
		out[i] = item
	}
	return out, nil
}

// QueryByCategory returns the category's items with id strictly greater than
// afterID, ascending bytewise. Pass afterID "" to start from the beginning
// and limit <= 0 for no cap.
func (s *PostgresStore) QueryByCategory(ctx context.Context, categoryID, afterID string, limit int) ([]*domain.Item, error) {
	q := `
		SELECT id, hash, category_id, payload, created_at
		FROM items
		WHERE category_id = $1 AND id > $2
		ORDER BY id`
	args := []any{categoryID, afterID}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query items by category: %w", err)
	}
	defer rows.Close()

	var items []*domain.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query items by category: %w", err)
	}
	return items, nil
}

// QueryByHash looks up the single item carrying a content hash.
func (s *PostgresStore) QueryByHash(ctx context.Context, hash string) (*domain.Item, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, hash, category_id, payload, created_at
		FROM items
		WHERE hash = $1
	`, hash)

	item, err := scanItem(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("item hash %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *PostgresStore) CountItemsByCategory(ctx context.Context, categoryID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM items WHERE category_id = $1
	`, categoryID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*domain.Item, error) {
	var (
		item    domain.Item
		payload []byte
	)
	if err := row.Scan(&item.ID, &item.Hash, &item.CategoryID, &payload, &item.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan item: %w", err)
	}
	if err := json.Unmarshal(payload, &item.Question); err != nil {
		return nil, fmt.Errorf("decode item %s payload: %w", item.ID, err)
	}
	return &item, nil
}
