package store

import (
	"context"
	"fmt"
	"hash/fnv"
)

const categoryLockSeed int64 = 0x717a5f626c645f21 // "qz_bld_!"

// categoryLockKey maps a category id into the advisory-lock keyspace.
// Advisory keys are global to the database, so the seed keeps these clear of
// any other application sharing the instance.
func categoryLockKey(categoryID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(categoryID))
	return categoryLockSeed ^ int64(h.Sum64())
}

// WithCategoryLock runs fn while holding the category's advisory lock. The
// lock is transaction-scoped and releases when the wrapping transaction
// ends, success or not. Builders and admin drains on the same category
// serialize here; different categories proceed in parallel.
func (s *PostgresStore) WithCategoryLock(ctx context.Context, categoryID string, fn func(context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin category lock tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, categoryLockKey(categoryID)); err != nil {
		return fmt.Errorf("acquire category lock %s: %w", categoryID, err)
	}

	if err := fn(ctx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit category lock tx: %w", err)
	}
	return nil
}
