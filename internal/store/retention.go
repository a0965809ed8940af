package store

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// RetentionPolicy maps a collection to the age after which its documents are
// deleted. Collections absent from the policy, or with a zero age, are kept.
type RetentionPolicy map[string]time.Duration

// RunRetention deletes documents older than their collection's retention age
// and returns how many were removed per collection.
func (s *Store) RunRetention(ctx context.Context, policy RetentionPolicy) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	collections := make([]string, 0, len(policy))
	for c, age := range policy {
		if age > 0 {
			collections = append(collections, c)
		}
	}
	sort.Strings(collections)

	now := s.now()
	removed := make(map[string]int64, len(collections))
	for _, c := range collections {
		cutoff := now.Add(-policy[c]).UnixMilli()
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM documents WHERE collection = ? AND created_at < ?",
			c, cutoff,
		)
		if err != nil {
			return removed, fmt.Errorf("failed to delete old %s documents: %w", c, err)
		}
		n, _ := res.RowsAffected()
		removed[c] = n
		if n > 0 {
			s.logger.Info().Str("collection", c).Int64("removed", n).Msg("retention sweep")
		}
	}

	return removed, nil
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}

	err = s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageCount * pageSize, nil
}
