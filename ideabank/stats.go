package ideabank

import (
	"context"

	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/rotation"
)

// CategoryStats counts items per status for one category
type CategoryStats struct {
	Available int `json:"available"`
	Scheduled int `json:"scheduled"`
	Used      int `json:"used"`
}

// Stats summarizes the bank
type Stats struct {
	Total        int                      `json:"total"`
	Available    int                      `json:"available"`
	Scheduled    int                      `json:"scheduled"`
	Used         int                      `json:"used"`
	Health       string                   `json:"health"`
	ByCategory   map[string]CategoryStats `json:"by_category"`
	Categories   []string                 `json:"categories"`
	NextCategory string                   `json:"next_category"`
}

// Stats counts items by category and status and reports where the rotation stands
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	categories := s.Categories()

	stats := &Stats{
		ByCategory: make(map[string]CategoryStats, len(categories)),
		Categories: categories,
	}
	for _, c := range categories {
		stats.ByCategory[c] = CategoryStats{}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT category, status, COUNT(*) FROM work_items GROUP BY category, status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count work items")
	}
	defer rows.Close()

	for rows.Next() {
		var category string
		var status Status
		var count int
		if err := rows.Scan(&category, &status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan work item counts")
		}

		cs := stats.ByCategory[category]
		switch status {
		case StatusAvailable:
			cs.Available += count
			stats.Available += count
		case StatusScheduled:
			cs.Scheduled += count
			stats.Scheduled += count
		case StatusUsed:
			cs.Used += count
			stats.Used += count
		}
		stats.ByCategory[category] = cs
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate work item counts")
	}
	rows.Close()

	stats.Health = Health(stats.Available)

	if len(categories) > 0 {
		idx, err := rotation.Position(ctx, s.db, rotation.ShortsCategory, len(categories))
		if err != nil {
			return nil, err
		}
		stats.NextCategory = categories[idx]
	}
	return stats, nil
}

// AvailableCount returns the number of available items across all categories
func (s *Store) AvailableCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_items WHERE status = ?`, StatusAvailable).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count available work items")
	}
	return n, nil
}
