package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgSearch implements Searcher with an ILIKE scan over the quarantine table
// as a fallback when Meilisearch is not available.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

func (p *PgSearch) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const matchClause = `
		(CAST(id AS TEXT) ILIKE '%' || $1 || '%'
		 OR COALESCE(cost_center_code, '') ILIKE '%' || $1 || '%'
		 OR COALESCE(country_code, '') ILIKE '%' || $1 || '%'
		 OR COALESCE(purpose, '') ILIKE '%' || $1 || '%'
		 OR COALESCE(type, '') ILIKE '%' || $1 || '%')
		AND ($2='' OR violations ? $2)`

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM quarantine_txs WHERE `+matchClause,
		q.Text, q.FilterViolation).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search matches: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, date, status,
			COALESCE(cost_center_code, ''), COALESCE(country_code, ''),
			COALESCE(purpose, ''), COALESCE(type, '')
		FROM quarantine_txs
		WHERE `+matchClause+`
		ORDER BY date DESC, id ASC
		LIMIT $3 OFFSET $4
	`, q.Text, q.FilterViolation, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search quarantine records: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var id int64
		var item Result
		if err := rows.Scan(&id, &item.Date, &item.Status, &item.CostCenterCode, &item.CountryCode, &item.Purpose, &item.Type); err != nil {
			return nil, 0, fmt.Errorf("scan search result: %w", err)
		}
		item.CompositeKey = fmt.Sprintf("%d|%s|%s", id, item.Date, item.Status)
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search results: %w", err)
	}
	return results, total, nil
}
