package repo

import (
	"context"
	"fmt"

	"github.com/service0427/coupang/pkg/keywords"
)

// SaveExecutionLog appends one attempt record. Entries are immutable
// once written; there is no update path.
func (r *Repository) SaveExecutionLog(ctx context.Context, entry *keywords.ExecutionLog) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO execution_logs (
			keyword_id, agent, success, product_found, product_rank, url_rank,
			pages_searched, cart_clicked, error_message, duration_ms,
			browser_used, proxy_used, actual_ip, final_url
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, executed_at
	`,
		entry.KeywordID, entry.Agent, entry.Success, entry.ProductFound,
		entry.ProductRank, entry.URLRank, entry.PagesSearched, entry.CartClicked,
		entry.ErrorMessage, entry.DurationMs, entry.Browser, entry.ProxyUsed,
		entry.ActualIP, entry.FinalURL,
	).Scan(&entry.ID, &entry.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to save execution log: %w", err)
	}
	return nil
}

// RecentLogs returns the newest attempt records for a keyword.
func (r *Repository) RecentLogs(ctx context.Context, keywordID int64, limit int) ([]keywords.ExecutionLog, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT
			id, keyword_id, agent, success, product_found, product_rank, url_rank,
			pages_searched, cart_clicked, error_message, duration_ms,
			browser_used, proxy_used, actual_ip, final_url, executed_at
		FROM execution_logs
		WHERE keyword_id = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`, keywordID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution logs: %w", err)
	}
	defer rows.Close()

	var logs []keywords.ExecutionLog
	for rows.Next() {
		var l keywords.ExecutionLog
		err := rows.Scan(
			&l.ID, &l.KeywordID, &l.Agent, &l.Success, &l.ProductFound,
			&l.ProductRank, &l.URLRank, &l.PagesSearched, &l.CartClicked,
			&l.ErrorMessage, &l.DurationMs, &l.Browser, &l.ProxyUsed,
			&l.ActualIP, &l.FinalURL, &l.ExecutedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
