package repo

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/service0427/coupang/pkg/keywords"
)

// Repository provides all keyword table operations. It is safe for
// concurrent use; cross-process mutual exclusion is handled entirely
// by the claim statement's row locking, never in memory.
type Repository struct {
	db *sql.DB
}

// New creates a repository over an open database handle.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Ping verifies database reachability for health checks.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const keywordColumns = `
	id, agent, browser, date, keyword, suffix, product_code,
	cart_click_enabled, proxy_mode, ip_change_enabled, allow_duplicate_ip,
	persistent_profile, profile_name, clear_session,
	current_executions, max_executions, success_count, fail_count,
	last_executed_at, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKeyword(row rowScanner) (*keywords.Keyword, error) {
	kw := &keywords.Keyword{}
	var suffix, proxyMode, profileName sql.NullString
	var lastExecutedAt sql.NullTime

	err := row.Scan(
		&kw.ID, &kw.Agent, &kw.Browser, &kw.Date, &kw.Keyword, &suffix, &kw.ProductCode,
		&kw.CartClick, &proxyMode, &kw.IPChange, &kw.AllowDuplicateIP,
		&kw.PersistentProfile, &profileName, &kw.ClearSession,
		&kw.CurrentExecutions, &kw.MaxExecutions, &kw.SuccessCount, &kw.FailCount,
		&lastExecutedAt, &kw.Active, &kw.CreatedAt, &kw.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Absent suffix is an empty string so that SearchPhrase composes
	// without extra whitespace.
	if suffix.Valid {
		kw.Suffix = suffix.String
	}
	if proxyMode.Valid {
		kw.ProxyMode = proxyMode.String
	}
	if profileName.Valid {
		kw.ProfileName = profileName.String
	}
	if lastExecutedAt.Valid {
		kw.LastExecutedAt = &lastExecutedAt.Time
	}

	return kw, nil
}

// ListFilter narrows ListActive. The zero value lists every active
// keyword scheduled for today.
type ListFilter struct {
	Agent      string
	Browser    string
	ProxyOnly  bool      // only keywords with a proxy mode set
	Date       time.Time // overrides today when non-zero
	IgnoreDate bool      // drop the date predicate entirely
}

// ListActive returns active keywords eligible under the filter,
// ordered by the fairness key (least executed, then longest idle).
func (r *Repository) ListActive(ctx context.Context, f ListFilter) ([]keywords.Keyword, error) {
	query := `SELECT ` + keywordColumns + ` FROM keywords WHERE is_active = TRUE AND agent = $1`
	args := []interface{}{f.Agent}

	if f.Browser != "" {
		args = append(args, f.Browser)
		query += fmt.Sprintf(" AND browser = $%d", len(args))
	}
	if f.ProxyOnly {
		query += " AND proxy_mode IS NOT NULL"
	}
	if !f.IgnoreDate {
		if f.Date.IsZero() {
			// Same day source as the claim and CountActive.
			query += " AND date = CURRENT_DATE"
		} else {
			args = append(args, f.Date.Format("2006-01-02"))
			query += fmt.Sprintf(" AND date = $%d", len(args))
		}
	}

	query += " ORDER BY current_executions ASC, last_executed_at ASC NULLS FIRST"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active keywords: %w", err)
	}
	defer rows.Close()

	var list []keywords.Keyword
	for rows.Next() {
		kw, err := scanKeyword(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan keyword: %w", err)
		}
		list = append(list, *kw)
	}
	return list, rows.Err()
}

// CountActive returns the number of active keywords for the agent
// scheduled for today.
func (r *Repository) CountActive(ctx context.Context, agent string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM keywords
		WHERE is_active = TRUE AND agent = $1 AND date = CURRENT_DATE
	`, agent).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active keywords: %w", err)
	}
	return count, nil
}

// RecordStart increments the execution counter outside the claim path.
// It exists for single-process flows that separate picking from
// locking; concurrent claimants must use ClaimNext instead. The
// keyword is retired when the increment consumes its budget.
func (r *Repository) RecordStart(ctx context.Context, keywordID int64) error {
	var current, max int
	err := r.db.QueryRowContext(ctx, `
		UPDATE keywords
		SET current_executions = current_executions + 1,
			last_executed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND is_active = TRUE
		RETURNING current_executions, max_executions
	`, keywordID).Scan(&current, &max)
	if err == sql.ErrNoRows {
		return fmt.Errorf("keyword %d not found or inactive", keywordID)
	}
	if err != nil {
		return fmt.Errorf("failed to record start: %w", err)
	}

	if current >= max {
		if err := r.Deactivate(ctx, keywordID); err != nil {
			slog.Error("failed to retire exhausted keyword", "keyword_id", keywordID, "error", err)
		}
	}
	return nil
}

// RecordResult increments exactly one of success_count or fail_count.
// A failed write is logged and swallowed: a lost counter update must
// never abort an otherwise-successful round.
func (r *Repository) RecordResult(ctx context.Context, keywordID int64, success bool, errMsg string) {
	column := "fail_count"
	if success {
		column = "success_count"
	}

	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE keywords
		SET %s = %s + 1,
			updated_at = NOW()
		WHERE id = $1
	`, column, column), keywordID)
	if err != nil {
		slog.Error("failed to record execution result",
			"keyword_id", keywordID, "success", success, "error", err)
		return
	}

	if !success && errMsg != "" {
		slog.Warn("execution failed", "keyword_id", keywordID, "error_message", errMsg)
	}
}

// Deactivate soft-disables a keyword. Idempotent; the row is never
// deleted.
func (r *Repository) Deactivate(ctx context.Context, keywordID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE keywords
		SET is_active = FALSE,
			updated_at = NOW()
		WHERE id = $1
	`, keywordID)
	if err != nil {
		return fmt.Errorf("failed to deactivate keyword %d: %w", keywordID, err)
	}
	return nil
}

// AgentStats aggregates keyword progress for one agent scope.
type AgentStats struct {
	Agent           string  `json:"agent"`
	TotalKeywords   int     `json:"total_keywords"`
	ActiveKeywords  int     `json:"active_keywords"`
	TotalExecutions int     `json:"total_executions"`
	TotalSuccess    int     `json:"total_success"`
	TotalFailures   int     `json:"total_failures"`
	SuccessRate     float64 `json:"success_rate"`
}

// Stats returns aggregate counters grouped by agent. Pass an empty
// agent for all scopes. The success rate is a percentage rounded to
// two decimals.
func (r *Repository) Stats(ctx context.Context, agent string) ([]AgentStats, error) {
	query := `
		SELECT
			agent,
			COUNT(*) AS total_keywords,
			COUNT(*) FILTER (WHERE is_active) AS active_keywords,
			COALESCE(SUM(current_executions), 0) AS total_executions,
			COALESCE(SUM(success_count), 0) AS total_success,
			COALESCE(SUM(fail_count), 0) AS total_failures,
			ROUND(
				CASE
					WHEN SUM(success_count + fail_count) > 0
					THEN (SUM(success_count)::decimal / SUM(success_count + fail_count)) * 100
					ELSE 0
				END, 2
			) AS success_rate
		FROM keywords`

	var args []interface{}
	if agent != "" {
		query += " WHERE agent = $1"
		args = append(args, agent)
	}
	query += " GROUP BY agent ORDER BY agent"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query keyword stats: %w", err)
	}
	defer rows.Close()

	var stats []AgentStats
	for rows.Next() {
		var s AgentStats
		if err := rows.Scan(&s.Agent, &s.TotalKeywords, &s.ActiveKeywords,
			&s.TotalExecutions, &s.TotalSuccess, &s.TotalFailures, &s.SuccessRate); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
