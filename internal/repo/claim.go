package repo

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/service0427/coupang/pkg/keywords"
)

// Filter scopes a claim to one agent and browser engine. The calendar
// day is always the database's CURRENT_DATE, the same clock CountActive
// uses, so the two never disagree around midnight.
type Filter struct {
	Agent   string
	Browser string
}

// ClaimNext atomically selects the least-executed eligible keyword for
// the filter, increments its execution counter, stamps
// last_executed_at and returns the row as committed (post-increment).
//
// The inner SELECT uses FOR UPDATE SKIP LOCKED so concurrent claimants
// never block on or duplicate each other's row: a row held by an
// in-flight claim is skipped, not waited for. Returns (nil, nil) when
// no eligible row exists.
func (r *Repository) ClaimNext(ctx context.Context, f Filter) (*keywords.Keyword, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE keywords
		SET current_executions = current_executions + 1,
			last_executed_at = NOW(),
			updated_at = NOW()
		WHERE id = (
			SELECT id
			FROM keywords
			WHERE is_active = TRUE
			  AND agent = $1
			  AND browser = $2
			  AND date = CURRENT_DATE
			  AND current_executions < max_executions
			ORDER BY current_executions ASC, last_executed_at ASC NULLS FIRST
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+keywordColumns, f.Agent, f.Browser)

	kw, err := scanKeyword(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim keyword: %w", err)
	}

	// The increment above may have consumed the last allowed execution.
	// Retire the keyword so it is never selected again.
	if kw.Exhausted() {
		if err := r.Deactivate(ctx, kw.ID); err != nil {
			slog.Error("failed to retire exhausted keyword", "keyword_id", kw.ID, "error", err)
		} else {
			slog.Info("keyword retired at execution budget",
				"keyword_id", kw.ID,
				"executions", kw.CurrentExecutions,
				"max_executions", kw.MaxExecutions)
		}
	}

	return kw, nil
}
