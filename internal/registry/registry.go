package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Runner represents a live runner process.
type Runner struct {
	ID       string
	Hostname string
	Agent    string
	Browsers []string
	Version  string
}

// Store handles runner registration and liveness tracking. Runners
// are advisory: they feed the status API and dead-runner cleanup, and
// play no part in keyword claiming.
type Store struct {
	db *sql.DB
}

// NewStore creates a runner store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Register inserts the runner, or refreshes it if the id already
// exists from a previous run.
func (s *Store) Register(ctx context.Context, r *Runner) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runners (id, hostname, agent, browsers, version, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE
		SET last_heartbeat = NOW(),
			agent = EXCLUDED.agent,
			browsers = EXCLUDED.browsers,
			version = EXCLUDED.version
	`, r.ID, r.Hostname, r.Agent, strings.Join(r.Browsers, ","), r.Version)

	if err != nil {
		return fmt.Errorf("failed to register runner: %w", err)
	}

	slog.Info("runner registered", "runner_id", r.ID, "hostname", r.Hostname, "agent", r.Agent)
	return nil
}

// Heartbeat updates the runner's last heartbeat timestamp.
func (s *Store) Heartbeat(ctx context.Context, runnerID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runners
		SET last_heartbeat = NOW()
		WHERE id = $1
	`, runnerID)

	if err != nil {
		return fmt.Errorf("heartbeat failed: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("runner not found: %s", runnerID)
	}

	slog.Debug("heartbeat sent", "runner_id", runnerID)
	return nil
}

// Deregister removes the runner row on clean shutdown.
func (s *Store) Deregister(ctx context.Context, runnerID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM runners WHERE id = $1
	`, runnerID)

	if err != nil {
		return fmt.Errorf("failed to deregister runner: %w", err)
	}

	slog.Info("runner deregistered", "runner_id", runnerID)
	return nil
}

// ActiveRunners returns runners with a heartbeat within the timeout.
// The timeout is passed as seconds; a time.Duration bound directly
// would reach Postgres as raw nanoseconds, not an interval.
func (s *Store) ActiveRunners(ctx context.Context, timeout time.Duration) ([]Runner, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, agent, browsers, version
		FROM runners
		WHERE last_heartbeat > NOW() - make_interval(secs => $1)
		ORDER BY started_at ASC
	`, timeout.Seconds())

	if err != nil {
		return nil, fmt.Errorf("failed to list active runners: %w", err)
	}
	defer rows.Close()

	var runners []Runner
	for rows.Next() {
		var r Runner
		var browsers string
		if err := rows.Scan(&r.ID, &r.Hostname, &r.Agent, &browsers, &r.Version); err != nil {
			return nil, fmt.Errorf("failed to scan runner: %w", err)
		}
		if browsers != "" {
			r.Browsers = strings.Split(browsers, ",")
		}
		runners = append(runners, r)
	}

	return runners, rows.Err()
}

// CleanupDeadRunners removes runners whose heartbeat is older than the
// timeout, skipping the caller's own row.
func (s *Store) CleanupDeadRunners(ctx context.Context, timeout time.Duration, selfID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM runners
		WHERE last_heartbeat < NOW() - make_interval(secs => $1)
		  AND id != $2
	`, timeout.Seconds(), selfID)

	if err != nil {
		return 0, fmt.Errorf("failed to cleanup dead runners: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		slog.Warn("cleaned up dead runners", "count", rows)
	}

	return int(rows), nil
}
