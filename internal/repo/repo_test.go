package repo

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"

	_ "github.com/lib/pq"

	"github.com/service0427/coupang/pkg/keywords"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	migrationSQL, err := os.ReadFile("../../migrations/001_initial_schema.sql")
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Exec("DROP TABLE IF EXISTS execution_logs CASCADE")
		db.Exec("DROP TABLE IF EXISTS keywords CASCADE")
		db.Exec("DROP TABLE IF EXISTS runners CASCADE")
		db.Close()
	}
	return db, cleanup
}

func insertKeyword(t *testing.T, db *sql.DB, agent, browser, keyword string, maxExec int) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(`
		INSERT INTO keywords (agent, browser, keyword, product_code, max_executions)
		VALUES ($1, $2, $3, '1234567', $4)
		RETURNING id
	`, agent, browser, keyword, maxExec).Scan(&id)
	if err != nil {
		t.Fatalf("Failed to insert keyword: %v", err)
	}
	return id
}

// TestClaimIncrementsAndStamps verifies a claim returns the
// post-increment row with last_executed_at set.
func TestClaimIncrementsAndStamps(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	repo := New(db)
	ctx := context.Background()

	id := insertKeyword(t, db, "agent1", "chrome", "wireless mouse", 10)

	kw, err := repo.ClaimNext(ctx, Filter{Agent: "agent1", Browser: "chrome"})
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if kw == nil || kw.ID != id {
		t.Fatalf("ClaimNext returned %v, expected keyword %d", kw, id)
	}
	if kw.CurrentExecutions != 1 {
		t.Errorf("CurrentExecutions = %d, expected 1 (post-increment)", kw.CurrentExecutions)
	}
	if kw.LastExecutedAt == nil {
		t.Error("LastExecutedAt not stamped by claim")
	}
}

// TestClaimExclusivity verifies concurrent claimants never receive the
// same keyword.
func TestClaimExclusivity(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	repo := New(db)
	ctx := context.Background()

	const n = 8
	for i := 0; i < n; i++ {
		insertKeyword(t, db, "agent1", "chrome", fmt.Sprintf("kw-%d", i), 1)
	}

	var wg sync.WaitGroup
	claimed := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kw, err := repo.ClaimNext(ctx, Filter{Agent: "agent1", Browser: "chrome"})
			if err != nil {
				t.Errorf("ClaimNext failed: %v", err)
				return
			}
			if kw != nil {
				claimed <- kw.ID
			}
		}()
	}
	wg.Wait()
	close(claimed)

	seen := map[int64]bool{}
	for id := range claimed {
		if seen[id] {
			t.Fatalf("Keyword %d claimed twice", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("Claimed %d distinct keywords, expected %d", len(seen), n)
	}
}

// TestClaimFairness verifies the least-executed keyword is always
// picked first, spreading work evenly.
func TestClaimFairness(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	repo := New(db)
	ctx := context.Background()

	a := insertKeyword(t, db, "agent1", "chrome", "alpha", 10)
	b := insertKeyword(t, db, "agent1", "chrome", "beta", 10)

	counts := map[int64]int{}
	for i := 0; i < 6; i++ {
		kw, err := repo.ClaimNext(ctx, Filter{Agent: "agent1", Browser: "chrome"})
		if err != nil {
			t.Fatalf("ClaimNext failed: %v", err)
		}
		if kw == nil {
			t.Fatal("ClaimNext returned nil with budget remaining")
		}
		counts[kw.ID]++
	}

	if counts[a] != 3 || counts[b] != 3 {
		t.Errorf("Execution spread %v, expected 3 each for %d and %d", counts, a, b)
	}
}

// TestClaimRetiresExhausted verifies the claim consuming the last
// allowed execution deactivates the keyword.
func TestClaimRetiresExhausted(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	repo := New(db)
	ctx := context.Background()

	id := insertKeyword(t, db, "agent1", "chrome", "wireless mouse", 2)

	for i := 0; i < 2; i++ {
		kw, err := repo.ClaimNext(ctx, Filter{Agent: "agent1", Browser: "chrome"})
		if err != nil {
			t.Fatalf("ClaimNext failed: %v", err)
		}
		if kw == nil {
			t.Fatalf("ClaimNext returned nil on attempt %d", i+1)
		}
	}

	var active bool
	if err := db.QueryRow("SELECT is_active FROM keywords WHERE id = $1", id).Scan(&active); err != nil {
		t.Fatal(err)
	}
	if active {
		t.Error("Keyword still active after exhausting its budget")
	}

	kw, err := repo.ClaimNext(ctx, Filter{Agent: "agent1", Browser: "chrome"})
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if kw != nil {
		t.Errorf("Exhausted keyword %d claimed again", kw.ID)
	}
}

// TestClaimScopedByFilter verifies claims never cross agent or browser
// boundaries.
func TestClaimScopedByFilter(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	repo := New(db)
	ctx := context.Background()

	insertKeyword(t, db, "agent1", "chrome", "wireless mouse", 10)

	kw, err := repo.ClaimNext(ctx, Filter{Agent: "agent2", Browser: "chrome"})
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if kw != nil {
		t.Errorf("Claim crossed agent boundary: %+v", kw)
	}

	kw, err = repo.ClaimNext(ctx, Filter{Agent: "agent1", Browser: "firefox"})
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if kw != nil {
		t.Errorf("Claim crossed browser boundary: %+v", kw)
	}
}

// TestClaimScopedToCurrentDate verifies eligibility follows the
// database's calendar day, so a claim and CountActive agree on what
// "today" means.
func TestClaimScopedToCurrentDate(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	repo := New(db)
	ctx := context.Background()

	id := insertKeyword(t, db, "agent1", "chrome", "wireless mouse", 10)
	if _, err := db.Exec("UPDATE keywords SET date = CURRENT_DATE + 1 WHERE id = $1", id); err != nil {
		t.Fatal(err)
	}

	kw, err := repo.ClaimNext(ctx, Filter{Agent: "agent1", Browser: "chrome"})
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if kw != nil {
		t.Errorf("Claimed keyword %d scheduled for tomorrow", kw.ID)
	}

	if _, err := db.Exec("UPDATE keywords SET date = CURRENT_DATE WHERE id = $1", id); err != nil {
		t.Fatal(err)
	}
	kw, err = repo.ClaimNext(ctx, Filter{Agent: "agent1", Browser: "chrome"})
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if kw == nil || kw.ID != id {
		t.Errorf("Today's keyword not claimable: %v", kw)
	}
}

// TestClaimPrefersNeverExecuted verifies the tiebreak at equal
// execution counts: a keyword never executed (null last_executed_at)
// wins over one with a timestamp.
func TestClaimPrefersNeverExecuted(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	repo := New(db)
	ctx := context.Background()

	stamped := insertKeyword(t, db, "agent1", "chrome", "alpha", 10)
	fresh := insertKeyword(t, db, "agent1", "chrome", "beta", 10)
	if _, err := db.Exec("UPDATE keywords SET last_executed_at = NOW() - INTERVAL '1 hour' WHERE id = $1", stamped); err != nil {
		t.Fatal(err)
	}

	kw, err := repo.ClaimNext(ctx, Filter{Agent: "agent1", Browser: "chrome"})
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if kw == nil || kw.ID != fresh {
		t.Errorf("Claimed %v, expected never-executed keyword %d first", kw, fresh)
	}
}

// TestRecordResultCounters verifies exactly one counter moves per
// outcome.
func TestRecordResultCounters(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	repo := New(db)
	ctx := context.Background()

	id := insertKeyword(t, db, "agent1", "chrome", "wireless mouse", 10)

	repo.RecordResult(ctx, id, true, "")
	repo.RecordResult(ctx, id, true, "")
	repo.RecordResult(ctx, id, false, "timeout")

	var success, fail int
	if err := db.QueryRow("SELECT success_count, fail_count FROM keywords WHERE id = $1", id).Scan(&success, &fail); err != nil {
		t.Fatal(err)
	}
	if success != 2 || fail != 1 {
		t.Errorf("Counters = %d/%d, expected 2 successes and 1 failure", success, fail)
	}
}

// TestDeactivateIdempotent verifies repeated deactivation is harmless
// and the row survives.
func TestDeactivateIdempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	repo := New(db)
	ctx := context.Background()

	id := insertKeyword(t, db, "agent1", "chrome", "wireless mouse", 10)

	if err := repo.Deactivate(ctx, id); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	if err := repo.Deactivate(ctx, id); err != nil {
		t.Fatalf("Second deactivate failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM keywords WHERE id = $1", id).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Keyword row count = %d, expected the row to survive", count)
	}
}

// TestExecutionLogRoundTrip verifies the append-only log stores and
// returns attempt records newest first.
func TestExecutionLogRoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	repo := New(db)
	ctx := context.Background()

	id := insertKeyword(t, db, "agent1", "chrome", "wireless mouse", 10)

	rank := 7
	errMsg := "blocked page"
	entries := []*keywords.ExecutionLog{
		{KeywordID: id, Agent: "agent1", Success: true, ProductFound: true,
			ProductRank: &rank, PagesSearched: 2, DurationMs: 1800,
			Browser: "chrome", ProxyUsed: "direct"},
		{KeywordID: id, Agent: "agent1", Success: false, ErrorMessage: &errMsg,
			PagesSearched: 1, DurationMs: 900, Browser: "chrome", ProxyUsed: "direct"},
	}
	for _, e := range entries {
		if err := repo.SaveExecutionLog(ctx, e); err != nil {
			t.Fatalf("SaveExecutionLog failed: %v", err)
		}
		if e.ID == 0 || e.ExecutedAt.IsZero() {
			t.Error("SaveExecutionLog did not backfill id and executed_at")
		}
	}

	logs, err := repo.RecentLogs(ctx, id, 10)
	if err != nil {
		t.Fatalf("RecentLogs failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("RecentLogs returned %d entries, expected 2", len(logs))
	}
	if logs[0].Success {
		t.Error("RecentLogs not ordered newest first")
	}
	if logs[0].ErrorMessage == nil || *logs[0].ErrorMessage != errMsg {
		t.Errorf("Error message = %v, expected %q", logs[0].ErrorMessage, errMsg)
	}
	if logs[1].ProductRank == nil || *logs[1].ProductRank != rank {
		t.Errorf("Product rank = %v, expected %d", logs[1].ProductRank, rank)
	}
}

// TestStatsRounding verifies the per-agent success rate is a
// percentage with two decimals.
func TestStatsRounding(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	repo := New(db)
	ctx := context.Background()

	id := insertKeyword(t, db, "agent1", "chrome", "wireless mouse", 10)
	repo.RecordResult(ctx, id, true, "")
	repo.RecordResult(ctx, id, true, "")
	repo.RecordResult(ctx, id, false, "x")

	stats, err := repo.Stats(ctx, "agent1")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("Stats returned %d rows, expected 1", len(stats))
	}
	if stats[0].SuccessRate != 66.67 {
		t.Errorf("SuccessRate = %v, expected 66.67", stats[0].SuccessRate)
	}
	if stats[0].TotalSuccess != 2 || stats[0].TotalFailures != 1 {
		t.Errorf("Totals = %d/%d, expected 2/1", stats[0].TotalSuccess, stats[0].TotalFailures)
	}
}

// TestListActiveFilters verifies the listing filters and fairness
// ordering.
func TestListActiveFilters(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	repo := New(db)
	ctx := context.Background()

	a := insertKeyword(t, db, "agent1", "chrome", "alpha", 10)
	insertKeyword(t, db, "agent1", "firefox", "beta", 10)
	proxied := insertKeyword(t, db, "agent1", "chrome", "gamma", 10)
	if _, err := db.Exec("UPDATE keywords SET proxy_mode = 'sequential' WHERE id = $1", proxied); err != nil {
		t.Fatal(err)
	}

	list, err := repo.ListActive(ctx, ListFilter{Agent: "agent1", Browser: "chrome"})
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListActive returned %d keywords, expected 2", len(list))
	}

	list, err = repo.ListActive(ctx, ListFilter{Agent: "agent1", ProxyOnly: true})
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != proxied {
		t.Errorf("ProxyOnly listing = %v, expected only keyword %d", list, proxied)
	}

	// After one execution, alpha sorts after the untouched keywords.
	if err := repo.RecordStart(ctx, a); err != nil {
		t.Fatalf("RecordStart failed: %v", err)
	}
	list, err = repo.ListActive(ctx, ListFilter{Agent: "agent1"})
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(list) == 0 || list[len(list)-1].ID != a {
		t.Errorf("Executed keyword %d not sorted last: %v", a, list)
	}
}
