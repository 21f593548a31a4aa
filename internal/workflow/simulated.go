package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/service0427/coupang/internal/proxy"
	"github.com/service0427/coupang/pkg/keywords"
)

// Simulated stands in for the browser-automation layer. It produces
// results matching the Result contract without touching a real site,
// which keeps the runner operable in offline and test environments.
type Simulated struct {
	// MinDelay/MaxDelay bound the simulated session duration.
	MinDelay time.Duration
	MaxDelay time.Duration
	// FailRate in [0,1] makes a fraction of runs report failure.
	FailRate float64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewSimulated creates a simulated workflow with sane defaults.
func NewSimulated() *Simulated {
	return &Simulated{
		MinDelay: 200 * time.Millisecond,
		MaxDelay: 1500 * time.Millisecond,
		FailRate: 0.1,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run simulates one search-and-click session. It honors context
// cancellation, so an orchestrator-level timeout bounds it.
func (s *Simulated) Run(ctx context.Context, kw *keywords.Keyword, sel *proxy.Selection) (Result, error) {
	s.mu.Lock()
	delay := s.MinDelay
	if s.MaxDelay > s.MinDelay {
		delay += time.Duration(s.rand.Int63n(int64(s.MaxDelay - s.MinDelay)))
	}
	fail := s.rand.Float64() < s.FailRate
	rank := 1 + s.rand.Intn(40)
	pages := 1 + rank/10
	s.mu.Unlock()

	slog.Debug("simulated session started",
		"keyword", kw.SearchPhrase(), "browser", kw.Browser, "delay", delay)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	if fail {
		return Result{}, fmt.Errorf("simulated session failure for %q", kw.SearchPhrase())
	}

	proxyUsed := "direct"
	if sel != nil {
		proxyUsed = sel.Server
	}
	urlRank := rank + 2

	return Result{
		Success:       true,
		ProductFound:  true,
		ProductRank:   &rank,
		URLRank:       &urlRank,
		PagesSearched: pages,
		CartClicked:   kw.CartClick,
		ActualIP:      "",
		FinalURL:      fmt.Sprintf("https://example.invalid/products/%s?via=%s", kw.ProductCode, proxyUsed),
	}, nil
}
