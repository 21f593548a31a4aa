package workflow

import (
	"context"

	"github.com/service0427/coupang/internal/proxy"
	"github.com/service0427/coupang/pkg/keywords"
)

// Result is the fixed schema returned by the browser-automation layer.
// Optional fields are explicit nullable members, never absent keys.
type Result struct {
	Success       bool
	ProductFound  bool
	ProductRank   *int
	URLRank       *int
	PagesSearched int
	CartClicked   bool
	ErrorMessage  string
	ActualIP      string
	FinalURL      string
}

// Workflow executes one search-and-click session for a claimed
// keyword. Implementations are opaque effectful collaborators; the
// orchestrator converts any returned error (or panic) into a failed
// outcome and never lets it crash a round.
type Workflow interface {
	Run(ctx context.Context, kw *keywords.Keyword, sel *proxy.Selection) (Result, error)
}
