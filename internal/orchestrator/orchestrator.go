package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/service0427/coupang/internal/proxy"
	"github.com/service0427/coupang/internal/repo"
	"github.com/service0427/coupang/internal/workflow"
	"github.com/service0427/coupang/pkg/keywords"
)

// Cycle outcomes. Exhaustion is a first-class outcome, not an error:
// all workers reporting no_task is the orchestrator's clean
// termination signal, while all workers failing is not.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeNoTask  = "no_task"
)

// Config holds the orchestrator configuration. Values are plain data
// constructed once at process start; the orchestrator reads no
// ambient environment.
type Config struct {
	Agent    string
	Browsers []string

	MaxRounds       int  // 0 = unbounded
	SinglePass      bool // run exactly one round
	InterRoundDelay time.Duration

	// WorkflowTimeout bounds each cycle's workflow call from the
	// orchestrator side, independent of the collaborator's own
	// timeouts. Zero disables the bound.
	WorkflowTimeout time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Browsers:        []string{"chrome", "firefox", "webkit"},
		InterRoundDelay: 5 * time.Second,
	}
}

// KeywordSource is the repository surface the orchestrator consumes.
// *repo.Repository satisfies it.
type KeywordSource interface {
	ClaimNext(ctx context.Context, f repo.Filter) (*keywords.Keyword, error)
	CountActive(ctx context.Context, agent string) (int, error)
	RecordResult(ctx context.Context, keywordID int64, success bool, errMsg string)
	SaveExecutionLog(ctx context.Context, entry *keywords.ExecutionLog) error
}

// ProxyProvider hands out egress identities. *proxy.Pool satisfies it.
type ProxyProvider interface {
	GetProxy(ctx context.Context, mode string) (*proxy.Selection, error)
	ReportUse(proxyID string, success bool)
}

// Cooldown throttles IP toggles. *proxy.CooldownTracker satisfies it.
type Cooldown interface {
	TryToggle(ctx context.Context, endpointKey string) proxy.ToggleResult
}

// EventPublisher mirrors execution log entries to an event stream.
type EventPublisher interface {
	Publish(ctx context.Context, entry *keywords.ExecutionLog)
}

// CycleResult is one worker's outcome within a round.
type CycleResult struct {
	Browser   string
	Outcome   string
	KeywordID int64
	Phrase    string
	Duration  time.Duration
	Err       string
}

// Orchestrator drives N concurrent claim-execute-report cycles per
// round, one per browser engine, against the shared keyword queue.
// It holds no locks of its own: workers never share a keyword, and
// cross-process exclusion is entirely the claim primitive's job.
type Orchestrator struct {
	config    Config
	source    KeywordSource
	pool      ProxyProvider
	cooldown  Cooldown
	wf        workflow.Workflow
	publisher EventPublisher // optional
	metrics   *Metrics
	roundLog  *RoundLog
}

// New creates an orchestrator. publisher may be nil.
func New(config Config, source KeywordSource, pool ProxyProvider, cooldown Cooldown,
	wf workflow.Workflow, publisher EventPublisher, metrics *Metrics) *Orchestrator {
	if len(config.Browsers) == 0 {
		config.Browsers = DefaultConfig().Browsers
	}
	if config.InterRoundDelay <= 0 {
		config.InterRoundDelay = DefaultConfig().InterRoundDelay
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Orchestrator{
		config:    config,
		source:    source,
		pool:      pool,
		cooldown:  cooldown,
		wf:        wf,
		publisher: publisher,
		metrics:   metrics,
		roundLog:  NewRoundLog(1000),
	}
}

// RoundLog exposes the event stream for the status API.
func (o *Orchestrator) RoundLog() *RoundLog {
	return o.roundLog
}

// Run executes rounds until a termination condition is met or the
// context is cancelled. Round N+1 never starts dispatching before
// every cycle of round N has resolved.
func (o *Orchestrator) Run(ctx context.Context) error {
	slog.Info("orchestrator started",
		"agent", o.config.Agent,
		"browsers", o.config.Browsers,
		"max_rounds", o.config.MaxRounds,
		"single_pass", o.config.SinglePass)

	for round := 1; ; round++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		active, err := o.source.CountActive(ctx, o.config.Agent)
		if err != nil {
			// Transient backend error: the round still runs; claims
			// decide per-browser whether work exists.
			slog.Error("failed to count active keywords", "error", err)
		} else {
			o.metrics.keywordsActive.Set(float64(active))
			if active == 0 {
				o.roundLog.Append(RoundEvent{Round: round, Message: "no active keywords, terminating"})
				slog.Info("no active keywords remain", "agent", o.config.Agent)
				return nil
			}
		}

		o.roundLog.Append(RoundEvent{Round: round, Message: fmt.Sprintf("round %d started", round)})
		slog.Info("round started", "round", round, "active_keywords", active)

		results := o.runRound(ctx, round)
		o.metrics.roundsTotal.Inc()

		allNoTask := true
		for _, r := range results {
			o.metrics.cyclesTotal.WithLabelValues(r.Browser, r.Outcome).Inc()
			o.roundLog.Append(RoundEvent{
				Round:     round,
				Browser:   r.Browser,
				Outcome:   r.Outcome,
				KeywordID: r.KeywordID,
				Message:   roundEventMessage(r),
			})
			if r.Outcome != OutcomeNoTask {
				allNoTask = false
			}
		}
		slog.Info("round finished", "round", round, "results", summarize(results))

		switch {
		case allNoTask:
			slog.Info("all workers reported no task, terminating", "round", round)
			return nil
		case o.config.SinglePass:
			slog.Info("single pass complete, terminating")
			return nil
		case o.config.MaxRounds > 0 && round >= o.config.MaxRounds:
			slog.Info("max round count reached, terminating", "max_rounds", o.config.MaxRounds)
			return nil
		}

		// Fixed pause between rounds; deliberately not a backoff.
		select {
		case <-time.After(o.config.InterRoundDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runRound fans out one cycle per browser engine and joins them all.
// A slow or failed worker never aborts its siblings, but the round
// does not advance until every cycle has resolved.
func (o *Orchestrator) runRound(ctx context.Context, round int) []CycleResult {
	results := make([]CycleResult, len(o.config.Browsers))

	var wg sync.WaitGroup
	for i, browser := range o.config.Browsers {
		wg.Add(1)
		go func(idx int, browser string) {
			defer wg.Done()
			results[idx] = o.runCycle(ctx, round, browser)
		}(i, browser)
	}
	wg.Wait()

	return results
}

// runCycle is one claim-execute-report cycle for a browser engine.
func (o *Orchestrator) runCycle(ctx context.Context, round int, browser string) CycleResult {
	start := time.Now()
	res := CycleResult{Browser: browser}

	claimStart := time.Now()
	kw, err := o.source.ClaimNext(ctx, repo.Filter{
		Agent:   o.config.Agent,
		Browser: browser,
	})
	o.metrics.claimDuration.Observe(time.Since(claimStart).Seconds())

	if err != nil {
		// Backend errors surface as no_task for round evaluation but
		// keep their own log line, distinct from genuine exhaustion.
		slog.Error("claim failed", "browser", browser, "round", round, "error", err)
		res.Outcome = OutcomeNoTask
		res.Err = err.Error()
		return res
	}
	if kw == nil {
		slog.Info("no keyword available", "browser", browser, "round", round)
		res.Outcome = OutcomeNoTask
		return res
	}

	res.KeywordID = kw.ID
	res.Phrase = kw.SearchPhrase()
	slog.Info("keyword claimed",
		"browser", browser,
		"keyword_id", kw.ID,
		"phrase", res.Phrase,
		"progress", fmt.Sprintf("%d/%d", kw.CurrentExecutions, kw.MaxExecutions))

	sel := o.selectProxy(ctx, browser, kw)
	if sel != nil && kw.IPChange {
		o.rotateIP(ctx, browser, sel)
	}

	o.metrics.workersBusy.Inc()
	result, wfErr := o.execute(ctx, kw, sel)
	o.metrics.workersBusy.Dec()

	duration := time.Since(start)
	res.Duration = duration
	o.metrics.workflowDuration.WithLabelValues(browser).Observe(duration.Seconds())

	success := wfErr == nil && result.Success
	if wfErr != nil {
		result.ErrorMessage = wfErr.Error()
		res.Err = wfErr.Error()
	}

	o.report(ctx, kw, sel, result, success, duration)

	if success {
		res.Outcome = OutcomeSuccess
	} else {
		res.Outcome = OutcomeFailed
		if res.Err == "" {
			res.Err = result.ErrorMessage
		}
	}
	return res
}

// selectProxy resolves the keyword's egress policy. Keywords that
// forbid duplicate IPs rotate sequentially even without an explicit
// proxy mode; that choice is made here, never inside GetProxy.
func (o *Orchestrator) selectProxy(ctx context.Context, browser string, kw *keywords.Keyword) *proxy.Selection {
	mode := kw.ProxyMode
	if mode == "" && !kw.AllowDuplicateIP {
		mode = proxy.ModeSequential
	}
	if mode == "" || o.pool == nil {
		return nil
	}

	sel, err := o.pool.GetProxy(ctx, mode)
	if err != nil {
		slog.Error("proxy selection failed, running direct",
			"browser", browser, "keyword_id", kw.ID, "mode", mode, "error", err)
		return nil
	}
	return sel
}

// rotateIP asks the cooldown tracker for an IP toggle before launch.
// A rejection is expected behavior: the keyword runs on the current
// IP and a later round may toggle again.
func (o *Orchestrator) rotateIP(ctx context.Context, browser string, sel *proxy.Selection) {
	if o.cooldown == nil {
		return
	}
	key := proxy.PortKey(sel.Server)
	if key == "" {
		slog.Warn("proxy server has no port key, skipping ip toggle", "server", sel.Server)
		return
	}

	result := o.cooldown.TryToggle(ctx, key)
	if !result.Success {
		o.metrics.cooldownRejections.Inc()
		slog.Info("ip toggle skipped",
			"browser", browser,
			"endpoint", key,
			"reason", result.Error,
			"remaining_seconds", result.RemainingSeconds)
	}
}

// execute runs the workflow with the optional orchestrator-level
// timeout and converts panics into errors so a broken collaborator
// cannot take down the round.
func (o *Orchestrator) execute(ctx context.Context, kw *keywords.Keyword, sel *proxy.Selection) (result workflow.Result, err error) {
	if o.config.WorkflowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.WorkflowTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panic: %v", r)
		}
	}()

	return o.wf.Run(ctx, kw, sel)
}

// report writes the attempt outcome through the repository counters
// and the execution log sink. Sink failures are logged and swallowed:
// a lost write never fails the cycle.
func (o *Orchestrator) report(ctx context.Context, kw *keywords.Keyword, sel *proxy.Selection,
	result workflow.Result, success bool, duration time.Duration) {

	o.source.RecordResult(ctx, kw.ID, success, result.ErrorMessage)

	proxyUsed := "direct"
	if sel != nil {
		proxyUsed = sel.Server
		if o.pool != nil {
			o.pool.ReportUse(sel.ID, success)
		}
	}

	entry := &keywords.ExecutionLog{
		KeywordID:     kw.ID,
		Agent:         kw.Agent,
		Success:       success,
		ProductFound:  result.ProductFound,
		ProductRank:   result.ProductRank,
		URLRank:       result.URLRank,
		PagesSearched: result.PagesSearched,
		CartClicked:   result.CartClicked,
		DurationMs:    duration.Milliseconds(),
		Browser:       kw.Browser,
		ProxyUsed:     proxyUsed,
	}
	if result.ErrorMessage != "" {
		msg := result.ErrorMessage
		entry.ErrorMessage = &msg
	}
	if result.ActualIP != "" {
		ip := result.ActualIP
		entry.ActualIP = &ip
	}
	if result.FinalURL != "" {
		u := result.FinalURL
		entry.FinalURL = &u
	}

	if err := o.source.SaveExecutionLog(ctx, entry); err != nil {
		slog.Error("failed to save execution log", "keyword_id", kw.ID, "error", err)
	}
	if o.publisher != nil {
		o.publisher.Publish(ctx, entry)
	}
}

func roundEventMessage(r CycleResult) string {
	switch r.Outcome {
	case OutcomeSuccess:
		return fmt.Sprintf("%s: success %q", r.Browser, r.Phrase)
	case OutcomeNoTask:
		return fmt.Sprintf("%s: no keyword", r.Browser)
	default:
		return fmt.Sprintf("%s: failed %s", r.Browser, r.Err)
	}
}

func summarize(results []CycleResult) string {
	var success, failed, noTask int
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSuccess:
			success++
		case OutcomeFailed:
			failed++
		case OutcomeNoTask:
			noTask++
		}
	}
	return fmt.Sprintf("success=%d failed=%d no_task=%d", success, failed, noTask)
}
