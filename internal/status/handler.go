package status

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/service0427/coupang/internal/orchestrator"
	"github.com/service0427/coupang/internal/registry"
	"github.com/service0427/coupang/internal/repo"
)

// Handler serves the read-only status API for a running runner.
type Handler struct {
	repo     *repo.Repository
	registry *registry.Store
	roundLog *orchestrator.RoundLog
	agent    string
	version  string
}

// NewHandler creates a status handler. roundLog may be nil when the
// handler serves a process without an orchestrator.
func NewHandler(r *repo.Repository, reg *registry.Store, roundLog *orchestrator.RoundLog, agent, version string) *Handler {
	return &Handler{
		repo:     r,
		registry: reg,
		roundLog: roundLog,
		agent:    agent,
		version:  version,
	}
}

// RegisterRoutes registers the status routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/api/stats", h.HandleStats)
	mux.HandleFunc("/api/keywords", h.HandleKeywords)
	mux.HandleFunc("/api/logs", h.HandleLogs)
	mux.HandleFunc("/api/runners", h.HandleRunners)
	mux.HandleFunc("/api/events", h.HandleEvents)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode status response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HandleHealth reports process liveness and database reachability.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"agent":   h.agent,
		"version": h.version,
	})
}

// HandleStats serves aggregate counters grouped by agent. The agent
// query parameter narrows to one agent; default is all agents.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.Stats(r.Context(), r.URL.Query().Get("agent"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleKeywords lists active keywords. Filters: agent, browser,
// date (YYYY-MM-DD), all_dates=true, proxy_only=true.
func (h *Handler) HandleKeywords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repo.ListFilter{
		Agent:      q.Get("agent"),
		Browser:    q.Get("browser"),
		ProxyOnly:  q.Get("proxy_only") == "true",
		IgnoreDate: q.Get("all_dates") == "true",
	}
	if f.Agent == "" {
		f.Agent = h.agent
	}
	if d := q.Get("date"); d != "" {
		date, err := time.Parse("2006-01-02", d)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid date %q: %w", d, err))
			return
		}
		f.Date = date
	}

	kws, err := h.repo.ListActive(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, kws)
}

// HandleLogs serves the newest attempt records for one keyword.
func (h *Handler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	keywordID, err := strconv.ParseInt(r.URL.Query().Get("keyword_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("keyword_id is required"))
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	logs, err := h.repo.RecentLogs(r.Context(), keywordID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// HandleRunners lists runners with a recent heartbeat.
func (h *Handler) HandleRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := h.registry.ActiveRunners(r.Context(), 90*time.Second)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runners)
}

// HandleEvents streams round events over SSE: history first, then
// live events as rounds progress.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.roundLog == nil {
		http.Error(w, "event stream not available", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ch, history, cleanup := h.roundLog.Subscribe()
	defer cleanup()

	for _, ev := range history {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev orchestrator.RoundEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
