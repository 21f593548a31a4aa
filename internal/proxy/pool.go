package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"
)

// Selection modes. Any other mode string is treated as an exact proxy
// ID match.
const (
	ModeNone       = "none"
	ModeSequential = "sequential"
	ModeRandom     = "random"
)

// Entry is one egress identity from the pool configuration.
type Entry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Active   bool   `json:"active"`
}

// Selection is the egress identity handed to a workflow run.
type Selection struct {
	ID       string
	Name     string
	Server   string
	Username string
	Password string
}

// Pool hands out egress identities. The sequential cursor lives in an
// injected CursorStore so it survives restarts and, with the Redis
// store, stays consistent across processes.
type Pool struct {
	cursor CursorStore
	rand   *rand.Rand

	mu      sync.Mutex
	entries []Entry
	usage   map[string]*Usage
}

// Usage tracks per-proxy outcome counters for the current process.
type Usage struct {
	SuccessCount int        `json:"success_count"`
	FailCount    int        `json:"fail_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

type poolFile struct {
	Proxies []Entry `json:"proxies"`
}

// LoadPool reads the proxy configuration once at startup. Only entries
// flagged active participate in selection.
func LoadPool(path string, cursor CursorStore) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy config: %w", err)
	}

	var cfg poolFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse proxy config: %w", err)
	}

	var active []Entry
	for _, e := range cfg.Proxies {
		if e.Active {
			active = append(active, e)
		}
	}

	slog.Info("proxy pool loaded", "total", len(cfg.Proxies), "active", len(active))
	return NewPool(active, cursor), nil
}

// NewPool builds a pool from pre-filtered entries.
func NewPool(entries []Entry, cursor CursorStore) *Pool {
	return &Pool{
		cursor:  cursor,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		entries: entries,
		usage:   make(map[string]*Usage, len(entries)),
	}
}

// GetProxy resolves a mode to an egress identity.
//
// An empty or "none" mode always yields nil: absence of a mode never
// falls back to a rotation strategy, so a caller that intended a
// direct connection is never silently proxied. Sequential selection
// persists the advanced cursor before returning, so a crash after the
// return cannot replay the same proxy. An unknown explicit ID yields
// nil and logs the distinct condition instead of falling back.
func (p *Pool) GetProxy(ctx context.Context, mode string) (*Selection, error) {
	if mode == "" || mode == ModeNone {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return nil, nil
	}

	var entry *Entry
	switch mode {
	case ModeSequential:
		idx, err := p.cursor.Next(ctx, len(p.entries))
		if err != nil {
			return nil, fmt.Errorf("failed to advance proxy cursor: %w", err)
		}
		entry = &p.entries[idx]

	case ModeRandom:
		entry = &p.entries[p.rand.Intn(len(p.entries))]

	default:
		for i := range p.entries {
			if p.entries[i].ID == mode {
				entry = &p.entries[i]
				break
			}
		}
		if entry == nil {
			slog.Error("unknown proxy id", "proxy_id", mode)
			return nil, nil
		}
	}

	now := time.Now()
	u := p.usageLocked(entry.ID)
	u.LastUsedAt = &now

	slog.Debug("proxy selected", "proxy_id", entry.ID, "name", entry.Name, "server", entry.Server)
	return &Selection{
		ID:       entry.ID,
		Name:     entry.Name,
		Server:   entry.Server,
		Username: entry.Username,
		Password: entry.Password,
	}, nil
}

// ReportUse records the outcome of a workflow run through a proxy.
func (p *Pool) ReportUse(proxyID string, success bool) {
	if proxyID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	u := p.usageLocked(proxyID)
	if success {
		u.SuccessCount++
	} else {
		u.FailCount++
	}
}

// UsageSnapshot returns a copy of the per-proxy usage counters.
func (p *Pool) UsageSnapshot() map[string]Usage {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Usage, len(p.usage))
	for id, u := range p.usage {
		out[id] = *u
	}
	return out
}

// Size returns the number of active entries.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) usageLocked(id string) *Usage {
	u, ok := p.usage[id]
	if !ok {
		u = &Usage{}
		p.usage[id] = u
	}
	return u
}
