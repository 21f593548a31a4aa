package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// DefaultCooldown is the minimum interval between successful IP
// toggles on the same endpoint.
const DefaultCooldown = 15 * time.Second

// Toggler performs the external IP-rotation call for an endpoint key.
// The call itself (HTTP semantics, auth) is a collaborator concern.
type Toggler interface {
	ToggleEndpoint(ctx context.Context, endpointKey string) error
}

// ToggleResult reports the outcome of a toggle attempt. A cooldown
// rejection is not an error: Success is false, Message explains, and
// RemainingSeconds tells the caller when to try again.
type ToggleResult struct {
	Success          bool   `json:"success"`
	Message          string `json:"message,omitempty"`
	Error            string `json:"error,omitempty"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
}

// CooldownTracker throttles IP-toggle requests per endpoint key. A
// request inside the cooldown window fails fast with the remaining
// wait time; it never blocks, sleeps or retries internally.
type CooldownTracker struct {
	toggler  Toggler
	cooldown time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastToggle map[string]time.Time
	inFlight   map[string]bool
}

// NewCooldownTracker creates a tracker. A non-positive cooldown falls
// back to DefaultCooldown.
func NewCooldownTracker(toggler Toggler, cooldown time.Duration) *CooldownTracker {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &CooldownTracker{
		toggler:    toggler,
		cooldown:   cooldown,
		now:        time.Now,
		lastToggle: make(map[string]time.Time),
		inFlight:   make(map[string]bool),
	}
}

// TryToggle attempts one IP rotation for the endpoint key.
//
// Only a successful external toggle starts the cooldown window; a
// failed attempt charges nothing and the key stays idle.
func (t *CooldownTracker) TryToggle(ctx context.Context, endpointKey string) ToggleResult {
	if endpointKey == "" {
		return ToggleResult{Success: false, Error: "empty endpoint key"}
	}

	t.mu.Lock()
	now := t.now()
	if last, ok := t.lastToggle[endpointKey]; ok {
		elapsed := now.Sub(last)
		if elapsed < t.cooldown {
			remaining := int(math.Ceil((t.cooldown - elapsed).Seconds()))
			if remaining < 0 {
				remaining = 0
			}
			t.mu.Unlock()

			slog.Debug("ip toggle rejected by cooldown",
				"endpoint", endpointKey, "remaining_seconds", remaining)
			return ToggleResult{
				Success:          false,
				Error:            fmt.Sprintf("toggle for endpoint %s still cooling down", endpointKey),
				RemainingSeconds: remaining,
			}
		}
	}
	if t.inFlight[endpointKey] {
		t.mu.Unlock()
		return ToggleResult{
			Success: false,
			Error:   fmt.Sprintf("toggle for endpoint %s already in progress", endpointKey),
		}
	}
	t.inFlight[endpointKey] = true
	t.mu.Unlock()

	err := t.toggler.ToggleEndpoint(ctx, endpointKey)

	t.mu.Lock()
	delete(t.inFlight, endpointKey)
	if err == nil {
		t.lastToggle[endpointKey] = t.now()
	}
	t.mu.Unlock()

	if err != nil {
		slog.Warn("ip toggle failed", "endpoint", endpointKey, "error", err)
		return ToggleResult{Success: false, Error: err.Error()}
	}

	slog.Info("ip toggled", "endpoint", endpointKey)
	return ToggleResult{Success: true, Message: "ip toggled for endpoint " + endpointKey}
}

// RemainingWait returns the seconds left in the cooldown window for an
// endpoint key, or zero when the key is idle.
func (t *CooldownTracker) RemainingWait(endpointKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.lastToggle[endpointKey]
	if !ok {
		return 0
	}
	elapsed := t.now().Sub(last)
	if elapsed >= t.cooldown {
		return 0
	}
	return int(math.Ceil((t.cooldown - elapsed).Seconds()))
}

// PortKey extracts the terminal port digits from a proxy server
// address; cooldown state is keyed by them. Returns an empty string
// when the address carries no port.
func PortKey(server string) string {
	s := server
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	i := strings.LastIndex(s, ":")
	if i < 0 || i == len(s)-1 {
		return ""
	}
	port := s[i+1:]
	for _, r := range port {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return port
}
