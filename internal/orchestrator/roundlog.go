package orchestrator

import (
	"sync"
	"time"
)

// RoundEvent is one entry in the in-memory round event stream.
type RoundEvent struct {
	Time      time.Time `json:"time"`
	Round     int       `json:"round"`
	Browser   string    `json:"browser,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	KeywordID int64     `json:"keyword_id,omitempty"`
	Message   string    `json:"message"`
}

// RoundLog keeps a bounded history of round events and broadcasts new
// ones to subscribers. The status API serves it over SSE.
type RoundLog struct {
	mu          sync.RWMutex
	buffer      []RoundEvent
	maxSize     int
	subscribers map[chan RoundEvent]struct{}
}

// NewRoundLog creates a round log keeping at most maxSize events.
func NewRoundLog(maxSize int) *RoundLog {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &RoundLog{
		buffer:      make([]RoundEvent, 0, maxSize),
		maxSize:     maxSize,
		subscribers: make(map[chan RoundEvent]struct{}),
	}
}

// Append records an event and broadcasts it.
func (l *RoundLog) Append(ev RoundEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buffer) >= l.maxSize {
		l.buffer = l.buffer[1:]
	}
	l.buffer = append(l.buffer, ev)

	for ch := range l.subscribers {
		// Non-blocking send so a slow consumer never stalls a round.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of new events, the current history and a
// cleanup function the caller must invoke when done.
func (l *RoundLog) Subscribe() (<-chan RoundEvent, []RoundEvent, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan RoundEvent, 100)
	l.subscribers[ch] = struct{}{}

	history := make([]RoundEvent, len(l.buffer))
	copy(history, l.buffer)

	cleanup := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subscribers, ch)
		close(ch)
	}

	return ch, history, cleanup
}
