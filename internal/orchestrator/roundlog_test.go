package orchestrator

import (
	"fmt"
	"testing"
)

func TestRoundLogBoundedHistory(t *testing.T) {
	l := NewRoundLog(3)
	for i := 1; i <= 5; i++ {
		l.Append(RoundEvent{Round: i, Message: fmt.Sprintf("round %d", i)})
	}

	_, history, cleanup := l.Subscribe()
	defer cleanup()

	if len(history) != 3 {
		t.Fatalf("History length = %d, expected 3", len(history))
	}
	if history[0].Round != 3 || history[2].Round != 5 {
		t.Errorf("History kept rounds %d..%d, expected 3..5", history[0].Round, history[2].Round)
	}
}

func TestRoundLogBroadcast(t *testing.T) {
	l := NewRoundLog(10)

	ch, _, cleanup := l.Subscribe()
	defer cleanup()

	l.Append(RoundEvent{Round: 1, Outcome: OutcomeSuccess, Message: "chrome: success"})

	ev := <-ch
	if ev.Round != 1 || ev.Outcome != OutcomeSuccess {
		t.Errorf("Received %+v, expected the appended event", ev)
	}
	if ev.Time.IsZero() {
		t.Error("Event time not stamped")
	}
}

// A subscriber that never drains its channel must not block Append.
func TestRoundLogSlowSubscriber(t *testing.T) {
	l := NewRoundLog(10)

	_, _, cleanup := l.Subscribe()
	defer cleanup()

	for i := 0; i < 500; i++ {
		l.Append(RoundEvent{Round: i, Message: "event"})
	}
	// Completing the loop is the assertion.
}
