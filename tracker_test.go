package trawl

import (
	"testing"
	"time"
)

func TestTokenTracker_TotalAndBreakdown(t *testing.T) {
	tt := NewTokenTracker(1000)
	tt.Track("agent", Usage{InputTokens: 100, OutputTokens: 20})
	tt.Track("evaluator", Usage{InputTokens: 50})
	tt.Track("agent", Usage{OutputTokens: 30})

	if got := tt.Total(); got != 200 {
		t.Errorf("Total = %d, want 200", got)
	}
	bd := tt.Breakdown()
	if bd["agent"].Total() != 150 {
		t.Errorf("agent total = %d, want 150", bd["agent"].Total())
	}
	if bd["evaluator"].Total() != 50 {
		t.Errorf("evaluator total = %d, want 50", bd["evaluator"].Total())
	}
}

func TestTokenTracker_OverBudgetKeepsReserve(t *testing.T) {
	tt := NewTokenTracker(1000)
	tt.Track("agent", Usage{InputTokens: 849})
	if tt.OverBudget() {
		t.Error("849/1000 should be under the 85% line")
	}
	tt.Track("agent", Usage{InputTokens: 1})
	if !tt.OverBudget() {
		t.Error("850/1000 should trip the reserve threshold")
	}
}

func TestEstimateTokens_NonZero(t *testing.T) {
	if n := EstimateTokens("the quick brown fox jumps over the lazy dog"); n == 0 {
		t.Error("estimate should be positive for non-empty text")
	}
	if n := EstimateTokens(""); n != 0 {
		t.Errorf("estimate for empty text = %d, want 0", n)
	}
}

func TestActionTracker_FIFOOrder(t *testing.T) {
	at := NewActionTracker()
	at.TrackThink(1, "first")
	at.TrackThink(2, "second")
	at.Close()

	done := make(chan struct{})
	ev1, ok := at.Next(done)
	if !ok || ev1.Think != "first" {
		t.Fatalf("first event = %+v, ok=%v", ev1, ok)
	}
	ev2, ok := at.Next(done)
	if !ok || ev2.Think != "second" {
		t.Fatalf("second event = %+v, ok=%v", ev2, ok)
	}
	if _, ok := at.Next(done); ok {
		t.Error("closed tracker with empty queue must report no more events")
	}
}

func TestActionTracker_NextBlocksUntilPush(t *testing.T) {
	at := NewActionTracker()
	got := make(chan StepEvent, 1)
	go func() {
		ev, _ := at.Next(make(chan struct{}))
		got <- ev
	}()

	time.Sleep(10 * time.Millisecond)
	at.TrackAction(3, &StepAction{Action: ActionSearch, Think: "hm"})

	select {
	case ev := <-got:
		if ev.Kind != EventStep || ev.Step != 3 {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake on push")
	}
}

func TestActionTracker_NextUnblocksOnDone(t *testing.T) {
	at := NewActionTracker()
	done := make(chan struct{})
	close(done)
	if _, ok := at.Next(done); ok {
		t.Error("Next must return false when done is closed")
	}
}

func TestActionTracker_DropsAfterClose(t *testing.T) {
	at := NewActionTracker()
	at.Close()
	at.TrackThink(1, "late")
	if _, ok := at.Next(make(chan struct{})); ok {
		t.Error("events published after Close must be dropped")
	}
}

func TestActionTracker_Drain(t *testing.T) {
	at := NewActionTracker()
	at.TrackThink(1, "a")
	at.TrackThink(2, "b")
	at.Drain()
	at.Close()
	if _, ok := at.Next(make(chan struct{})); ok {
		t.Error("drained queue should yield no events")
	}
}

func TestActionTracker_EmptyThinkIgnored(t *testing.T) {
	at := NewActionTracker()
	at.TrackThink(1, "")
	at.Close()
	if _, ok := at.Next(make(chan struct{})); ok {
		t.Error("empty think text must not produce an event")
	}
}
