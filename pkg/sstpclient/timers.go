package sstpclient

import (
	"sync"
	"time"
)

// NegotiationTimeout and HelloTimeout are the two one-shot timer durations
// the state machine drives (§4.3: both 60 seconds).
const (
	NegotiationTimeout = 60 * time.Second
	HelloTimeout       = 60 * time.Second
)

// RealTimers implements Timers using the standard library's time.Timer. At
// most one of the two timers is armed at any moment, matching the state
// machine's own invariant, but this type does not enforce that itself.
type RealTimers struct {
	mu sync.Mutex

	negotiationDuration time.Duration
	helloDuration       time.Duration
	onNegotiation       func()
	onHello             func()

	negotiationTimer *time.Timer
	helloTimer       *time.Timer
}

// NewRealTimers builds a Timers implementation that invokes onNegotiation
// or onHello from a timer goroutine when the respective duration elapses
// unmolested. Callers typically close over a *StateMachine constructed
// immediately afterward, since the machine must exist for the callback to
// call back into it.
func NewRealTimers(negotiationDuration, helloDuration time.Duration, onNegotiation, onHello func()) *RealTimers {
	return &RealTimers{
		negotiationDuration: negotiationDuration,
		helloDuration:       helloDuration,
		onNegotiation:       onNegotiation,
		onHello:             onHello,
	}
}

func (t *RealTimers) ArmNegotiation() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.negotiationTimer != nil {
		t.negotiationTimer.Stop()
	}
	t.negotiationTimer = time.AfterFunc(t.negotiationDuration, t.onNegotiation)
}

func (t *RealTimers) DisarmNegotiation() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.negotiationTimer != nil {
		t.negotiationTimer.Stop()
		t.negotiationTimer = nil
	}
}

func (t *RealTimers) ArmHello() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.helloTimer != nil {
		t.helloTimer.Stop()
	}
	t.helloTimer = time.AfterFunc(t.helloDuration, t.onHello)
}

func (t *RealTimers) DisarmHello() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.helloTimer != nil {
		t.helloTimer.Stop()
		t.helloTimer = nil
	}
}

// StopAll disarms both timers. The state machine's own teardown disarms
// them through the Timers interface and does not call StopAll.
func (t *RealTimers) StopAll() {
	t.DisarmNegotiation()
	t.DisarmHello()
}
