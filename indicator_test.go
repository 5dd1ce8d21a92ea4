package riokit

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

type recordingLed struct {
	mu     sync.Mutex
	states []bool
	times  []time.Time
}

func (rl *recordingLed) Set(state bool) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.states = append(rl.states, state)
	rl.times = append(rl.times, time.Now())
	return nil
}

func (rl *recordingLed) GetState() (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.states) == 0 {
		return false, nil
	}
	return rl.states[len(rl.states)-1], nil
}

func (rl *recordingLed) snapshot() ([]bool, []time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	states := append([]bool(nil), rl.states...)
	times := append([]time.Time(nil), rl.times...)
	return states, times
}

func (rl *recordingLed) count() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.states)
}

func waitForTransitions(t testing.TB, led *recordingLed, n int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if led.count() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("got %d led transitions, want at least %d", led.count(), n)
}

func TestIndicatorSteadySet(t *testing.T) {
	led := &recordingLed{}
	si := NewStatusIndicator(led, log.New(io.Discard))

	si.Set(true)
	if on, _ := led.GetState(); !on {
		t.Error("led not on after Set(true)")
	}

	si.Set(false)
	if on, _ := led.GetState(); on {
		t.Error("led still on after Set(false)")
	}
}

func TestBlinkerOwnsLed(t *testing.T) {
	led := &recordingLed{}
	si := NewStatusIndicator(led, log.New(io.Discard))

	si.StartConnectionLostBlinker()

	// A second start and steady sets must not reach the line: the recorded
	// sequence stays the blinker's strict on/off alternation, which any
	// injected write would break with a consecutive duplicate.
	si.StartConnectionLostBlinker()
	waitForTransitions(t, led, 4)
	si.Set(true)
	si.Set(true)
	si.Set(false)
	waitForTransitions(t, led, 7)

	states, _ := led.snapshot()
	if states[0] {
		t.Error("blinker did not start with the led off")
	}
	for i := 1; i < len(states); i++ {
		if states[i] == states[i-1] {
			t.Fatalf("led sequence %v not alternating at %d", states, i)
		}
	}
}

func TestBlinkerPattern(t *testing.T) {
	led := &recordingLed{}
	si := NewStatusIndicator(led, log.New(io.Discard))

	si.StartConnectionLostBlinker()

	// Initial off, then dot on/off, dash on/off, dash on/off.
	waitForTransitions(t, led, 7)

	states, times := led.snapshot()
	var onDurations []time.Duration
	for i := 0; i+1 < len(states) && len(onDurations) < 3; i++ {
		if states[i] && !states[i+1] {
			onDurations = append(onDurations, times[i+1].Sub(times[i]))
		}
	}
	if len(onDurations) < 3 {
		t.Fatalf("got %d on phases, want 3", len(onDurations))
	}

	dot, dash1, dash2 := onDurations[0], onDurations[1], onDurations[2]
	if dot >= dash1 || dot >= dash2 {
		t.Errorf("dot %v not shorter than dashes %v, %v", dot, dash1, dash2)
	}
	if dot < morseDotDuration/2 {
		t.Errorf("dot %v shorter than half the nominal %v", dot, morseDotDuration)
	}
	if dash1 < 2*morseDotDuration {
		t.Errorf("dash %v shorter than twice the dot duration", dash1)
	}
}
