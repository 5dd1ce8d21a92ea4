package riokit

import (
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/riolabs/riokit/drivers"
)

// Morse timings for the connectivity alarm pattern.
const (
	morseDotDuration  = 250 * time.Millisecond
	morseDashDuration = 3 * morseDotDuration
	morseElementPause = morseDotDuration
	morseLetterPause  = 3 * morseDotDuration
)

// StatusIndicator drives the status LED. Normally it shows the interlock
// state as a steady level; once connectivity is reported lost the LED
// switches to blinking morse "W" until the process restarts.
type StatusIndicator struct {
	led    drivers.DigitalOutput
	logger *log.Logger

	blinking atomic.Bool
}

func NewStatusIndicator(led drivers.DigitalOutput, logger *log.Logger) *StatusIndicator {
	if logger == nil {
		logger = log.Default()
	}
	return &StatusIndicator{led: led, logger: logger}
}

// Set drives the steady interlock level. Ignored once the alarm blinker owns
// the line.
func (si *StatusIndicator) Set(on bool) {
	if si.blinking.Load() {
		return
	}
	si.led.Set(on)
}

// StartConnectionLostBlinker takes over the LED with the repeating alarm
// pattern. One way: the blinker cannot be stopped, it is started when the
// register services are already being torn down.
func (si *StatusIndicator) StartConnectionLostBlinker() {
	if !si.blinking.CompareAndSwap(false, true) {
		return
	}
	si.logger.Warn("connection lost, starting alarm blinker")
	go si.blink()
}

// blink repeats morse "W": dot, dash, dash.
func (si *StatusIndicator) blink() {
	si.led.Set(false)

	flash := func(duration, pause time.Duration) {
		si.led.Set(true)
		time.Sleep(duration)
		si.led.Set(false)
		time.Sleep(pause)
	}

	for {
		flash(morseDotDuration, morseElementPause)
		flash(morseDashDuration, morseElementPause)
		flash(morseDashDuration, morseLetterPause)
	}
}
