package riokit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/riolabs/riokit/drivers"
)

// edgeQueueDepth bounds how many input edges can be pending between the
// driver's edge watcher and the consumer. Edges past that are dropped; the
// consumer re-samples levels, so a settled line cannot stay wrong.
const edgeQueueDepth = 10

// debounceWindow is how long the output enable button must stay quiet before
// a press counts. Every raw edge inside the window restarts it.
const debounceWindow = 250 * time.Millisecond

// ToggleFunc is notified of a debounced output enable button press.
type ToggleFunc func()

// InputChangeFunc is notified once per settled input transition.
type InputChangeFunc func(channel int)

// IoService runs the capture side of the board: it subscribes to driver edge
// events, debounces the output enable button and drains input edges on a
// dedicated consumer goroutine. Edge handling itself does O(1) non-blocking
// work only; everything slower happens on the consumer.
type IoService struct {
	table  ChannelTable
	driver drivers.IoDriver
	logger *log.Logger

	queue    chan uint16
	pending  atomic.Bool
	debounce *time.Timer
	dropped  atomic.Uint64

	mu         sync.Mutex
	configured bool
	started    bool
	onToggle   ToggleFunc
	onInput    InputChangeFunc
	done       chan struct{}

	inputs map[uint16]drivers.DigitalInput
}

func NewIoService(table ChannelTable, driver drivers.IoDriver, logger *log.Logger) *IoService {
	if logger == nil {
		logger = log.Default()
	}
	return &IoService{
		table:  table,
		driver: driver,
		logger: logger,
	}
}

// Configure sets up the physical lines through the driver. Safe to call more
// than once.
func (s *IoService) Configure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.configured {
		return nil
	}

	err := s.driver.Setup(ctx, s.table.InputPins(), s.table.OutputPins())
	if err != nil {
		return errors.Wrap(err, "failed to set up io lines")
	}

	s.inputs = make(map[uint16]drivers.DigitalInput, NumIOChannels+1)
	for _, pin := range s.table.InputPins() {
		input, err := s.driver.GetInput(pin)
		if err != nil {
			return errors.Wrapf(err, "input pin %d missing after setup", pin)
		}
		s.inputs[pin] = input
	}

	s.configured = true
	return nil
}

// Start registers the observers, creates the edge queue and debounce timer
// and launches the consumer. Fails if the service is unconfigured or already
// running.
func (s *IoService) Start(onToggle ToggleFunc, onInput InputChangeFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.configured {
		return errors.New("io service not configured")
	}
	if s.started {
		return errors.New("io service already started")
	}

	s.onToggle = onToggle
	s.onInput = onInput
	s.queue = make(chan uint16, edgeQueueDepth)
	s.done = make(chan struct{})

	s.debounce = time.AfterFunc(debounceWindow, s.debounceExpired)
	s.debounce.Stop()

	for _, pin := range s.table.Inputs {
		if err := s.inputs[pin].SubscribeToEdges(drivers.EdgeAny, s); err != nil {
			s.debounce.Stop()
			return errors.Wrapf(err, "failed to watch input pin %d", pin)
		}
	}
	if err := s.inputs[s.table.Button].SubscribeToEdges(drivers.EdgeFalling, s); err != nil {
		s.debounce.Stop()
		return errors.Wrap(err, "failed to watch button pin")
	}

	go s.consume(s.queue, s.done)

	s.started = true
	return nil
}

// Stop tears Start down: observers are dropped (further events are no-ops),
// the debounce timer is stopped and the consumer exits.
func (s *IoService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return errors.New("io service not started")
	}

	s.debounce.Stop()
	close(s.done)
	s.onToggle = nil
	s.onInput = nil
	s.started = false

	return nil
}

// HandleEdge is the driver's edge callback. For the button it arms the
// debounce window; for input channels it enqueues the pin, dropping the edge
// when the queue is full. Must stay non-blocking.
func (s *IoService) HandleEdge(pin uint16) {
	if pin == s.table.Button {
		s.pending.Store(true)
		s.debounce.Reset(debounceWindow)
		return
	}

	select {
	case s.queue <- pin:
	default:
		s.dropped.Add(1)
	}
}

// DroppedEdges reports how many input edges were discarded on queue
// overflow.
func (s *IoService) DroppedEdges() uint64 {
	return s.dropped.Load()
}

// InputOn samples the current level of an input channel.
func (s *IoService) InputOn(channel int) (bool, error) {
	if channel < 0 || channel >= NumIOChannels {
		return false, errors.Errorf("input channel %d out of range", channel)
	}
	input, found := s.inputs[s.table.Inputs[channel]]
	if !found {
		return false, errors.Errorf("input channel %d not configured", channel)
	}
	return input.GetState()
}

// debounceExpired runs on the timer goroutine once the window closes. Any
// number of raw edges collapses into at most one toggle event.
func (s *IoService) debounceExpired() {
	if !s.pending.Swap(false) {
		return
	}

	s.mu.Lock()
	onToggle := s.onToggle
	s.mu.Unlock()

	s.logger.Info("output enable button pressed")
	if onToggle != nil {
		onToggle()
	}
}

// consume drains the edge queue, resolves pins to channels and reports the
// freshly sampled level. Unknown pins are logged and skipped.
func (s *IoService) consume(queue <-chan uint16, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case pin := <-queue:
			channel, found := s.table.ChannelForInputPin(pin)
			if !found {
				s.logger.Warn("edge on unmatched pin", "pin", pin)
				continue
			}

			level, err := s.InputOn(channel)
			if err != nil {
				s.logger.Error("failed to sample input", "channel", channel, "err", err)
				continue
			}
			s.logger.Info("input changed", "channel", channel, "level", level)

			s.mu.Lock()
			onInput := s.onInput
			s.mu.Unlock()
			if onInput != nil {
				onInput(channel)
			}
		}
	}
}
