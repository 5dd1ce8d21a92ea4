package drivers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

const gpioDriverName = "gpio"
const defaultEdgePollInterval = 5 * time.Millisecond

type GpIO struct {
	inputs  []*GpInput
	outputs []GpOutput

	InvertInputs  bool
	InvertOutputs bool

	// EdgePollMs overrides how often latched edge events are collected.
	EdgePollMs int

	mu      sync.Mutex
	isReady bool
	stop    chan struct{}
}

type GpInput struct {
	pin    uint8
	invert bool

	mu       sync.Mutex
	listener EdgeListener
}

type GpOutput struct {
	pin    uint8
	invert bool
}

func (gpi *GpInput) GetState() (state bool, err error) {
	if gpi.invert {
		state = rpio.Pin(gpi.pin).Read() == rpio.Low
	} else {
		state = rpio.Pin(gpi.pin).Read() == rpio.High
	}

	return
}

func (gpi *GpInput) SubscribeToEdges(edge Edge, listener EdgeListener) error {
	pin := rpio.Pin(gpi.pin)
	switch edge {
	case EdgeFalling:
		if gpi.invert {
			pin.Detect(rpio.RiseEdge)
		} else {
			pin.Detect(rpio.FallEdge)
		}
	case EdgeAny:
		pin.Detect(rpio.AnyEdge)
	default:
		return errors.Errorf("unknown edge selector: %d", edge)
	}

	gpi.mu.Lock()
	gpi.listener = listener
	gpi.mu.Unlock()

	return nil
}

// collectEdge reports a latched edge event to the listener, if any.
func (gpi *GpInput) collectEdge() {
	if !rpio.Pin(gpi.pin).EdgeDetected() {
		return
	}

	gpi.mu.Lock()
	listener := gpi.listener
	gpi.mu.Unlock()

	if listener != nil {
		listener.HandleEdge(uint16(gpi.pin))
	}
}

func (gpo *GpOutput) Set(state bool) error {

	if gpo.invert {
		state = !state
	}
	if state {
		rpio.Pin(gpo.pin).High()
	} else {
		rpio.Pin(gpo.pin).Low()
	}

	return nil
}

func (gpo *GpOutput) GetState() (state bool, err error) {
	if gpo.invert {
		state = rpio.Pin(gpo.pin).Read() == rpio.Low
	} else {
		state = rpio.Pin(gpo.pin).Read() == rpio.High
	}

	return
}

func (gp *GpIO) Setup(ctx context.Context, inputs []uint16, outputs []uint16) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.isReady {
		return nil
	}

	err := rpio.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to Setup gpio driver for pins: %v, %v; ", inputs, outputs)
	}
	for _, inPin := range inputs {
		if inPin > 255 {
			return errors.Errorf("inpin out of range (gpio takes uint8 pin)")
		}
		pin := rpio.Pin(inPin)
		pin.Input()
		pin.PullUp()
		gp.inputs = append(gp.inputs, &GpInput{pin: uint8(inPin), invert: gp.InvertInputs})
	}

	for _, outPin := range outputs {
		if outPin > 255 {
			return errors.Errorf("outpin out of range (gpio takes uint8 pin)")
		}
		pin := rpio.Pin(outPin)
		pin.Output()
		pin.Low()
		gp.outputs = append(gp.outputs, GpOutput{pin: uint8(outPin), invert: gp.InvertOutputs})
	}

	gp.stop = make(chan struct{})
	go gp.watchEdges(gp.stop)

	gp.isReady = true
	return nil
}

// watchEdges collects latched edge events. The bcm283x edge detector latches
// the event in hardware, so polling only bounds delivery latency; edges are
// not lost between ticks.
func (gp *GpIO) watchEdges(stop <-chan struct{}) {
	interval := defaultEdgePollInterval
	if gp.EdgePollMs > 0 {
		interval = time.Duration(gp.EdgePollMs) * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, in := range gp.inputs {
				in.collectEdge()
			}
		}
	}
}

func (gp *GpIO) String() string {
	return gpioDriverName
}

func (gp *GpIO) IsReady() bool {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return gp.isReady
}

func (gp *GpIO) Close() error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if !gp.isReady {
		return nil
	}
	gp.isReady = false
	close(gp.stop)

	for _, in := range gp.inputs {
		rpio.Pin(in.pin).Detect(rpio.NoEdge)
	}
	for _, output := range gp.outputs {
		output.Set(false)
	}
	return rpio.Close()
}

func (gp *GpIO) GetInput(id uint16) (input DigitalInput, err error) {
	if id > 255 {
		err = errors.Errorf("pin id out of range (gpio takes uint8 pin)")
		return
	}
	for _, in := range gp.inputs {
		if in.pin == uint8(id) {
			input = in
			return
		}
	}

	err = fmt.Errorf("GpIO Input (id: %d) not found", id)
	return
}

func (gp *GpIO) GetOutput(id uint16) (output DigitalOutput, err error) {
	if id > 255 {
		err = errors.Errorf("pin id out of range (gpio takes uint8 pin)")
		return
	}
	for i := range gp.outputs {
		if gp.outputs[i].pin == uint8(id) {
			output = &gp.outputs[i]
			return
		}
	}

	err = fmt.Errorf("GpIO Output (id: %d) not found", id)
	return
}

func (gp *GpIO) GetAllIo() (inputs []uint16, outputs []uint16) {
	for _, input := range gp.inputs {
		inputs = append(inputs, uint16(input.pin))
	}

	for _, output := range gp.outputs {
		outputs = append(outputs, uint16(output.pin))
	}

	return
}
