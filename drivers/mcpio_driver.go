package drivers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/racerxdl/go-mcp23017"
)

const mcpioDriverName = "mcpio"
const mcpEdgePollInterval = 10 * time.Millisecond

// McpIO drives an MCP23017 expander over I2C. The chip's INT lines are not
// wired on the supported boards, so input edges are recovered by polling and
// comparing levels; at the poll interval used this is well inside the
// debounce window of the I/O service.
type McpIO struct {
	device *mcp23017.Device

	inputs  []*McpInput
	outputs []McpOutput
	isReady bool
	stop    chan struct{}

	BusNo         uint8
	DevNo         uint8
	InvertInputs  bool
	InvertOutputs bool
}

type McpInput struct {
	pin    uint8
	invert bool

	device *mcp23017.Device

	mu        sync.Mutex
	edge      Edge
	listener  EdgeListener
	lastLevel bool
}

type McpOutput struct {
	pin    uint8
	invert bool

	device *mcp23017.Device
}

func (min *McpInput) GetState() (state bool, err error) {
	rawState, err := min.device.DigitalRead(min.pin)
	if err != nil {
		return
	}

	if min.invert {
		state = !bool(rawState)
	} else {
		state = bool(rawState)
	}
	return
}

func (min *McpInput) SubscribeToEdges(edge Edge, listener EdgeListener) error {
	level, err := min.GetState()
	if err != nil {
		return err
	}

	min.mu.Lock()
	min.edge = edge
	min.listener = listener
	min.lastLevel = level
	min.mu.Unlock()

	return nil
}

// pollEdge samples the line and fires the listener on a matching transition.
func (min *McpInput) pollEdge() {
	min.mu.Lock()
	listener := min.listener
	edge := min.edge
	last := min.lastLevel
	min.mu.Unlock()

	if listener == nil {
		return
	}

	level, err := min.GetState()
	if err != nil || level == last {
		return
	}

	min.mu.Lock()
	min.lastLevel = level
	min.mu.Unlock()

	if edge == EdgeFalling && level {
		return
	}
	listener.HandleEdge(uint16(min.pin))
}

func (mout *McpOutput) GetState() (state bool, err error) {
	rawState, err := mout.device.DigitalRead(mout.pin)
	if err != nil {
		return
	}

	if mout.invert {
		state = !bool(rawState)
	} else {
		state = bool(rawState)
	}
	return
}

func (mout *McpOutput) Set(state bool) (err error) {
	if mout.invert {
		state = !state
	}

	err = mout.device.DigitalWrite(mout.pin, mcp23017.PinLevel(state))

	return
}

func (mcp *McpIO) String() string {
	return mcpioDriverName
}

func (mcp *McpIO) IsReady() bool {
	return mcp.isReady
}

func (mcp *McpIO) Setup(ctx context.Context, inputs []uint16, outputs []uint16) (err error) {
	if mcp.isReady {
		return nil
	}

	mcp.device, err = mcp23017.Open(mcp.BusNo, mcp.DevNo)
	if err != nil {
		return
	}

	for _, inputPin := range inputs {
		if inputPin > 255 {
			err = fmt.Errorf("input pin out of range (mcpio takes uint8 pin id)")
			return
		}
		err = mcp.device.PinMode(uint8(inputPin), mcp23017.INPUT)
		if err != nil {
			return
		}
		err = mcp.device.SetPullUp(uint8(inputPin), true)
		if err != nil {
			return
		}
		mcp.inputs = append(mcp.inputs, &McpInput{pin: uint8(inputPin), invert: mcp.InvertInputs, device: mcp.device})
	}

	for _, outputPin := range outputs {
		if outputPin > 255 {
			err = fmt.Errorf("output pin out of range (mcpio takes uint8 pin id)")
			return
		}
		err = mcp.device.PinMode(uint8(outputPin), mcp23017.OUTPUT)
		if err != nil {
			return
		}
		mcp.outputs = append(mcp.outputs, McpOutput{pin: uint8(outputPin), invert: mcp.InvertOutputs, device: mcp.device})
	}

	mcp.stop = make(chan struct{})
	go mcp.watchEdges(mcp.stop)

	mcp.isReady = true

	return
}

func (mcp *McpIO) watchEdges(stop <-chan struct{}) {
	ticker := time.NewTicker(mcpEdgePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, in := range mcp.inputs {
				in.pollEdge()
			}
		}
	}
}

func (mcp *McpIO) GetInput(id uint16) (input DigitalInput, err error) {
	for _, in := range mcp.inputs {
		if in.pin == uint8(id) {
			input = in
			return
		}
	}

	err = fmt.Errorf("input (id: %d) not found", id)
	return
}

func (mcp *McpIO) GetOutput(id uint16) (output DigitalOutput, err error) {
	for i := range mcp.outputs {
		if mcp.outputs[i].pin == uint8(id) {
			output = &mcp.outputs[i]
			return
		}
	}

	err = fmt.Errorf("output (id: %d) not found", id)
	return
}

func (mcp *McpIO) Close() error {
	if !mcp.isReady {
		return nil
	}
	mcp.isReady = false
	close(mcp.stop)

	for _, output := range mcp.outputs {
		output.Set(false)
	}
	return mcp.device.Close()
}

func (mcp *McpIO) GetAllIo() (inputs []uint16, outputs []uint16) {
	for _, input := range mcp.inputs {
		inputs = append(inputs, uint16(input.pin))
	}

	for _, output := range mcp.outputs {
		outputs = append(outputs, uint16(output.pin))
	}

	return
}
