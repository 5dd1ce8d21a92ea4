package drivers

import (
	"context"
	"fmt"
	"io"
	"sync"
)

type MockOutput struct {
	mu               sync.Mutex
	state            bool
	pin              uint16
	writeTo          io.Writer
	writeStateChange bool
}

func (mo *MockOutput) GetState() (bool, error) {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	return mo.state, nil
}

func (mo *MockOutput) Set(state bool) error {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	if mo.writeStateChange && state != mo.state {
		fmt.Fprintf(mo.writeTo, "[pin %d] state changed to %v\n", mo.pin, state)
	}
	mo.state = state
	return nil
}

type MockInput struct {
	pin uint16

	mu       sync.Mutex
	state    bool
	edge     Edge
	listener EdgeListener
}

func (mi *MockInput) GetState() (bool, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.state, nil
}

func (mi *MockInput) SubscribeToEdges(edge Edge, listener EdgeListener) error {
	mi.mu.Lock()
	mi.edge = edge
	mi.listener = listener
	mi.mu.Unlock()
	return nil
}

// SetLevel drives the simulated line and fires the subscribed listener when
// the transition matches the subscription, like a real edge detector would.
func (mi *MockInput) SetLevel(level bool) {
	mi.mu.Lock()
	changed := level != mi.state
	mi.state = level
	listener := mi.listener
	edge := mi.edge
	mi.mu.Unlock()

	if !changed || listener == nil {
		return
	}
	if edge == EdgeFalling && level {
		return
	}
	listener.HandleEdge(mi.pin)
}

// TriggerEdge fires the listener without a level change, simulating contact
// bounce or a glitch shorter than the sampling interval.
func (mi *MockInput) TriggerEdge() {
	mi.mu.Lock()
	listener := mi.listener
	mi.mu.Unlock()

	if listener != nil {
		listener.HandleEdge(mi.pin)
	}
}

type MockIoDriver struct {
	inputs  []*MockInput
	outputs []*MockOutput
	ready   bool
}

func (md *MockIoDriver) Setup(ctx context.Context, inputs []uint16, outputs []uint16) error {
	if md.ready {
		return nil
	}
	for _, inPin := range inputs {
		md.inputs = append(md.inputs, &MockInput{pin: inPin})
	}
	for _, outPin := range outputs {
		md.outputs = append(md.outputs, &MockOutput{pin: outPin})
	}
	md.ready = true
	return nil
}

func (md *MockIoDriver) Close() error {
	md.ready = false
	return nil
}

func (md *MockIoDriver) String() string {
	return "mock_driver"
}

func (md *MockIoDriver) IsReady() bool {
	return md.ready
}

func (md *MockIoDriver) GetInput(pin uint16) (DigitalInput, error) {
	for _, input := range md.inputs {
		if pin == input.pin {
			return input, nil
		}
	}
	return nil, fmt.Errorf("mock input %d not found", pin)
}

// GetMockInput exposes the concrete input so tests can drive levels.
func (md *MockIoDriver) GetMockInput(pin uint16) (*MockInput, error) {
	for _, input := range md.inputs {
		if pin == input.pin {
			return input, nil
		}
	}
	return nil, fmt.Errorf("mock input %d not found", pin)
}

func (md *MockIoDriver) GetOutput(pin uint16) (DigitalOutput, error) {
	for _, output := range md.outputs {
		if pin == output.pin {
			return output, nil
		}
	}
	return nil, fmt.Errorf("mock output %d not found", pin)
}

func (md *MockIoDriver) GetAllIo() (inputs []uint16, outputs []uint16) {
	for _, input := range md.inputs {
		inputs = append(inputs, input.pin)
	}
	for _, output := range md.outputs {
		outputs = append(outputs, output.pin)
	}
	return
}

// MonitorStateChanges mirrors every output transition to the given writer.
func (md *MockIoDriver) MonitorStateChanges(writer io.Writer) {
	for _, out := range md.outputs {
		out.writeTo = writer
		out.writeStateChange = true
	}
}
