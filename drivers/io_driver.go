package drivers

import (
	"context"
)

// IoDriver gives access to the digital lines of one I/O board: Raspberry Pi
// GPIO header, MCP23017 expander, a downstream Modbus slave or a mock for
// tests and bench runs.
type IoDriver interface {
	Setup(ctx context.Context, inputs []uint16, outputs []uint16) error
	Close() error
	String() string
	IsReady() bool
	GetInput(pin uint16) (DigitalInput, error)
	GetOutput(pin uint16) (DigitalOutput, error)
	GetAllIo() (inputs []uint16, outputs []uint16)
}

func MapAllIoDrivers() map[string]IoDriver {
	drivers := []IoDriver{
		&GpIO{},
		&McpIO{},
		&ModbusIO{},
		&MockIoDriver{},
	}

	mapped := make(map[string]IoDriver)
	for _, driver := range drivers {
		mapped[driver.String()] = driver
	}
	return mapped
}

// Edge selects which transitions of an input line produce edge events.
type Edge int

const (
	EdgeAny Edge = iota
	EdgeFalling
)

// EdgeListener receives edge events from a driver's watcher. HandleEdge is
// called on the watcher's goroutine and must not block; anything slower than
// a flag set or a non-blocking channel send belongs elsewhere.
type EdgeListener interface {
	HandleEdge(pin uint16)
}

type DigitalInput interface {
	GetState() (bool, error)

	// SubscribeToEdges registers a listener for transitions on this line.
	// One listener per input; a second subscription replaces the first.
	SubscribeToEdges(edge Edge, listener EdgeListener) error
}

type DigitalOutput interface {
	GetState() (bool, error)
	Set(bool) error
}
