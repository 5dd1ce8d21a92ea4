package drivers

import (
	"context"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/pkg/errors"
)

const modbusioDriverName = "modbusio"
const modbusEdgePollInterval = 50 * time.Millisecond
const modbusStateMaxAge = 5 * time.Second
const modbusClientTimeout = 2 * time.Second

// ModbusIO exposes the lines of a downstream Modbus TCP slave as local I/O:
// input pins map to discrete input addresses, output pins to coil addresses.
// Levels are cached between polls; a state older than modbusStateMaxAge is
// reported with an error so stale lines never pass as fresh.
type ModbusIO struct {
	Host       string
	UnitID     byte
	DriverName string

	handler *modbus.TCPClientHandler
	client  modbus.Client

	// busMu serializes requests on the shared client.
	busMu sync.Mutex

	inputs  []*ModbusInput
	outputs []*ModbusOutput
	isReady bool
	stop    chan struct{}

	inputSpan  uint16
	outputSpan uint16
}

type ModbusInput struct {
	pin    uint16
	driver *ModbusIO

	mu       sync.Mutex
	state    bool
	lastSync time.Time
	edge     Edge
	listener EdgeListener
}

func (min *ModbusInput) GetState() (bool, error) {
	min.mu.Lock()
	defer min.mu.Unlock()

	if time.Since(min.lastSync) > modbusStateMaxAge {
		return min.state, errors.Errorf("modbusio input %d state too old: %s", min.pin, time.Since(min.lastSync))
	}
	return min.state, nil
}

func (min *ModbusInput) SubscribeToEdges(edge Edge, listener EdgeListener) error {
	min.mu.Lock()
	min.edge = edge
	min.listener = listener
	min.mu.Unlock()
	return nil
}

// sync records a freshly polled level and fires the listener on a matching
// transition. The first poll only seeds the cache.
func (min *ModbusInput) sync(level bool) {
	min.mu.Lock()
	changed := level != min.state && !min.lastSync.IsZero()
	min.state = level
	min.lastSync = time.Now()
	listener := min.listener
	edge := min.edge
	min.mu.Unlock()

	if !changed || listener == nil {
		return
	}
	if edge == EdgeFalling && level {
		return
	}
	listener.HandleEdge(min.pin)
}

type ModbusOutput struct {
	pin    uint16
	driver *ModbusIO

	mu       sync.Mutex
	state    bool
	lastSync time.Time
}

func (mout *ModbusOutput) GetState() (bool, error) {
	mout.mu.Lock()
	defer mout.mu.Unlock()

	if time.Since(mout.lastSync) > modbusStateMaxAge {
		return mout.state, errors.Errorf("modbusio output %d state too old: %s", mout.pin, time.Since(mout.lastSync))
	}
	return mout.state, nil
}

func (mout *ModbusOutput) Set(state bool) error {
	err := mout.driver.writeCoil(mout.pin, state)
	if err != nil {
		return errors.Wrapf(err, "modbusio failed to write coil %d", mout.pin)
	}
	mout.sync(state)
	return nil
}

func (mout *ModbusOutput) sync(level bool) {
	mout.mu.Lock()
	mout.state = level
	mout.lastSync = time.Now()
	mout.mu.Unlock()
}

func (mio *ModbusIO) String() string {
	if len(mio.DriverName) > 0 {
		return mio.DriverName
	}
	return modbusioDriverName
}

func (mio *ModbusIO) IsReady() bool {
	return mio.isReady
}

func (mio *ModbusIO) Setup(ctx context.Context, inputs []uint16, outputs []uint16) error {
	if mio.isReady {
		return nil
	}

	mio.handler = modbus.NewTCPClientHandler(mio.Host)
	mio.handler.Timeout = modbusClientTimeout
	mio.handler.SlaveId = mio.UnitID

	err := mio.handler.Connect()
	if err != nil {
		return errors.Wrapf(err, "modbusio failed to connect to %s", mio.Host)
	}
	mio.client = modbus.NewClient(mio.handler)

	for _, pin := range inputs {
		mio.inputs = append(mio.inputs, &ModbusInput{pin: pin, driver: mio})
		if pin >= mio.inputSpan {
			mio.inputSpan = pin + 1
		}
	}
	for _, pin := range outputs {
		mio.outputs = append(mio.outputs, &ModbusOutput{pin: pin, driver: mio})
		if pin >= mio.outputSpan {
			mio.outputSpan = pin + 1
		}
	}

	// First poll seeds the caches so GetState works right after setup.
	err = mio.poll()
	if err != nil {
		mio.handler.Close()
		return errors.Wrap(err, "modbusio initial poll failed")
	}

	mio.stop = make(chan struct{})
	go mio.watchEdges(mio.stop)

	mio.isReady = true
	return nil
}

func (mio *ModbusIO) watchEdges(stop <-chan struct{}) {
	ticker := time.NewTicker(modbusEdgePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Poll errors are transient by nature here; the staleness check
			// on GetState surfaces a link that stays down.
			mio.poll()
		}
	}
}

func (mio *ModbusIO) poll() error {
	if len(mio.inputs) > 0 {
		mio.busMu.Lock()
		data, err := mio.client.ReadDiscreteInputs(0, mio.inputSpan)
		mio.busMu.Unlock()
		if err != nil {
			return errors.Wrap(err, "discrete inputs poll failed")
		}
		for _, in := range mio.inputs {
			in.sync(bitSet(data, in.pin))
		}
	}

	if len(mio.outputs) > 0 {
		mio.busMu.Lock()
		data, err := mio.client.ReadCoils(0, mio.outputSpan)
		mio.busMu.Unlock()
		if err != nil {
			return errors.Wrap(err, "coils poll failed")
		}
		for _, out := range mio.outputs {
			out.sync(bitSet(data, out.pin))
		}
	}

	return nil
}

func (mio *ModbusIO) writeCoil(pin uint16, state bool) error {
	value := uint16(0x0000)
	if state {
		value = 0xFF00
	}

	mio.busMu.Lock()
	defer mio.busMu.Unlock()
	_, err := mio.client.WriteSingleCoil(pin, value)
	return err
}

func bitSet(data []byte, i uint16) bool {
	byteIdx := int(i / 8)
	if byteIdx >= len(data) {
		return false
	}
	return data[byteIdx]&(1<<(i%8)) != 0
}

func (mio *ModbusIO) GetInput(pin uint16) (DigitalInput, error) {
	for _, in := range mio.inputs {
		if in.pin == pin {
			return in, nil
		}
	}
	return nil, errors.Errorf("modbusio input %d not found", pin)
}

func (mio *ModbusIO) GetOutput(pin uint16) (DigitalOutput, error) {
	for _, out := range mio.outputs {
		if out.pin == pin {
			return out, nil
		}
	}
	return nil, errors.Errorf("modbusio output %d not found", pin)
}

func (mio *ModbusIO) GetAllIo() (inputs []uint16, outputs []uint16) {
	for _, in := range mio.inputs {
		inputs = append(inputs, in.pin)
	}
	for _, out := range mio.outputs {
		outputs = append(outputs, out.pin)
	}
	return
}

func (mio *ModbusIO) Close() error {
	if !mio.isReady {
		return nil
	}
	mio.isReady = false
	close(mio.stop)

	for _, out := range mio.outputs {
		out.Set(false)
	}
	return mio.handler.Close()
}
