package riokit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/goburrow/modbus"

	"github.com/riolabs/riokit/drivers"
	"github.com/riolabs/riokit/registers"
)

func newTestKit(t *testing.T) (*RioKit, *drivers.MockIoDriver) {
	t.Helper()

	md := &drivers.MockIoDriver{}
	rk := &RioKit{
		Name:       "bench",
		ModbusAddr: "127.0.0.1:0",
		FakeDriver: md,
	}

	ctx := context.Background()
	if err := rk.Init(ctx); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := rk.Start(ctx); err != nil {
		rk.Close()
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { rk.Close() })

	return rk, md
}

func newTestMaster(t *testing.T, rk *RioKit) modbus.Client {
	t.Helper()

	handler := modbus.NewTCPClientHandler(rk.server.Addr().String())
	handler.Timeout = 2 * time.Second
	handler.SlaveId = rk.UnitID
	if err := handler.Connect(); err != nil {
		t.Fatalf("master failed to connect: %v", err)
	}
	t.Cleanup(func() { handler.Close() })

	return modbus.NewClient(handler)
}

func TestKitFieldbusRoundTrip(t *testing.T) {
	rk, md := newTestKit(t)
	client := newTestMaster(t, rk)

	// Request coil 4 and enable the outputs through the mirror coil.
	if _, err := client.WriteSingleCoil(4, 0xFF00); err != nil {
		t.Fatalf("coil write failed: %v", err)
	}
	if _, err := client.WriteSingleCoil(registers.OECoilAddr, 0xFF00); err != nil {
		t.Fatalf("mirror coil write failed: %v", err)
	}

	eventually(t, func() bool { return rk.interlock.Enabled() }, "interlock not enabled through the fieldbus")

	out, err := md.GetOutput(rk.table.Bank0[4])
	if err != nil {
		t.Fatalf("output line missing: %v", err)
	}
	eventually(t, func() bool { state, _ := out.GetState(); return state }, "coil 4 not driven to its line")

	coils, err := client.ReadCoils(0, registers.NumCoils)
	if err != nil {
		t.Fatalf("coils read failed: %v", err)
	}
	if coils[0]&0x10 == 0 {
		t.Error("coil 4 not reported set")
	}
	if coils[3]&0x80 == 0 {
		t.Error("mirror coil 31 not reported set")
	}

	// A changed input level shows up as a discrete input.
	in, err := md.GetMockInput(rk.table.Inputs[2])
	if err != nil {
		t.Fatalf("input line missing: %v", err)
	}
	in.SetLevel(true)
	eventually(t, func() bool { return rk.store.DiscreteInputOn(2) }, "input level not mirrored to discrete input")

	inputs, err := client.ReadDiscreteInputs(0, registers.NumDiscreteInputs)
	if err != nil {
		t.Fatalf("discrete inputs read failed: %v", err)
	}
	if inputs[0]&0x04 == 0 {
		t.Error("discrete input 2 not reported set")
	}

	// A local button press disables everything again.
	button, err := md.GetMockInput(rk.table.Button)
	if err != nil {
		t.Fatalf("button line missing: %v", err)
	}
	button.TriggerEdge()

	eventually(t, func() bool { return !rk.interlock.Enabled() }, "button press did not disable the outputs")
	eventually(t, func() bool { state, _ := out.GetState(); return !state }, "line still driven after disable")

	coils, err = client.ReadCoils(0, registers.NumCoils)
	if err != nil {
		t.Fatalf("coils read failed: %v", err)
	}
	if coils[3]&0x80 != 0 {
		t.Error("mirror coil still reported set after local disable")
	}
	if coils[0]&0x10 == 0 {
		t.Error("coil 4 value lost on disable")
	}
}

func TestKitInitialInputProbe(t *testing.T) {
	md := &drivers.MockIoDriver{}
	rk := &RioKit{
		Name:       "bench",
		ModbusAddr: "127.0.0.1:0",
		FakeDriver: md,
	}

	// Channel 7 is already high when the service comes up.
	table := DefaultChannelTable()
	if err := md.Setup(context.Background(), table.InputPins(), table.OutputPins()); err != nil {
		t.Fatalf("mock setup failed: %v", err)
	}
	in, err := md.GetMockInput(table.Inputs[7])
	if err != nil {
		t.Fatalf("input line missing: %v", err)
	}
	in.SetLevel(true)

	if err := rk.Init(context.Background()); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	defer rk.Close()

	if !rk.store.DiscreteInputOn(7) {
		t.Error("initial high level not probed into discrete input 7")
	}
	if rk.store.DiscreteInputOn(6) {
		t.Error("low input reported set")
	}
}

func TestKitDriverSelection(t *testing.T) {
	none := &RioKit{}
	if _, err := none.activeDriver(); err == nil {
		t.Error("missing driver not rejected")
	}

	two := &RioKit{Gpio: &drivers.GpIO{}, FakeDriver: &drivers.MockIoDriver{}}
	if _, err := two.activeDriver(); err == nil {
		t.Error("two drivers not rejected")
	}

	one := &RioKit{FakeDriver: &drivers.MockIoDriver{}}
	driver, err := one.activeDriver()
	if err != nil {
		t.Fatalf("single driver rejected: %v", err)
	}
	if driver != one.FakeDriver {
		t.Error("wrong driver picked")
	}
}

func TestKitStatus(t *testing.T) {
	rk, md := newTestKit(t)

	in, _ := md.GetMockInput(rk.table.Inputs[0])
	in.SetLevel(true)
	eventually(t, func() bool { return rk.store.DiscreteInputOn(0) }, "input not mirrored")

	rk.store.TurnCoilOn(2)

	status := rk.Status()
	if status.Name != "bench" {
		t.Errorf("got name %q, want bench", status.Name)
	}
	if status.OutputsEnabled {
		t.Error("outputs reported enabled on a fresh board")
	}
	if status.CoilsBank0 != 0x0004 {
		t.Errorf("got bank0 %#04x, want 0x0004", status.CoilsBank0)
	}
	if status.DiscreteInputs != 0x0001 {
		t.Errorf("got discrete inputs %#04x, want 0x0001", status.DiscreteInputs)
	}

	if !strings.HasSuffix(rk.MqttSubscribeTopic(), "bench/status/get") {
		t.Errorf("unexpected subscribe topic %q", rk.MqttSubscribeTopic())
	}
}
