// Package riokit exposes the digital I/O of a small controller board as a
// Modbus TCP slave: 10 input channels mirrored to discrete inputs, two banks
// of 10 output channels driven from coils, and an output enable interlock
// togglable from a local button or from the master via coil 31.
package riokit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/riolabs/riokit/console"
	"github.com/riolabs/riokit/drivers"
	"github.com/riolabs/riokit/modbustcp"
	"github.com/riolabs/riokit/mqtt"
	"github.com/riolabs/riokit/recorder"
	"github.com/riolabs/riokit/registers"
)

const defaultName = "riokit"
const defaultModbusAddr = ":502"
const defaultUnitID = 1

type RioKit struct {
	Name string

	// Channels overrides the pin assignment; nil picks the defaults.
	Channels *ChannelTable

	ModbusAddr string
	UnitID     byte

	MqttBroker   string
	ConsoleAddr  string
	ConsoleToken string

	Influx *recorder.InfluxRecorder

	Gpio         *drivers.GpIO
	Mcp23017     *drivers.McpIO
	ModbusRemote *drivers.ModbusIO
	FakeDriver   *drivers.MockIoDriver

	driver     drivers.IoDriver
	table      ChannelTable
	store      *registers.Store
	ioService  *IoService
	interlock  *Interlock
	indicator  *StatusIndicator
	bridge     *RegisterBridge
	server     *modbustcp.Server
	mqttClient *mqtt.MqttClient
	consoleSrv *console.Console
	logger     *log.Logger
}

func (rk *RioKit) activeDriver() (drivers.IoDriver, error) {
	configured := []drivers.IoDriver{}
	if rk.Gpio != nil {
		configured = append(configured, rk.Gpio)
	}
	if rk.Mcp23017 != nil {
		configured = append(configured, rk.Mcp23017)
	}
	if rk.ModbusRemote != nil {
		configured = append(configured, rk.ModbusRemote)
	}
	if rk.FakeDriver != nil {
		configured = append(configured, rk.FakeDriver)
	}

	if len(configured) == 0 {
		return nil, errors.New("no io driver configured")
	}
	if len(configured) > 1 {
		return nil, errors.New("more than one io driver configured, the board takes exactly one")
	}
	return configured[0], nil
}

// Init prepares hardware and register state: driver setup, pin
// configuration, output line resolution and probing of the initial input
// levels. Outputs start disabled.
func (rk *RioKit) Init(ctx context.Context) error {
	if len(rk.Name) == 0 {
		rk.Name = defaultName
	}
	if len(rk.ModbusAddr) == 0 {
		rk.ModbusAddr = defaultModbusAddr
	}
	if rk.UnitID == 0 {
		rk.UnitID = defaultUnitID
	}
	rk.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix: rk.Name + ": ",
		Level:  log.GetLevel(),
	})

	if rk.Channels != nil {
		rk.table = *rk.Channels
	} else {
		rk.table = DefaultChannelTable()
	}

	driver, err := rk.activeDriver()
	if err != nil {
		return err
	}
	rk.driver = driver

	rk.ioService = NewIoService(rk.table, driver, rk.logger)
	err = rk.ioService.Configure(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to configure io service")
	}

	outputs, err := resolveOutputLines(rk.table, driver)
	if err != nil {
		return errors.Wrap(err, "failed to resolve output lines")
	}

	led, err := driver.GetOutput(rk.table.StatusLed)
	if err != nil {
		return errors.Wrap(err, "failed to resolve status led line")
	}

	rk.store = registers.NewStore()
	rk.indicator = NewStatusIndicator(led, rk.logger)
	rk.interlock = NewInterlock(rk.store, outputs, rk.indicator, rk.logger)
	rk.interlock.OnChange(rk.publishInterlock)

	// Probe current input levels so masters see real state from the first
	// poll.
	for i := 0; i < NumIOChannels; i++ {
		level, err := rk.ioService.InputOn(i)
		if err != nil {
			return errors.Wrapf(err, "failed to probe input channel %d", i)
		}
		rk.store.SetDiscreteInput(i, level)
	}

	if rk.Influx != nil {
		err = rk.Influx.Setup()
		if err != nil {
			return errors.Wrap(err, "failed to set up influx recorder")
		}
	}

	if len(rk.ConsoleAddr) > 0 {
		rk.consoleSrv = &console.Console{Addr: rk.ConsoleAddr, Token: rk.ConsoleToken}
		err = rk.consoleSrv.Setup(rk)
		if err != nil {
			return errors.Wrap(err, "failed to set up status console")
		}
	}

	return nil
}

// Start brings up the capture path, the Modbus slave engine and the register
// bridge. Init must have succeeded.
func (rk *RioKit) Start(ctx context.Context) error {
	if rk.ioService == nil {
		return errors.New("riokit not initialized")
	}

	if len(rk.MqttBroker) > 0 {
		mc, err := mqtt.NewMqttClient(rk.MqttBroker, rk.Name)
		if err != nil {
			return errors.Wrap(err, "failed to create mqtt client")
		}
		err = mc.Connect([]mqtt.MqttHandler{rk})
		if err != nil {
			return errors.Wrap(err, "failed to connect to mqtt broker")
		}
		rk.mqttClient = mc
	}

	err := rk.ioService.Start(rk.onLocalToggle, rk.onInputChange)
	if err != nil {
		return errors.Wrap(err, "failed to start io service")
	}

	rk.server = modbustcp.NewServer(modbustcp.ServerConfig{
		Addr:           rk.ModbusAddr,
		UnitID:         rk.UnitID,
		Logger:         rk.logger,
		Coils:          modbustcp.AreaDescriptor{Start: 0, Size: registers.NumCoils},
		DiscreteInputs: modbustcp.AreaDescriptor{Start: 0, Size: registers.NumDiscreteInputs},
	}, rk.store)
	err = rk.server.Start()
	if err != nil {
		rk.ioService.Stop()
		return errors.Wrap(err, "failed to start modbus slave")
	}

	go rk.watchServer()

	var rec Recorder
	if rk.Influx != nil {
		rec = rk.Influx
	}
	rk.bridge = NewRegisterBridge(rk.server, rk.interlock, rec, rk.logger)
	rk.bridge.Start()

	rk.logger.Info("riokit started", "modbus", rk.ModbusAddr, "unit", rk.UnitID)
	return nil
}

// watchServer turns a fatal listener failure into the connection lost alarm:
// outputs and registers stay intact, but the operator is alerted that
// masters cannot reach the board anymore.
func (rk *RioKit) watchServer() {
	err := <-rk.server.Err()
	if err == nil {
		return
	}
	rk.logger.Error("modbus slave died", "err", err)
	rk.indicator.StartConnectionLostBlinker()
}

func (rk *RioKit) Close() (err error) {
	if rk.bridge != nil {
		rk.bridge.Stop()
	}
	if rk.server != nil {
		closeErr := rk.server.Close()
		if closeErr != nil {
			err = errors.Wrap(closeErr, "failed to close modbus slave")
		}
	}
	if rk.ioService != nil {
		stopErr := rk.ioService.Stop()
		if stopErr != nil && err == nil {
			err = errors.Wrap(stopErr, "failed to stop io service")
		}
	}
	if rk.consoleSrv != nil {
		rk.consoleSrv.Close()
	}
	if rk.Influx != nil {
		rk.Influx.Close()
	}
	if rk.mqttClient != nil {
		rk.mqttClient.Disconnect(context.Background())
	}
	if rk.driver != nil {
		closeErr := rk.driver.Close()
		if closeErr != nil && err == nil {
			err = errors.Wrap(closeErr, "failed to close io driver")
		}
	}

	return
}

func (rk *RioKit) onLocalToggle() {
	rk.interlock.ToggleLocal()
}

func (rk *RioKit) onInputChange(channel int) {
	level, err := rk.ioService.InputOn(channel)
	if err != nil {
		rk.logger.Error("failed to read changed input", "channel", channel, "err", err)
		return
	}

	rk.store.SetDiscreteInput(channel, level)
	rk.publishInput(channel, level)
}

// Status snapshots the register state for the console and mqtt.
func (rk *RioKit) Status() console.Status {
	bank0, bank1 := rk.store.CoilBanks()
	return console.Status{
		Name:           rk.Name,
		OutputsEnabled: rk.interlock.Enabled(),
		CoilsBank0:     bank0,
		CoilsBank1:     bank1,
		DiscreteInputs: rk.store.DiscreteInputs(),
		DroppedEdges:   rk.ioService.DroppedEdges(),
	}
}

func (rk *RioKit) MqttSubscribeTopic() string {
	return fmt.Sprintf("riokit/%s/status/get", rk.Name)
}

func (rk *RioKit) MqttHandle(pub *paho.Publish) {
	payload, err := json.Marshal(rk.Status())
	if err != nil {
		rk.logger.Error("failed to marshal status", "err", err)
		return
	}
	rk.publish(fmt.Sprintf("riokit/%s/status", rk.Name), payload)
}

func (rk *RioKit) publishInterlock(enabled bool) {
	rk.publish(fmt.Sprintf("riokit/%s/interlock", rk.Name), []byte(onOff(enabled)))
}

func (rk *RioKit) publishInput(channel int, level bool) {
	rk.publish(fmt.Sprintf("riokit/%s/input/%s", rk.Name, strconv.Itoa(channel)), []byte(onOff(level)))
}

func (rk *RioKit) publish(topic string, payload []byte) {
	if rk.mqttClient == nil {
		return
	}
	err := rk.mqttClient.Publish(topic, payload)
	if err != nil {
		rk.logger.Error("mqtt publish failed", "topic", topic, "err", err)
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func (rk *RioKit) PrintIoStatus(writer io.Writer) {
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "=== io board ===")
	fmt.Fprintf(writer, "| driver: %s\n", rk.driver)
	inputs, outputs := rk.driver.GetAllIo()
	fmt.Fprintf(writer, "| in pins: ")
	for _, inpin := range inputs {
		fmt.Fprintf(writer, "%d, ", inpin)
	}
	fmt.Fprintf(writer, "\n| out pins: ")
	for _, outpin := range outputs {
		fmt.Fprintf(writer, "%d, ", outpin)
	}
	fmt.Fprintln(writer)
	fmt.Fprintf(writer, "| outputs enabled: %v\n", rk.interlock.Enabled())
	fmt.Fprintln(writer, "----------------")
}
