package riokit

import (
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/riolabs/riokit/drivers"
	"github.com/riolabs/riokit/registers"
)

// OutputLines holds the resolved physical output lines of both banks.
type OutputLines struct {
	Bank0 [NumIOChannels]drivers.DigitalOutput
	Bank1 [NumIOChannels]drivers.DigitalOutput
}

func resolveOutputLines(table ChannelTable, driver drivers.IoDriver) (*OutputLines, error) {
	lines := &OutputLines{}
	for i := 0; i < NumIOChannels; i++ {
		out, err := driver.GetOutput(table.Bank0[i])
		if err != nil {
			return nil, errors.Wrapf(err, "bank 0 line %d missing", i)
		}
		lines.Bank0[i] = out

		out, err = driver.GetOutput(table.Bank1[i])
		if err != nil {
			return nil, errors.Wrapf(err, "bank 1 line %d missing", i)
		}
		lines.Bank1[i] = out
	}
	return lines, nil
}

// Interlock gates the physical outputs. Coils may be written at any time,
// but lines are only driven while the interlock is enabled; disabling forces
// every line off regardless of coil state. Coil 31 mirrors the state for
// masters and is kept in sync in both directions.
type Interlock struct {
	store     *registers.Store
	outputs   *OutputLines
	indicator *StatusIndicator
	logger    *log.Logger

	// onChange, when set, is told about every state transition. Called
	// outside the interlock's critical section.
	onChange func(enabled bool)

	mu      sync.Mutex
	enabled bool
}

func NewInterlock(store *registers.Store, outputs *OutputLines, indicator *StatusIndicator, logger *log.Logger) *Interlock {
	if logger == nil {
		logger = log.Default()
	}
	return &Interlock{
		store:     store,
		outputs:   outputs,
		indicator: indicator,
		logger:    logger,
	}
}

func (il *Interlock) OnChange(fn func(enabled bool)) {
	il.onChange = fn
}

func (il *Interlock) Enabled() bool {
	il.mu.Lock()
	defer il.mu.Unlock()
	return il.enabled
}

// ToggleLocal flips the interlock in response to a debounced button press.
func (il *Interlock) ToggleLocal() {
	il.mu.Lock()
	if il.enabled {
		il.disableLocked()
	} else {
		il.enableLocked()
		il.store.TurnCoilOn(registers.OECoilAddr)
	}
	enabled := il.enabled
	il.mu.Unlock()

	il.logger.Info("digital outputs toggled", "enabled", enabled)
	il.notify(enabled)
}

// HandleRemoteCoilWrite reconciles the interlock with the mirror coil after
// any master coil write. While enabled and the mirror untouched, the usual
// case, it re-drives the outputs so freshly written coil values take effect
// immediately.
func (il *Interlock) HandleRemoteCoilWrite() {
	il.mu.Lock()
	requested := il.store.CoilOn(registers.OECoilAddr)

	changed := false
	switch {
	case il.enabled && !requested:
		il.disableLocked()
		changed = true
	case il.enabled && requested:
		il.updateOutputsLocked()
	case !il.enabled && requested:
		// Mirror coil already set by the writer.
		il.enableLocked()
		changed = true
	default:
		// Disabled and not requested: nothing to do.
	}
	enabled := il.enabled
	il.mu.Unlock()

	if changed {
		il.logger.Info("digital outputs switched by master", "enabled", enabled)
		il.notify(enabled)
	}
}

// disableLocked forces every output line off and clears the mirror coil.
// Each call performs the forcing actions, even when already disabled.
func (il *Interlock) disableLocked() {
	il.enabled = false
	il.store.TurnCoilOff(registers.OECoilAddr)
	for i := 0; i < NumIOChannels; i++ {
		il.outputs.Bank0[i].Set(false)
		il.outputs.Bank1[i].Set(false)
	}
	il.indicator.Set(false)
}

// enableLocked drives the outputs to match the coils before announcing the
// enabled state on the indicator.
func (il *Interlock) enableLocked() {
	il.updateOutputsLocked()
	il.enabled = true
	il.indicator.Set(true)
}

// updateOutputsLocked mirrors every output coil onto its physical line.
func (il *Interlock) updateOutputsLocked() {
	for i := 0; i < NumIOChannels; i++ {
		il.outputs.Bank0[i].Set(il.store.CoilOn(uint16(i)))
		il.outputs.Bank1[i].Set(il.store.CoilOn(uint16(i) + registers.BankSize))
	}
}

func (il *Interlock) notify(enabled bool) {
	if il.onChange != nil {
		il.onChange(enabled)
	}
}
