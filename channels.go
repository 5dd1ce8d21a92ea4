package riokit

import "github.com/riolabs/riokit/registers"

// NumIOChannels is the number of input lines and of output lines per bank.
const NumIOChannels = registers.NumIOChannels

// ChannelTable is the static pin assignment of the board: input channels,
// the two output banks, the output enable button and the status LED. It is
// fixed after startup; everything else refers to lines by channel index.
type ChannelTable struct {
	Inputs [NumIOChannels]uint16
	Bank0  [NumIOChannels]uint16
	Bank1  [NumIOChannels]uint16

	Button    uint16
	StatusLed uint16
}

// DefaultChannelTable numbers the lines sequentially, which suits the mock
// driver and expander boards. Pi GPIO deployments set their own table in the
// config file.
func DefaultChannelTable() ChannelTable {
	table := ChannelTable{
		Button:    30,
		StatusLed: 31,
	}
	for i := 0; i < NumIOChannels; i++ {
		table.Inputs[i] = uint16(i)
		table.Bank0[i] = uint16(10 + i)
		table.Bank1[i] = uint16(20 + i)
	}
	return table
}

// InputPins lists the watched input lines, button included.
func (ct ChannelTable) InputPins() []uint16 {
	pins := make([]uint16, 0, NumIOChannels+1)
	pins = append(pins, ct.Inputs[:]...)
	pins = append(pins, ct.Button)
	return pins
}

// OutputPins lists both banks plus the status LED.
func (ct ChannelTable) OutputPins() []uint16 {
	pins := make([]uint16, 0, 2*NumIOChannels+1)
	pins = append(pins, ct.Bank0[:]...)
	pins = append(pins, ct.Bank1[:]...)
	pins = append(pins, ct.StatusLed)
	return pins
}

// ChannelForInputPin resolves a raw pin number back to its input channel
// index.
func (ct ChannelTable) ChannelForInputPin(pin uint16) (int, bool) {
	for i, p := range ct.Inputs {
		if p == pin {
			return i, true
		}
	}
	return 0, false
}
