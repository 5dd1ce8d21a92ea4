// Package registers holds the shared Modbus register state of the remote I/O
// board: two coil banks for the output channels and one discrete input word.
//
// Coil address space:
//
//	0..9    output bank 0, lines 0..9
//	10..15  reserved
//	16..25  output bank 1, lines 0..9
//	26..30  reserved
//	31      output enable (interlock mirror)
//
// Discrete input address space:
//
//	0..9    input lines 0..9
//	10..15  reserved
//
// The store is shared between the edge consumer, the interlock controller and
// the protocol engine; every access goes through a short critical section.
package registers

import (
	"sync"

	"github.com/soypat/peamodbus"
)

const (
	// NumIOChannels is the number of physical lines per direction and per bank.
	NumIOChannels = 10

	// BankSize is the width of one coil bank word.
	BankSize = 16

	// NumCoils is the size of the coil address space (two bank words).
	NumCoils = 2 * BankSize

	// NumDiscreteInputs is the size of the discrete input address space.
	NumDiscreteInputs = BankSize

	// OECoilAddr is the coil mirroring the output enable interlock. It sits
	// just above the bank 1 output range and never maps to a physical line.
	OECoilAddr = 31
)

// Store is the concurrency-guarded register state. The zero value is ready to
// use: all coils off, all discrete inputs low, which matches the power-on
// state of the board.
type Store struct {
	mu sync.Mutex

	coilsBank0     uint16
	coilsBank1     uint16
	discreteInputs uint16
}

func NewStore() *Store {
	return &Store{}
}

// CoilOn reports whether the coil at the given address is set.
// Out of range addresses read as off.
func (s *Store) CoilOn(addr uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coilOnLocked(addr)
}

func (s *Store) coilOnLocked(addr uint16) bool {
	if addr < BankSize {
		return s.coilsBank0&(1<<addr) != 0
	}
	if addr < NumCoils {
		return s.coilsBank1&(1<<(addr-BankSize)) != 0
	}
	return false
}

// TurnCoilOn sets the coil at the given address. Out of range addresses are
// ignored.
func (s *Store) TurnCoilOn(addr uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr < BankSize {
		s.coilsBank0 |= 1 << addr
	} else if addr < NumCoils {
		s.coilsBank1 |= 1 << (addr - BankSize)
	}
}

// TurnCoilOff clears the coil at the given address. Out of range addresses
// are ignored.
func (s *Store) TurnCoilOff(addr uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr < BankSize {
		s.coilsBank0 &^= 1 << addr
	} else if addr < NumCoils {
		s.coilsBank1 &^= 1 << (addr - BankSize)
	}
}

// CoilBanks returns both coil bank words.
func (s *Store) CoilBanks() (bank0, bank1 uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coilsBank0, s.coilsBank1
}

// DiscreteInputOn reports whether the discrete input at the given address is
// set.
func (s *Store) DiscreteInputOn(addr uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addr < NumDiscreteInputs && s.discreteInputs&(1<<addr) != 0
}

// DiscreteInputs returns the discrete input word.
func (s *Store) DiscreteInputs() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discreteInputs
}

// The store doubles as the data model served by the Modbus engine, so masters
// read and write the very same words the I/O path operates on.
var _ peamodbus.DataModel = (*Store)(nil)

func (s *Store) GetCoil(i int) (bool, peamodbus.Exception) {
	if i < 0 || i >= NumCoils {
		return false, peamodbus.ExceptionIllegalDataAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coilOnLocked(uint16(i)), peamodbus.ExceptionNone
}

func (s *Store) SetCoil(i int, value bool) peamodbus.Exception {
	if i < 0 || i >= NumCoils {
		return peamodbus.ExceptionIllegalDataAddr
	}
	if value {
		s.TurnCoilOn(uint16(i))
	} else {
		s.TurnCoilOff(uint16(i))
	}
	return peamodbus.ExceptionNone
}

func (s *Store) GetDiscreteInput(i int) (bool, peamodbus.Exception) {
	if i < 0 || i >= NumDiscreteInputs {
		return false, peamodbus.ExceptionIllegalDataAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discreteInputs&(1<<i) != 0, peamodbus.ExceptionNone
}

// SetDiscreteInput mirrors a sampled input level into the register state.
// Only the event consumer writes here; the protocol engine treats the area as
// read-only.
func (s *Store) SetDiscreteInput(i int, value bool) peamodbus.Exception {
	if i < 0 || i >= NumDiscreteInputs {
		return peamodbus.ExceptionIllegalDataAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if value {
		s.discreteInputs |= 1 << i
	} else {
		s.discreteInputs &^= 1 << i
	}
	return peamodbus.ExceptionNone
}

// The board has no word-sized registers.

func (s *Store) GetInputRegister(i int) (uint16, peamodbus.Exception) {
	return 0, peamodbus.ExceptionIllegalDataAddr
}

func (s *Store) SetInputRegister(i int, value uint16) peamodbus.Exception {
	return peamodbus.ExceptionIllegalDataAddr
}

func (s *Store) GetHoldingRegister(i int) (uint16, peamodbus.Exception) {
	return 0, peamodbus.ExceptionIllegalDataAddr
}

func (s *Store) SetHoldingRegister(i int, value uint16) peamodbus.Exception {
	return peamodbus.ExceptionIllegalDataAddr
}
