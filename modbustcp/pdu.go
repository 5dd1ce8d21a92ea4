package modbustcp

import (
	"encoding/binary"
	"time"

	"github.com/soypat/peamodbus"
)

const (
	maxReadBits  = 2000
	maxWriteBits = 1968

	coilValueOn  = 0xFF00
	coilValueOff = 0x0000
)

// handlePDU applies one request PDU against the data model and returns the
// response PDU plus the register event to report, if the access succeeded.
// A nil response means the PDU was too short to parse and the connection
// should be dropped.
func (s *Server) handlePDU(req []byte) ([]byte, *EventInfo) {
	if len(req) < 1 {
		return nil, nil
	}

	fc := peamodbus.FunctionCode(req[0])
	data := req[1:]

	switch fc {
	case peamodbus.FCReadCoils:
		return s.handleReadBits(fc, data, s.cfg.Coils, EventCoilsRead)
	case peamodbus.FCReadDiscreteInputs:
		return s.handleReadBits(fc, data, s.cfg.DiscreteInputs, EventDiscreteRead)
	case peamodbus.FCWriteSingleCoil:
		return s.handleWriteSingleCoil(data)
	case peamodbus.FCWriteMultipleCoils:
		return s.handleWriteMultipleCoils(data)
	}

	return exceptionResponse(fc, peamodbus.ExceptionIllegalFunction), nil
}

func (s *Server) handleReadBits(fc peamodbus.FunctionCode, data []byte, area AreaDescriptor, evType EventType) ([]byte, *EventInfo) {
	if len(data) < 4 {
		return nil, nil
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])

	if quantity == 0 || quantity > maxReadBits {
		return exceptionResponse(fc, peamodbus.ExceptionIllegalDataValue), nil
	}
	if !area.contains(addr, quantity) {
		return exceptionResponse(fc, peamodbus.ExceptionIllegalDataAddr), nil
	}

	byteCount := (quantity + 7) / 8
	resp := make([]byte, 2+byteCount)
	resp[0] = byte(fc)
	resp[1] = byte(byteCount)

	for i := uint16(0); i < quantity; i++ {
		var on bool
		var exc peamodbus.Exception
		if fc == peamodbus.FCReadCoils {
			on, exc = s.model.GetCoil(int(addr + i))
		} else {
			on, exc = s.model.GetDiscreteInput(int(addr + i))
		}
		if exc != peamodbus.ExceptionNone {
			return exceptionResponse(fc, exc), nil
		}
		if on {
			resp[2+i/8] |= 1 << (i % 8)
		}
	}

	return resp, &EventInfo{Type: evType, Offset: addr, Size: quantity, Timestamp: time.Now()}
}

func (s *Server) handleWriteSingleCoil(data []byte) ([]byte, *EventInfo) {
	if len(data) < 4 {
		return nil, nil
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	if value != coilValueOn && value != coilValueOff {
		return exceptionResponse(peamodbus.FCWriteSingleCoil, peamodbus.ExceptionIllegalDataValue), nil
	}
	if !s.cfg.Coils.contains(addr, 1) {
		return exceptionResponse(peamodbus.FCWriteSingleCoil, peamodbus.ExceptionIllegalDataAddr), nil
	}

	if exc := s.model.SetCoil(int(addr), value == coilValueOn); exc != peamodbus.ExceptionNone {
		return exceptionResponse(peamodbus.FCWriteSingleCoil, exc), nil
	}

	resp := make([]byte, 5)
	resp[0] = byte(peamodbus.FCWriteSingleCoil)
	copy(resp[1:], data[:4])

	return resp, &EventInfo{Type: EventCoilsWrite, Offset: addr, Size: 1, Timestamp: time.Now()}
}

func (s *Server) handleWriteMultipleCoils(data []byte) ([]byte, *EventInfo) {
	if len(data) < 5 {
		return nil, nil
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])
	byteCount := int(data[4])

	if quantity == 0 || quantity > maxWriteBits || byteCount != int(quantity+7)/8 {
		return exceptionResponse(peamodbus.FCWriteMultipleCoils, peamodbus.ExceptionIllegalDataValue), nil
	}
	if len(data) < 5+byteCount {
		return nil, nil
	}
	if !s.cfg.Coils.contains(addr, quantity) {
		return exceptionResponse(peamodbus.FCWriteMultipleCoils, peamodbus.ExceptionIllegalDataAddr), nil
	}

	bits := data[5 : 5+byteCount]
	for i := uint16(0); i < quantity; i++ {
		on := bits[i/8]&(1<<(i%8)) != 0
		if exc := s.model.SetCoil(int(addr+i), on); exc != peamodbus.ExceptionNone {
			return exceptionResponse(peamodbus.FCWriteMultipleCoils, exc), nil
		}
	}

	resp := make([]byte, 5)
	resp[0] = byte(peamodbus.FCWriteMultipleCoils)
	binary.BigEndian.PutUint16(resp[1:3], addr)
	binary.BigEndian.PutUint16(resp[3:5], quantity)

	return resp, &EventInfo{Type: EventCoilsWrite, Offset: addr, Size: quantity, Timestamp: time.Now()}
}

func (a AreaDescriptor) contains(addr, quantity uint16) bool {
	return addr >= a.Start && uint32(addr)+uint32(quantity) <= uint32(a.Start)+uint32(a.Size)
}

func exceptionResponse(fc peamodbus.FunctionCode, exc peamodbus.Exception) []byte {
	return []byte{byte(fc) | 0x80, exceptionCode(exc)}
}

// exceptionCode maps model exceptions onto wire codes explicitly instead of
// relying on the library's numeric values.
func exceptionCode(exc peamodbus.Exception) byte {
	switch exc {
	case peamodbus.ExceptionIllegalFunction:
		return 0x01
	case peamodbus.ExceptionIllegalDataAddr:
		return 0x02
	case peamodbus.ExceptionIllegalDataValue:
		return 0x03
	}
	return 0x04
}
