// Package modbustcp is a small Modbus TCP slave engine. It serves coil and
// discrete input areas out of a peamodbus.DataModel and reports every master
// access as a register event that the owner can wait on, in the manner of a
// classic slave stack's event queue.
//
// Supported functions: Read Coils (1), Read Discrete Inputs (2), Write
// Single Coil (5), Write Multiple Coils (15). Everything else is answered
// with an illegal function exception.
package modbustcp

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/soypat/peamodbus"
)

// EventType is a bitmask of register access classes.
type EventType uint8

const (
	EventDiscreteRead EventType = 1 << iota
	EventCoilsRead
	EventCoilsWrite
)

func (t EventType) String() string {
	switch t {
	case EventDiscreteRead:
		return "discrete_read"
	case EventCoilsRead:
		return "coils_read"
	case EventCoilsWrite:
		return "coils_write"
	}
	return fmt.Sprintf("event(%#02x)", uint8(t))
}

// EventInfo describes one master access to a register area.
type EventInfo struct {
	Type      EventType
	Offset    uint16
	Size      uint16
	Timestamp time.Time
}

// Engine is the slave side surface the register bridge consumes.
type Engine interface {
	// WaitForEvent blocks until a register event matching mask occurs or the
	// timeout elapses, in which case it returns ErrNoEvent. Events not
	// matching the mask are discarded.
	WaitForEvent(mask EventType, timeout time.Duration) (EventInfo, error)
}

// ErrNoEvent is returned by WaitForEvent when the timeout elapses with no
// matching register access. Callers retry.
var ErrNoEvent = errors.New("no register event")

// AreaDescriptor binds a register area into the engine's address space.
type AreaDescriptor struct {
	Start uint16
	Size  uint16
}

const (
	mbapHeaderSize = 7
	maxPDUSize     = 253
	eventQueueSize = 16
)

type ServerConfig struct {
	Addr   string
	UnitID byte
	Logger *log.Logger

	Coils          AreaDescriptor
	DiscreteInputs AreaDescriptor
}

// Server listens for Modbus TCP masters and serves the bound data model.
type Server struct {
	cfg    ServerConfig
	model  peamodbus.DataModel
	logger *log.Logger

	ln     net.Listener
	events chan EventInfo
	errs   chan error
	closed atomic.Bool

	// Coil writes are latched here instead of queued: a full event queue may
	// cost read observations, never a write notification. Back-to-back writes
	// coalesce into one event covering both ranges.
	writeMu      sync.Mutex
	pendingWrite *EventInfo
	writeReady   chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewServer(cfg ServerConfig, model peamodbus.DataModel) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Server{
		cfg:        cfg,
		model:      model,
		logger:     logger,
		events:     make(chan EventInfo, eventQueueSize),
		errs:       make(chan error, 1),
		writeReady: make(chan struct{}, 1),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and launches the accept loop. A later fatal
// listener error is delivered on Err.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "modbus slave failed to listen on %s", s.cfg.Addr)
	}
	s.ln = ln
	s.logger.Info("modbus slave listening", "addr", ln.Addr().String())

	go s.acceptLoop()
	return nil
}

// Err delivers the fatal accept-loop error once the listener dies for a
// reason other than Close.
func (s *Server) Err() <-chan error {
	return s.errs
}

// Addr returns the bound listener address, useful when Addr was ":0".
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	return err
}

func (s *Server) WaitForEvent(mask EventType, timeout time.Duration) (EventInfo, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if mask&EventCoilsWrite != 0 {
			if ev, latched := s.takePendingWrite(); latched {
				return ev, nil
			}
		}

		select {
		case ev := <-s.events:
			if ev.Type&mask != 0 {
				return ev, nil
			}
		case <-s.writeReady:
		case <-timer.C:
			return EventInfo{}, ErrNoEvent
		}
	}
}

func (s *Server) takePendingWrite() (EventInfo, bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.pendingWrite == nil {
		return EventInfo{}, false
	}
	ev := *s.pendingWrite
	s.pendingWrite = nil
	return ev, true
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.logger.Error("modbus slave listener failed", "err", err)
			select {
			case s.errs <- err:
			default:
			}
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.logger.Info("master connected", "remote", conn.RemoteAddr().String())
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.logger.Info("master disconnected", "remote", conn.RemoteAddr().String())
	}()

	header := make([]byte, mbapHeaderSize)
	pdu := make([]byte, maxPDUSize)

	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		protocolID := uint16(header[2])<<8 | uint16(header[3])
		length := uint16(header[4])<<8 | uint16(header[5])
		if protocolID != 0 || length < 2 || length > maxPDUSize+1 {
			s.logger.Warn("dropping malformed frame", "remote", conn.RemoteAddr().String(), "protocol", protocolID, "length", length)
			return
		}

		req := pdu[:length-1]
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}

		unit := header[6]
		if s.cfg.UnitID != 0 && unit != 0 && unit != s.cfg.UnitID {
			s.logger.Debug("ignoring request for other unit", "unit", unit)
			continue
		}

		resp, ev := s.handlePDU(req)
		if resp == nil {
			return
		}
		if ev != nil {
			s.pushEvent(*ev)
		}

		respLen := len(resp) + 1
		header[4] = byte(respLen >> 8)
		header[5] = byte(respLen)
		if _, err := conn.Write(append(header[:mbapHeaderSize:mbapHeaderSize], resp...)); err != nil {
			return
		}
	}
}

func (s *Server) pushEvent(ev EventInfo) {
	if ev.Type == EventCoilsWrite {
		s.latchWrite(ev)
		return
	}

	select {
	case s.events <- ev:
	default:
		// Event queue full: the observer is behind, drop the read
		// observation. Register state is unaffected.
	}
}

func (s *Server) latchWrite(ev EventInfo) {
	s.writeMu.Lock()
	if s.pendingWrite == nil {
		s.pendingWrite = &ev
	} else {
		start := s.pendingWrite.Offset
		if ev.Offset < start {
			start = ev.Offset
		}
		end := s.pendingWrite.Offset + s.pendingWrite.Size
		if ev.Offset+ev.Size > end {
			end = ev.Offset + ev.Size
		}
		s.pendingWrite.Offset = start
		s.pendingWrite.Size = end - start
		s.pendingWrite.Timestamp = ev.Timestamp
	}
	s.writeMu.Unlock()

	select {
	case s.writeReady <- struct{}{}:
	default:
	}
}

