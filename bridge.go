package riokit

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/riolabs/riokit/modbustcp"
)

const eventWaitTimeout = time.Second

// Recorder persists register access events. Record must not block the
// bridge; implementations buffer or drop.
type Recorder interface {
	Record(ev modbustcp.EventInfo)
}

// RegisterBridge watches the protocol engine for register accesses. Reads
// are observed only; coil writes are handed to the interlock controller,
// which reconciles state and outputs. The bridge itself never touches the
// register store.
type RegisterBridge struct {
	engine    modbustcp.Engine
	interlock *Interlock
	recorder  Recorder
	logger    *log.Logger

	done chan struct{}
}

func NewRegisterBridge(engine modbustcp.Engine, interlock *Interlock, recorder Recorder, logger *log.Logger) *RegisterBridge {
	if logger == nil {
		logger = log.Default()
	}
	return &RegisterBridge{
		engine:    engine,
		interlock: interlock,
		recorder:  recorder,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

func (rb *RegisterBridge) Start() {
	go rb.run()
}

func (rb *RegisterBridge) Stop() {
	select {
	case <-rb.done:
	default:
		close(rb.done)
	}
}

func (rb *RegisterBridge) run() {
	mask := modbustcp.EventDiscreteRead | modbustcp.EventCoilsRead | modbustcp.EventCoilsWrite

	rb.logger.Info("register bridge running")
	for {
		select {
		case <-rb.done:
			return
		default:
		}

		ev, err := rb.engine.WaitForEvent(mask, eventWaitTimeout)
		if errors.Is(err, modbustcp.ErrNoEvent) {
			continue
		}
		if err != nil {
			rb.logger.Error("register event wait failed", "err", err)
			return
		}

		rb.logger.Info("register access",
			"type", ev.Type.String(),
			"offset", ev.Offset,
			"size", ev.Size,
			"at", ev.Timestamp.Format(time.RFC3339Nano))

		if rb.recorder != nil {
			rb.recorder.Record(ev)
		}

		if ev.Type&modbustcp.EventCoilsWrite != 0 {
			rb.interlock.HandleRemoteCoilWrite()
		}
	}
}
