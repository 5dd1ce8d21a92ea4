// Package console serves a small read-only HTTP status endpoint for
// commissioning and bench checks. It deliberately offers no way to write
// coils or toggle the interlock; control paths stay with the button and the
// fieldbus.
package console

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

const httpTimeoutsMs = 3000

// Status is the board snapshot reported to the operator.
type Status struct {
	Name           string `json:"name"`
	OutputsEnabled bool   `json:"outputs_enabled"`
	CoilsBank0     uint16 `json:"coils_bank0"`
	CoilsBank1     uint16 `json:"coils_bank1"`
	DiscreteInputs uint16 `json:"discrete_inputs"`
	DroppedEdges   uint64 `json:"dropped_edges"`
}

// StatusSource produces the current snapshot.
type StatusSource interface {
	Status() Status
}

type Console struct {
	Addr  string
	Token string

	source StatusSource
	server *http.Server
	ready  bool

	serverErr chan error
}

func (c *Console) IsReady() bool {
	return c.ready
}

func (c *Console) Setup(source StatusSource) error {
	c.source = source

	handler := httprouter.New()
	handler.GET("/status/token/:token", c.handleStatus)

	httpTimeout := httpTimeoutsMs * time.Millisecond

	c.server = &http.Server{
		Addr:              c.Addr,
		Handler:           handler,
		ReadTimeout:       httpTimeout,
		ReadHeaderTimeout: httpTimeout,
		WriteTimeout:      httpTimeout,
		IdleTimeout:       2 * httpTimeout,
	}

	// Buffered so the serve goroutine never blocks on its exit report.
	c.serverErr = make(chan error, 1)

	c.ready = true
	go func() {
		c.serverErr <- c.server.ListenAndServe()
		c.ready = false
	}()

	return nil
}

func (c *Console) Close() error {
	if c.server == nil {
		return nil
	}
	return c.server.Close()
}

func (c *Console) handleStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !strings.EqualFold(p.ByName("token"), c.Token) {
		http.Error(w, "token mismatch", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c.source.Status())
}
