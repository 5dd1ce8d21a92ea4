// Package recorder persists register access events for later inspection.
package recorder

import (
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/pkg/errors"

	"github.com/riolabs/riokit/modbustcp"
)

const defaultMeasurement = "register_event"

// InfluxRecorder writes one point per register access to an InfluxDB v2
// bucket. Writes go through the async write API, so recording never blocks
// the register bridge.
type InfluxRecorder struct {
	Host         string
	Organization string
	Bucket       string
	Token        string
	Measurement  string

	client   influxdb2.Client
	writeAPI api.WriteAPI
	ready    bool
}

func (ir *InfluxRecorder) Setup() error {
	if len(ir.Host) == 0 || len(ir.Bucket) == 0 {
		return errors.New("influx recorder requires Host and Bucket")
	}
	if len(ir.Measurement) == 0 {
		ir.Measurement = defaultMeasurement
	}

	ir.client = influxdb2.NewClient(ir.Host, ir.Token)
	ir.writeAPI = ir.client.WriteAPI(ir.Organization, ir.Bucket)
	ir.ready = true

	return nil
}

func (ir *InfluxRecorder) IsReady() bool {
	return ir.ready
}

func (ir *InfluxRecorder) Record(ev modbustcp.EventInfo) {
	if !ir.ready {
		return
	}

	point := influxdb2.NewPoint(ir.Measurement,
		map[string]string{
			"type": ev.Type.String(),
		},
		map[string]interface{}{
			"offset": int64(ev.Offset),
			"size":   int64(ev.Size),
		},
		ev.Timestamp)

	ir.writeAPI.WritePoint(point)
}

func (ir *InfluxRecorder) Close() error {
	if !ir.ready {
		return nil
	}
	ir.ready = false
	ir.writeAPI.Flush()
	ir.client.Close()
	return nil
}
