// Command poll is a bench Modbus master for checking a running board:
// it dumps the coil banks and discrete inputs, and can write a single coil.
//
//	poll -addr 192.168.1.50:502 -write 31 -on     # enable outputs
//	poll -addr 192.168.1.50:502                   # dump register state
package main

import (
	"flag"
	"log"
	"time"

	"github.com/goburrow/modbus"
)

var (
	addr    = flag.String("addr", "127.0.0.1:502", "address of the modbus slave")
	unitID  = flag.Int("unit", 1, "slave unit id")
	write   = flag.Int("write", -1, "coil address to write before dumping state")
	on      = flag.Bool("on", false, "value for the written coil")
	timeout = flag.Duration("timeout", 3*time.Second, "request timeout")
)

func main() {
	flag.Parse()

	handler := modbus.NewTCPClientHandler(*addr)
	handler.Timeout = *timeout
	handler.SlaveId = byte(*unitID)

	err := handler.Connect()
	if err != nil {
		log.Fatalf("failed to connect to %s: %v", *addr, err)
	}
	defer handler.Close()

	client := modbus.NewClient(handler)

	if *write >= 0 {
		value := uint16(0x0000)
		if *on {
			value = 0xFF00
		}
		_, err = client.WriteSingleCoil(uint16(*write), value)
		if err != nil {
			log.Fatalf("coil write failed: %v", err)
		}
		log.Printf("coil %d written: %v", *write, *on)
	}

	coils, err := client.ReadCoils(0, 32)
	if err != nil {
		log.Fatalf("coils read failed: %v", err)
	}
	log.Printf("coils:           % x", coils)

	inputs, err := client.ReadDiscreteInputs(0, 16)
	if err != nil {
		log.Fatalf("discrete inputs read failed: %v", err)
	}
	log.Printf("discrete inputs: % x", inputs)
}
