package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hubertat/servicemaker"

	riokit "github.com/riolabs/riokit"
)

var (
	Version string
	Build   string

	config      = flag.String("config", "config.json", "path of the configuration file")
	flagInstall = flag.Bool("install", false, "Install service in os")

	rioService = servicemaker.ServiceMaker{
		User:               "riokit",
		UserGroups:         []string{"gpio"},
		ServicePath:        "/etc/systemd/system/riokit.service",
		ServiceDescription: "riokit service: Modbus TCP remote I/O slave with output enable interlock",
		ExecDir:            "/srv/riokit",
		ExecName:           "riokit",
	}
)

func main() {
	log.Printf("riokit %s started\n", Version)
	flag.Parse()

	if *flagInstall {
		err := rioService.InstallService()
		if err != nil {
			panic(err)
		} else {
			log.Println("service installed!")
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rk := &riokit.RioKit{}
	configFile, err := os.Open(*config)
	if err == nil {
		cBuff, err := io.ReadAll(configFile)
		if err != nil {
			log.Fatalf("failed reading config file: %v\n", err)
		}

		err = json.Unmarshal(cBuff, rk)
		if err != nil {
			log.Fatalf("failed unmarshalling json config: %v", err)
		}
	} else {
		log.Fatalf("can't find/open config file (%s), will terminate. Reason: \n%v\n", *config, err)
	}

	log.Println("will init riokit...")
	err = rk.Init(ctx)
	defer rk.Close()
	if err != nil {
		panic(err)
	}

	rk.PrintIoStatus(os.Stdout)

	err = rk.Start(ctx)
	if err != nil {
		panic(err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	signal.Notify(c, syscall.SIGTERM)
	<-c

	log.Println("riokit terminating")
}
