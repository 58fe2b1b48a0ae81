// Command stand is the tilt test stand daemon. It owns the serial link to
// the stand firmware, runs the test sequencer, and exposes status and
// control over HTTP/WebSocket and a plain-text TCP control socket.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/mgrady/stand_interface/config"
	"github.com/mgrady/stand_interface/firmware"
	"github.com/mgrady/stand_interface/link"
	"github.com/mgrady/stand_interface/motion"
	"github.com/mgrady/stand_interface/protocol"
	"github.com/mgrady/stand_interface/sequencer"
	"github.com/mgrady/stand_interface/vna"
)

var (
	configPath  = flag.String("config", "stand.yaml", "configuration file")
	serialPort  = flag.String("serial", "", "serial port (overrides config)")
	baudRate    = flag.Int("baud", 0, "baud rate (overrides config)")
	listenAddr  = flag.String("listen", ":8502", "http listen address")
	controlAddr = flag.String("control", ":4533", "tcp control socket address")
	dataDir     = flag.String("data_dir", "data", "directory for capture CSVs and the run counter")
	simMode     = flag.Bool("sim", false, "use the in-process firmware simulator instead of hardware")
)

func main() {
	flag.Parse()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || *configPath != "stand.yaml" {
			log.Fatal(err)
		}
		log.Printf("no config at %q; using defaults", *configPath)
		cfg = config.Default()
	}
	if *serialPort != "" {
		cfg.Stand.Port = *serialPort
	}
	if *baudRate != 0 {
		cfg.Stand.Baud = *baudRate
	}

	g, ctx := errgroup.WithContext(ctx)

	var l *link.Link
	if *simMode {
		sim, conn := firmware.NewSimulator()
		g.Go(func() error { return sim.Run(ctx) })
		l = link.New(conn)
		log.Print("running against the firmware simulator")
	} else {
		if cfg.Stand.Port == "" {
			log.Fatal("no serial port configured; pass -serial or set stand.port")
		}
		l, err = link.Open(cfg.Stand.Port, cfg.Stand.Baud)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("opened %q at %d baud", cfg.Stand.Port, cfg.Stand.Baud)
	}
	defer l.Close()

	client := protocol.Connect(ctx, l, protocol.Config{
		QueueSize: cfg.Stand.QueueSize,
		Timeouts:  verbTimeouts(cfg.Stand.TimeoutsSeconds),
	})

	srv := NewServer(cfg.Test)
	recorder, err := NewRecorder(*dataDir)
	if err != nil {
		log.Fatal(err)
	}
	defer recorder.Close()

	var trigger sequencer.SweepTrigger
	if relay := vna.NewRelay(cfg.VNA); relay != nil {
		defer relay.Close()
		trigger = relay
		log.Print("analyzer trigger relay configured")
	}

	seq := sequencer.New(client, sequencer.Options{
		Geometry: motion.Geometry{
			StepsPerDegree: cfg.Stand.StepsPerDegree,
			MinAngle:       cfg.Stand.MinAngle,
			MaxAngle:       cfg.Stand.MaxAngle,
		},
		Trigger:         trigger,
		FirstRun:        recorder.NextRun(),
		StatusCallback:  srv.statusCallback,
		CaptureCallback: recorder.Record,
		RunCallback:     recorder.CloseRun,
	})
	srv.seq = seq

	// Run the firmware self-test once at startup so operators see a bad
	// sensor before a run wastes an hour.
	g.Go(func() error {
		srv.runSelfTest(ctx, client)
		return nil
	})

	g.Go(func() error { return seq.Run(ctx) })
	g.Go(func() error { return srv.ListenControl(ctx, *controlAddr) })

	r := mux.NewRouter()
	r.HandleFunc("/api/status", srv.StatusHandler)
	r.HandleFunc("/api/ws", srv.StatusSocketHandler)
	httpSrv := &http.Server{
		Handler:      r,
		Addr:         *listenAddr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	g.Go(func() error {
		<-ctx.Done()
		return httpSrv.Close()
	})
	g.Go(func() error {
		log.Printf("listening on %s", *listenAddr)
		return httpSrv.ListenAndServe()
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-sig:
			log.Printf("received %v; shutting down", s)
			cancel()
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func verbTimeouts(seconds map[string]float64) map[protocol.Verb]time.Duration {
	if len(seconds) == 0 {
		return nil
	}
	out := make(map[protocol.Verb]time.Duration, len(seconds))
	for verb, s := range seconds {
		out[protocol.Verb(verb)] = time.Duration(s * float64(time.Second))
	}
	return out
}
