// Package vna triggers sweeps on the network analyzer. The analyzer's own
// protocol is out of scope; the stand only pulses its external-trigger input
// through a relay and, where the bench is wired for it, reads the
// sweep-complete line back on a discrete input.
package vna

import (
	"context"
	"fmt"
	"time"

	"github.com/mgrady/stand_interface/config"
	"github.com/mgrady/stand_interface/internal/modbus"
)

// pulseWidth is how long the trigger coil stays closed. The analyzer's
// external-trigger input latches on edges shorter than this.
const pulseWidth = 200 * time.Millisecond

// Relay drives the analyzer trigger through a Modbus relay bank.
type Relay struct {
	client *modbus.Client
	coil   int
	// input is the sweep-complete discrete input, or -1 if not wired.
	input int
}

// NewRelay builds a relay trigger from configuration. Returns nil when no
// relay is configured.
func NewRelay(cfg config.VNA) *Relay {
	if cfg.Port == "" && cfg.URL == "" {
		return nil
	}
	return &Relay{
		client: &modbus.Client{
			Port:     cfg.Port,
			BaudRate: cfg.Baud,
			URL:      cfg.URL,
			SlaveId:  1,
		},
		coil:  cfg.Coil,
		input: cfg.Input,
	}
}

// Start pulses the trigger coil.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.client.WriteCoil(r.coil, true); err != nil {
		return fmt.Errorf("closing trigger coil %d: %w", r.coil, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pulseWidth):
	}
	if err := r.client.WriteCoil(r.coil, false); err != nil {
		return fmt.Errorf("opening trigger coil %d: %w", r.coil, err)
	}
	return nil
}

// Complete reads the analyzer's sweep-complete line. Benches without that
// wiring report false and the sequencer waits out the configured dwell.
func (r *Relay) Complete() (bool, error) {
	if r.input < 0 {
		return false, nil
	}
	return r.client.ReadInput(r.input)
}

func (r *Relay) Close() error {
	return r.client.Close()
}
