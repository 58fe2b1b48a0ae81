// Package config loads and validates the stand and test configuration from a
// YAML file. A Test value is immutable for the lifetime of a run; it is
// validated here, before it ever reaches the sequencer.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the top-level configuration document.
type File struct {
	Stand Stand `yaml:"stand"`
	Test  Test  `yaml:"test"`
	VNA   VNA   `yaml:"vna"`
}

// Stand describes the hardware wiring and protocol tuning.
type Stand struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
	// StepsPerDegree must match the firmware's calibration constant.
	StepsPerDegree float64 `yaml:"steps_per_degree"`
	MinAngle       float64 `yaml:"min_angle"`
	MaxAngle       float64 `yaml:"max_angle"`
	// QueueSize must match the firmware receive buffer (10 on the
	// deployed boards). Changing it without reflashing desynchronizes
	// the stand under load.
	QueueSize int `yaml:"queue_size"`
	// TimeoutsSeconds overrides per-verb response deadlines.
	TimeoutsSeconds map[string]float64 `yaml:"timeouts_seconds"`
}

// Test describes one angle-sweep test profile.
type Test struct {
	// Mode selects the profile: "tilt" sweeps from the start angle;
	// "fill" homes with FILL_HOME and captures at the home position
	// before sweeping.
	Mode string `yaml:"mode"`

	StartAngle float64 `yaml:"start_angle"`
	EndAngle   float64 `yaml:"end_angle"`
	Increment  float64 `yaml:"increment"`

	DwellSeconds      float64 `yaml:"dwell_seconds"`
	VNADwellSeconds   float64 `yaml:"vna_dwell_seconds"`
	DrainDelaySeconds float64 `yaml:"drain_delay_seconds"`

	RunCount int    `yaml:"run_count"`
	Axes     []Axis `yaml:"axes"`

	// LevelToleranceDegrees is how close to zero the platform must read
	// after homing before the sweep may start.
	LevelToleranceDegrees float64 `yaml:"level_tolerance_degrees"`
	LevelTimeoutSeconds   float64 `yaml:"level_timeout_seconds"`
}

// Axis is one sweep axis with its travel limits.
type Axis struct {
	Name     string  `yaml:"name"`
	MinAngle float64 `yaml:"min_angle"`
	MaxAngle float64 `yaml:"max_angle"`
}

// VNA describes the network-analyzer trigger relay, if present.
type VNA struct {
	// Port or URL selects a local Modbus RTU port or the lab's
	// RTU-over-HTTP bridge. Empty disables triggering.
	Port string `yaml:"port"`
	URL  string `yaml:"url"`
	Baud int    `yaml:"baud"`
	// Coil is pulsed to fire a sweep; Input, if >= 0, reads the
	// analyzer's sweep-complete line.
	Coil  int `yaml:"coil"`
	Input int `yaml:"input"`
}

const (
	ModeTilt = "tilt"
	ModeFill = "fill"
)

// Load reads and validates a configuration file.
func Load(path string) (*File, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	f := Default()
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return f, nil
}

// Default returns the configuration matching the deployed stand.
func Default() *File {
	return &File{
		Stand: Stand{
			Baud:           250000,
			StepsPerDegree: 40,
			MinAngle:       -45,
			MaxAngle:       45,
			QueueSize:      10,
		},
		Test: Test{
			Mode:                  ModeTilt,
			StartAngle:            -15,
			EndAngle:              15,
			Increment:             1,
			DwellSeconds:          3,
			VNADwellSeconds:       3,
			RunCount:              1,
			Axes:                  []Axis{{Name: "+X", MinAngle: -45, MaxAngle: 45}},
			LevelToleranceDegrees: 0.5,
			LevelTimeoutSeconds:   10,
		},
		VNA: VNA{Baud: 19200, Input: -1},
	}
}

func (f *File) Validate() error {
	if f.Stand.StepsPerDegree <= 0 {
		return fmt.Errorf("stand.steps_per_degree must be positive")
	}
	if f.Stand.QueueSize <= 0 {
		return fmt.Errorf("stand.queue_size must be positive")
	}
	if f.Stand.MinAngle >= f.Stand.MaxAngle {
		return fmt.Errorf("stand angle limits inverted: [%v, %v]", f.Stand.MinAngle, f.Stand.MaxAngle)
	}
	return f.Test.Validate()
}

func (t *Test) Validate() error {
	if t.Mode != ModeTilt && t.Mode != ModeFill {
		return fmt.Errorf("test.mode must be %q or %q, got %q", ModeTilt, ModeFill, t.Mode)
	}
	if t.Increment <= 0 {
		return fmt.Errorf("test.increment must be positive")
	}
	if t.EndAngle < t.StartAngle {
		return fmt.Errorf("test.end_angle %v below start_angle %v", t.EndAngle, t.StartAngle)
	}
	if t.RunCount < 1 {
		return fmt.Errorf("test.run_count must be at least 1")
	}
	if len(t.Axes) == 0 {
		return fmt.Errorf("test.axes must name at least one axis")
	}
	for _, a := range t.Axes {
		if a.Name == "" {
			return fmt.Errorf("test axis missing name")
		}
		if a.MinAngle >= a.MaxAngle {
			return fmt.Errorf("axis %s: angle limits inverted", a.Name)
		}
	}
	if t.DwellSeconds < 0 || t.VNADwellSeconds < 0 || t.DrainDelaySeconds < 0 {
		return fmt.Errorf("dwell times must not be negative")
	}
	return nil
}

// AnglesPerAxis returns the target angles of one axis sweep, in order.
func (t *Test) AnglesPerAxis() []float64 {
	var angles []float64
	for a := t.StartAngle; a <= t.EndAngle+1e-9; a += t.Increment {
		angles = append(angles, a)
	}
	return angles
}

func (t *Test) Dwell() time.Duration {
	return time.Duration(t.DwellSeconds * float64(time.Second))
}

func (t *Test) VNADwell() time.Duration {
	return time.Duration(t.VNADwellSeconds * float64(time.Second))
}

func (t *Test) DrainDelay() time.Duration {
	return time.Duration(t.DrainDelaySeconds * float64(time.Second))
}

func (t *Test) LevelTolerance() float64 {
	if t.LevelToleranceDegrees <= 0 {
		return 0.5
	}
	return t.LevelToleranceDegrees
}

func (t *Test) LevelTimeout() time.Duration {
	if t.LevelTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(t.LevelTimeoutSeconds * float64(time.Second))
}
