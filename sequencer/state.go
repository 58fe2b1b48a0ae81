package sequencer

import (
	"time"

	"github.com/mgrady/stand_interface/config"
	"github.com/mgrady/stand_interface/motion"
)

// State is the sequencer's position in the test state machine.
type State int

const (
	Idle State = iota
	Homing
	Calibrating
	AwaitingLevel
	Sweeping
	Dwelling
	Capturing
	Paused
	Completed
	EmergencyStopped
	Failed
)

var stateNames = map[State]string{
	Idle:             "idle",
	Homing:           "homing",
	Calibrating:      "calibrating",
	AwaitingLevel:    "awaiting_level",
	Sweeping:         "sweeping",
	Dwelling:         "dwelling",
	Capturing:        "capturing",
	Paused:           "paused",
	Completed:        "completed",
	EmergencyStopped: "emergency_stopped",
	Failed:           "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Phase is one (axis, target angle) step of a sweep.
type Phase struct {
	Index  int         `json:"index"`
	Axis   config.Axis `json:"axis"`
	Target float64     `json:"target"`
}

func buildPhases(cfg config.Test) []Phase {
	var phases []Phase
	for _, axis := range cfg.Axes {
		for _, angle := range cfg.AnglesPerAxis() {
			phases = append(phases, Phase{Index: len(phases), Axis: axis, Target: angle})
		}
	}
	return phases
}

// Capture is one timestamped measurement taken at a settled phase.
type Capture struct {
	Time        time.Time `json:"time"`
	Run         int       `json:"run"`
	Phase       int       `json:"phase"`
	Axis        string    `json:"axis"`
	TargetAngle float64   `json:"target_angle"`
	Angle       float64   `json:"angle"`
	Temperature float64   `json:"temperature"`
}

// Outcome closes a run record.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

// RunRecord is the bookkeeping for one run: the phases actually completed,
// not merely planned. Never mutated after it is closed.
type RunRecord struct {
	Number  int       `json:"number"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended"`
	Outcome Outcome   `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
	Phases  []Capture `json:"phases"`
}

// Status is the snapshot pushed to consumers after every state transition
// and completed phase. It carries everything needed to diagnose a terminal
// state without log-diving.
type Status struct {
	State       State        `json:"state"`
	Run         int          `json:"run"`
	RunCount    int          `json:"run_count"`
	Phase       int          `json:"phase"`
	PhaseCount  int          `json:"phase_count"`
	Axis        string       `json:"axis,omitempty"`
	TargetAngle float64      `json:"target_angle"`
	Motion      motion.State `json:"motion"`
	LastCapture *Capture     `json:"last_capture,omitempty"`
	// Reason is set on Failed and EmergencyStopped transitions.
	Reason string `json:"reason,omitempty"`
}
