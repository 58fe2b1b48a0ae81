// Package motion holds the confirmed mechanical state of the tilt platform
// and the preconditions that gate motion commands. The state is owned by the
// sequencer and updated only from confirmed firmware responses; nothing here
// is assumed optimistically, with one exception: the emergency-stop flag may
// be raised locally when the link fails, pending firmware confirmation.
package motion

import (
	"fmt"
	"math"

	"github.com/mgrady/stand_interface/protocol"
)

// State mirrors the firmware's mechanical flags as one value object.
type State struct {
	Position         int     `json:"position"`
	Angle            float64 `json:"angle"`
	Speed            float64 `json:"speed"`
	Homed            bool    `json:"homed"`
	Calibrated       bool    `json:"calibrated"`
	Leveled          bool    `json:"leveled"`
	EmergencyStopped bool    `json:"emergency_stopped"`
}

// SafetyViolation is a locally detected precondition failure. It is raised
// before a command ever reaches the link, and indicates a sequencing defect
// rather than a hardware fault.
type SafetyViolation struct {
	Reason string
}

func (e *SafetyViolation) Error() string {
	return "safety violation: " + e.Reason
}

// CanMove reports whether a MOVE or LEVEL command may be issued.
func (s State) CanMove() error {
	if s.EmergencyStopped {
		return &SafetyViolation{Reason: "emergency stop engaged"}
	}
	if !s.Homed {
		return &SafetyViolation{Reason: "platform not homed"}
	}
	return nil
}

// CanRunPhase reports whether a sweep phase may be started.
func (s State) CanRunPhase() error {
	if err := s.CanMove(); err != nil {
		return err
	}
	if !s.Calibrated {
		return &SafetyViolation{Reason: "orientation sensor not calibrated"}
	}
	return nil
}

// ApplySnapshot folds a confirmed STATUS response into the state. Homing and
// e-stop follow the firmware unconditionally; calibration and leveling are
// host-side flags and survive, except that losing homing invalidates both.
func (s *State) ApplySnapshot(snap protocol.Snapshot) {
	s.Position = snap.Position
	s.Angle = snap.Angle
	s.Speed = snap.Speed
	s.Homed = snap.Homed
	s.EmergencyStopped = snap.EmergencyStop
	if !snap.Homed {
		s.Calibrated = false
		s.Leveled = false
	}
}

// Geometry converts between platform angles and stepper steps.
type Geometry struct {
	// StepsPerDegree is the firmware's calibration constant.
	StepsPerDegree float64
	// MinAngle and MaxAngle bound commanded targets.
	MinAngle, MaxAngle float64
}

// Clamp bounds a target angle to the platform's travel.
func (g Geometry) Clamp(angle float64) float64 {
	if angle < g.MinAngle {
		return g.MinAngle
	}
	if angle > g.MaxAngle {
		return g.MaxAngle
	}
	return angle
}

// Steps returns the signed step count to move from one angle to another.
func (g Geometry) Steps(from, to float64) int {
	return int(math.Round((to - from) * g.StepsPerDegree))
}

// Angle returns the platform angle for an absolute step position.
func (g Geometry) Angle(position int) float64 {
	return float64(position) / g.StepsPerDegree
}

func (g Geometry) Validate() error {
	if g.StepsPerDegree <= 0 {
		return fmt.Errorf("steps per degree must be positive, got %v", g.StepsPerDegree)
	}
	if g.MinAngle >= g.MaxAngle {
		return fmt.Errorf("angle limits inverted: [%v, %v]", g.MinAngle, g.MaxAngle)
	}
	return nil
}
