package motion

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mgrady/stand_interface/protocol"
)

func TestPreconditions(t *testing.T) {
	for _, tt := range []struct {
		name         string
		state        State
		moveBlocked  bool
		phaseBlocked bool
	}{
		{
			name:         "fresh boot",
			state:        State{},
			moveBlocked:  true,
			phaseBlocked: true,
		},
		{
			name:         "homed but not calibrated",
			state:        State{Homed: true},
			phaseBlocked: true,
		},
		{
			name:  "ready",
			state: State{Homed: true, Calibrated: true},
		},
		{
			name:         "emergency stopped",
			state:        State{Homed: true, Calibrated: true, EmergencyStopped: true},
			moveBlocked:  true,
			phaseBlocked: true,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.state.CanMove(); (err != nil) != tt.moveBlocked {
				t.Errorf("CanMove() = %v, blocked should be %v", err, tt.moveBlocked)
			}
			err := tt.state.CanRunPhase()
			if (err != nil) != tt.phaseBlocked {
				t.Errorf("CanRunPhase() = %v, blocked should be %v", err, tt.phaseBlocked)
			}
			if err != nil {
				var sv *SafetyViolation
				if !errors.As(err, &sv) {
					t.Errorf("CanRunPhase() = %T, want SafetyViolation", err)
				}
			}
		})
	}
}

func TestApplySnapshot(t *testing.T) {
	s := State{Homed: true, Calibrated: true, Leveled: true}
	s.ApplySnapshot(protocol.Snapshot{Position: 400, Angle: 10, Homed: true})
	want := State{Position: 400, Angle: 10, Homed: true, Calibrated: true, Leveled: true}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("snapshot fold mismatch (-want +got):\n%s", diff)
	}

	// Losing the homing flag invalidates calibration and leveling too.
	s.ApplySnapshot(protocol.Snapshot{Position: 400, Angle: 10})
	want = State{Position: 400, Angle: 10}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("homing loss mismatch (-want +got):\n%s", diff)
	}
}

func TestGeometry(t *testing.T) {
	g := Geometry{StepsPerDegree: 40, MinAngle: -45, MaxAngle: 45}

	for _, tt := range []struct {
		in, want float64
	}{
		{0, 0},
		{44.9, 44.9},
		{60, 45},
		{-60, -45},
	} {
		if got := g.Clamp(tt.in); got != tt.want {
			t.Errorf("Clamp(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for _, tt := range []struct {
		from, to float64
		want     int
	}{
		{0, 1, 40},
		{0, -15, -600},
		{-15, 15, 1200},
		{0, 0.01, 0}, // rounds to nearest whole step
		{0, 0.02, 1},
	} {
		if got := g.Steps(tt.from, tt.to); got != tt.want {
			t.Errorf("Steps(%v, %v) = %d, want %d", tt.from, tt.to, got, tt.want)
		}
	}

	if got := g.Angle(-600); got != -15 {
		t.Errorf("Angle(-600) = %v, want -15", got)
	}
}

func TestGeometryValidate(t *testing.T) {
	if err := (Geometry{StepsPerDegree: 40, MinAngle: -45, MaxAngle: 45}).Validate(); err != nil {
		t.Errorf("valid geometry rejected: %v", err)
	}
	if err := (Geometry{MinAngle: -45, MaxAngle: 45}).Validate(); err == nil {
		t.Error("zero steps per degree accepted")
	}
	if err := (Geometry{StepsPerDegree: 40, MinAngle: 45, MaxAngle: -45}).Validate(); err == nil {
		t.Error("inverted limits accepted")
	}
}
