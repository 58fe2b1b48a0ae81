package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Verb is a command keyword in the firmware line protocol. The firmware
// matches verbs case-insensitively but always answers in the shapes below;
// both sides of this vocabulary are fixed by the deployed firmware.
type Verb string

const (
	VerbTest          Verb = "TEST"
	VerbStatus        Verb = "STATUS"
	VerbTemp          Verb = "TEMP"
	VerbTilt          Verb = "TILT"
	VerbMove          Verb = "MOVE"
	VerbHome          Verb = "HOME"
	VerbFillHome      Verb = "FILL_HOME"
	VerbTiltHome      Verb = "TILT_HOME"
	VerbStop          Verb = "STOP"
	VerbCalibrate     Verb = "CALIBRATE"
	VerbEmergencyStop Verb = "EMERGENCY_STOP"
)

// Response line markers emitted by the firmware. The simulator speaks these
// and the client terminates reads on them.
const (
	RespTestStart        = "START_TEST"
	RespTestEnd          = "END_TEST"
	RespMovementStarted  = "Movement started"
	RespMovementComplete = "Movement complete"
	RespHomingComplete   = "Homing complete"
	RespHomingAborted    = "Homing aborted"
	RespCalibrated       = "Calibration complete"
	RespEStopEngaged     = "Emergency stop engaged"
	RespEStopReleased    = "Emergency stop released"
	RespMotorStopped     = "Motor stopped"
	RespErrorPrefix      = "ERROR:"
)

const (
	// DefaultTimeout is the per-attempt response deadline for short commands.
	DefaultTimeout = 1 * time.Second
	// DefaultRetries is the number of additional attempts after a timeout.
	DefaultRetries = 2
	// Homing and movement are multi-second physical motions with no
	// intermediate acknowledgement, so they get long deadlines.
	homingTimeout = 45 * time.Second
	moveTimeout   = 15 * time.Second
)

type verbSpec struct {
	Timeout time.Duration
	Retries int
	// Terminal reports whether line completes a response to this verb.
	Terminal func(line string) bool
}

// IsError reports whether line is an explicit firmware rejection.
func IsError(line string) bool {
	return strings.HasPrefix(line, RespErrorPrefix) ||
		strings.HasPrefix(line, "TEMP ERROR:") ||
		strings.HasPrefix(line, "TILT ERROR:")
}

func terminalOn(prefixes ...string) func(string) bool {
	return func(line string) bool {
		if IsError(line) {
			return true
		}
		for _, p := range prefixes {
			if strings.HasPrefix(line, p) {
				return true
			}
		}
		return false
	}
}

func specFor(v Verb) verbSpec {
	switch v {
	case VerbTest:
		return verbSpec{
			Timeout: 5 * time.Second,
			Retries: DefaultRetries,
			// The self-test block is never rejected; it always ends
			// with END_TEST.
			Terminal: func(line string) bool { return line == RespTestEnd },
		}
	case VerbStatus:
		return verbSpec{
			Timeout:  DefaultTimeout,
			Retries:  DefaultRetries,
			Terminal: terminalOn("POS "),
		}
	case VerbTemp:
		return verbSpec{
			Timeout:  DefaultTimeout,
			Retries:  DefaultRetries,
			Terminal: terminalOn("TEMP "),
		}
	case VerbTilt:
		return verbSpec{
			Timeout:  DefaultTimeout,
			Retries:  DefaultRetries,
			Terminal: terminalOn("TILT "),
		}
	case VerbMove:
		// A lost MOVE response is ambiguous: the firmware may have
		// executed the motion anyway. Never retried; the caller must
		// reconcile with STATUS instead.
		return verbSpec{
			Timeout:  moveTimeout,
			Retries:  0,
			Terminal: terminalOn(RespMovementComplete),
		}
	case VerbHome, VerbFillHome, VerbTiltHome:
		return verbSpec{
			Timeout:  homingTimeout,
			Retries:  0,
			Terminal: terminalOn(RespHomingComplete, RespHomingAborted),
		}
	case VerbStop:
		return verbSpec{
			Timeout:  DefaultTimeout,
			Retries:  DefaultRetries,
			Terminal: terminalOn(RespMotorStopped),
		}
	case VerbCalibrate:
		return verbSpec{
			Timeout:  10 * time.Second,
			Retries:  0,
			Terminal: terminalOn(RespCalibrated),
		}
	case VerbEmergencyStop:
		return verbSpec{
			Timeout:  DefaultTimeout,
			Retries:  DefaultRetries,
			Terminal: terminalOn(RespEStopEngaged, RespEStopReleased),
		}
	}
	return verbSpec{Timeout: DefaultTimeout, Retries: DefaultRetries, Terminal: IsError}
}

// Command is one unit of work for the protocol client. Immutable once
// submitted.
type Command struct {
	Verb Verb
	// Arg is the optional integer argument (MOVE steps).
	Arg *int
}

func Move(steps int) Command {
	return Command{Verb: VerbMove, Arg: &steps}
}

func (c Command) Line() string {
	if c.Arg != nil {
		return fmt.Sprintf("%s %d", c.Verb, *c.Arg)
	}
	return string(c.Verb)
}

// Response holds every line the firmware emitted for one command, in order.
// The last line is the terminal line.
type Response struct {
	Verb  Verb
	Lines []string
}

func (r Response) Terminal() string {
	if len(r.Lines) == 0 {
		return ""
	}
	return r.Lines[len(r.Lines)-1]
}

// Err returns a HardwareError if the firmware rejected the command.
func (r Response) Err() error {
	if t := r.Terminal(); IsError(t) {
		return &HardwareError{Verb: r.Verb, Line: t}
	}
	return nil
}

// HardwareError is an explicit ERROR: line from the firmware.
type HardwareError struct {
	Verb Verb
	Line string
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Verb, e.Line)
}

// Snapshot is the parsed form of a STATUS line:
//   POS 1040 ANGLE 5.20 SPEED 0.00 ACCEL 500.00 HOMED YES E_STOP NO
type Snapshot struct {
	Position      int
	Angle         float64
	Speed         float64
	Accel         float64
	Homed         bool
	EmergencyStop bool
}

func yesNo(v bool) string {
	if v {
		return "YES"
	}
	return "NO"
}

// Format renders the snapshot as a STATUS response line.
func (s Snapshot) Format() string {
	return fmt.Sprintf("POS %d ANGLE %.2f SPEED %.2f ACCEL %.2f HOMED %s E_STOP %s",
		s.Position, s.Angle, s.Speed, s.Accel, yesNo(s.Homed), yesNo(s.EmergencyStop))
}

// ParseSnapshot parses a STATUS line. The device occasionally prepends
// garbage to the line after a reset, so parsing starts at the POS field.
func ParseSnapshot(line string) (Snapshot, error) {
	var s Snapshot
	i := strings.Index(line, "POS")
	if i == -1 {
		return s, fmt.Errorf("status line %q: missing POS field", line)
	}
	parts := strings.Fields(line[i:])
	seen := map[string]bool{}
	for i := 0; i+1 < len(parts); i++ {
		var err error
		switch parts[i] {
		case "POS":
			s.Position, err = strconv.Atoi(parts[i+1])
		case "ANGLE":
			s.Angle, err = strconv.ParseFloat(parts[i+1], 64)
		case "SPEED":
			s.Speed, err = strconv.ParseFloat(parts[i+1], 64)
		case "ACCEL":
			s.Accel, err = strconv.ParseFloat(parts[i+1], 64)
		case "HOMED":
			s.Homed = parts[i+1] == "YES"
		case "E_STOP":
			s.EmergencyStop = parts[i+1] == "YES"
		default:
			continue
		}
		if err != nil {
			return s, fmt.Errorf("status field %s %q: %w", parts[i], parts[i+1], err)
		}
		seen[parts[i]] = true
	}
	for _, field := range []string{"POS", "ANGLE", "SPEED", "ACCEL", "HOMED", "E_STOP"} {
		if !seen[field] {
			return s, fmt.Errorf("status line %q: missing %s field", line, field)
		}
	}
	return s, nil
}

// ParseScalar parses a "TEMP 23.50" or "TILT -12.30" line.
func ParseScalar(verb Verb, line string) (float64, error) {
	prefix := string(verb) + " "
	if !strings.HasPrefix(line, prefix) {
		return 0, fmt.Errorf("%s response %q: unexpected shape", verb, line)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(line[len(prefix):]), 64)
	if err != nil {
		return 0, fmt.Errorf("%s response %q: %w", verb, line, err)
	}
	return v, nil
}

// ParseSelfTest extracts the per-subsystem results from a TEST block:
//   START_TEST
//   MOTOR: OK
//   TEMP_SENSOR: FAIL
//   END_TEST
func ParseSelfTest(lines []string) map[string]string {
	results := make(map[string]string)
	in := false
	for _, line := range lines {
		switch {
		case line == RespTestStart:
			in = true
		case line == RespTestEnd:
			in = false
		case in && strings.Contains(line, ":"):
			kv := strings.SplitN(line, ":", 2)
			results[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return results
}
