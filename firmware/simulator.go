// Package firmware simulates the test stand's microcontroller firmware over
// an in-process pipe. It speaks the exact line grammar of the deployed
// boards, including explicit ERROR: rejections, so the protocol client and
// sequencer can be exercised end to end without hardware. Fault injection
// covers the failure modes seen in the lab: dropped responses, garbled
// frames, sensor faults, and homing aborted by the emergency stop.
package firmware

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mgrady/stand_interface/protocol"
)

// Faults injects failures into the simulator. All fields may be changed
// between commands from another goroutine.
type Faults struct {
	// FailHoming aborts homing mid-sequence, as the firmware does when
	// the e-stop fires during the homing run. Homed stays false.
	FailHoming bool
	// RejectHoming answers homing with an unknown-command error, as an
	// out-of-date firmware build does.
	RejectHoming bool
	// SensorFault makes TEMP and CALIBRATE fail explicitly.
	SensorFault bool
	// TiltUninitialized makes TILT fail explicitly.
	TiltUninitialized bool
	// DropResponses swallows the next n commands entirely (no response).
	DropResponses int
	// GarbleResponses prefixes the next n responses with a binary frame.
	GarbleResponses int
}

// Simulator holds the firmware's global flags as one guarded state block.
type Simulator struct {
	conn io.ReadWriteCloser

	mu             sync.Mutex
	faults         Faults
	position       int
	stepsPerDegree float64
	speed          float64
	homed          bool
	estopped       bool
	temperature    float64
	// MoveDelay and HomeDelay simulate physical motion time.
	moveDelay time.Duration
	homeDelay time.Duration
}

// NewSimulator returns a simulator and the host side of its pipe.
func NewSimulator() (*Simulator, net.Conn) {
	a, b := net.Pipe()
	s := &Simulator{
		conn:           a,
		stepsPerDegree: 40,
		temperature:    23.5,
	}
	return s, b
}

// SetFaults replaces the active fault set.
func (s *Simulator) SetFaults(f Faults) {
	s.mu.Lock()
	s.faults = f
	s.mu.Unlock()
}

// SetEmergencyStop flips the e-stop flag directly, like the physical button
// on the stand.
func (s *Simulator) SetEmergencyStop(engaged bool) {
	s.mu.Lock()
	s.estopped = engaged
	s.mu.Unlock()
}

// SetMotionDelays configures simulated motion time. Zero keeps responses
// immediate, which the tests rely on.
func (s *Simulator) SetMotionDelays(move, home time.Duration) {
	s.mu.Lock()
	s.moveDelay = move
	s.homeDelay = home
	s.mu.Unlock()
}

// Position returns the simulated absolute step position.
func (s *Simulator) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Run processes commands until ctx is canceled or the pipe closes.
func (s *Simulator) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()
	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if err := s.handle(input); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading pipe: %w", err)
	}
	return ctx.Err()
}

func (s *Simulator) handle(input string) error {
	fields := strings.Fields(input)
	verb := protocol.Verb(strings.ToUpper(fields[0]))
	args := fields[1:]

	s.mu.Lock()
	if s.faults.DropResponses > 0 {
		s.faults.DropResponses--
		s.mu.Unlock()
		log.Printf("sim: dropping response to %s", verb)
		return nil
	}
	garble := false
	if s.faults.GarbleResponses > 0 {
		s.faults.GarbleResponses--
		garble = true
	}
	s.mu.Unlock()

	if garble {
		if _, err := s.conn.Write([]byte("\xff\xfe\x00\x81burst\n")); err != nil {
			return err
		}
	}

	switch verb {
	case protocol.VerbTest:
		return s.selfTest()
	case protocol.VerbStatus:
		return s.send(s.snapshot().Format())
	case protocol.VerbTemp:
		s.mu.Lock()
		fault, temp := s.faults.SensorFault, s.temperature
		s.mu.Unlock()
		if fault {
			return s.send("TEMP ERROR: thermocouple fault")
		}
		return s.send("TEMP %.2f", temp)
	case protocol.VerbTilt:
		s.mu.Lock()
		uninit := s.faults.TiltUninitialized
		angle := float64(s.position) / s.stepsPerDegree
		s.mu.Unlock()
		if uninit {
			return s.send("TILT ERROR: orientation sensor not initialized")
		}
		return s.send("TILT %.2f", angle)
	case protocol.VerbMove:
		if len(args) != 1 {
			return s.send("%s MOVE requires a step count", protocol.RespErrorPrefix)
		}
		steps, err := strconv.Atoi(args[0])
		if err != nil {
			return s.send("%s invalid step count: %s", protocol.RespErrorPrefix, args[0])
		}
		return s.move(steps)
	case protocol.VerbHome, protocol.VerbFillHome, protocol.VerbTiltHome:
		return s.home(verb)
	case protocol.VerbStop:
		s.mu.Lock()
		pos := s.position
		s.mu.Unlock()
		return s.send("%s at position %d", protocol.RespMotorStopped, pos)
	case protocol.VerbCalibrate:
		s.mu.Lock()
		fault := s.faults.SensorFault
		s.mu.Unlock()
		if fault {
			return s.send("%s calibration failed: orientation sensor fault", protocol.RespErrorPrefix)
		}
		return s.send(protocol.RespCalibrated)
	case protocol.VerbEmergencyStop:
		s.mu.Lock()
		s.estopped = !s.estopped
		engaged := s.estopped
		s.mu.Unlock()
		if engaged {
			return s.send(protocol.RespEStopEngaged)
		}
		return s.send(protocol.RespEStopReleased)
	}
	return s.send("%s Unknown command: %s", protocol.RespErrorPrefix, fields[0])
}

func (s *Simulator) snapshot() protocol.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.Snapshot{
		Position:      s.position,
		Angle:         float64(s.position) / s.stepsPerDegree,
		Speed:         s.speed,
		Accel:         500,
		Homed:         s.homed,
		EmergencyStop: s.estopped,
	}
}

func (s *Simulator) selfTest() error {
	s.mu.Lock()
	sensorFault, tiltFault := s.faults.SensorFault, s.faults.TiltUninitialized
	s.mu.Unlock()
	lines := []string{
		protocol.RespTestStart,
		"MOTOR: OK",
		"TEMP_SENSOR: " + okFail(!sensorFault),
		"TILT_SENSOR: " + okFail(!tiltFault),
		protocol.RespTestEnd,
	}
	for _, line := range lines {
		if err := s.send(line); err != nil {
			return err
		}
	}
	return nil
}

func okFail(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAIL"
}

func (s *Simulator) move(steps int) error {
	s.mu.Lock()
	estopped, homed, delay := s.estopped, s.homed, s.moveDelay
	s.mu.Unlock()
	if estopped {
		return s.send("%s emergency stop engaged", protocol.RespErrorPrefix)
	}
	if !homed {
		return s.send("%s not homed", protocol.RespErrorPrefix)
	}
	if err := s.send(protocol.RespMovementStarted); err != nil {
		return err
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	s.mu.Lock()
	s.position += steps
	s.mu.Unlock()
	return s.send(protocol.RespMovementComplete)
}

func (s *Simulator) home(verb protocol.Verb) error {
	s.mu.Lock()
	estopped := s.estopped
	fail, reject := s.faults.FailHoming, s.faults.RejectHoming
	delay := s.homeDelay
	s.mu.Unlock()
	if reject {
		return s.send("%s Unknown command: %s", protocol.RespErrorPrefix, verb)
	}
	if estopped {
		return s.send("%s emergency stop engaged", protocol.RespErrorPrefix)
	}
	if err := s.send("Homing started"); err != nil {
		return err
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		// Interrupted mid-sequence: position unknown, homed stays false.
		s.mu.Lock()
		s.homed = false
		s.mu.Unlock()
		return s.send(protocol.RespHomingAborted)
	}
	s.mu.Lock()
	s.position = 0
	s.homed = true
	s.mu.Unlock()
	return s.send(protocol.RespHomingComplete)
}

func (s *Simulator) send(format string, args ...interface{}) error {
	line := format
	if len(args) > 0 {
		line = fmt.Sprintf(format, args...)
	}
	_, err := fmt.Fprintf(s.conn, "%s\n", line)
	return err
}
