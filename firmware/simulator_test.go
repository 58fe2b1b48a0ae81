package firmware

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/mgrady/stand_interface/protocol"
)

type bench struct {
	t       *testing.T
	sim     *Simulator
	conn    net.Conn
	scanner *bufio.Scanner
}

func newBench(t *testing.T) *bench {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sim, conn := NewSimulator()
	go sim.Run(ctx)
	t.Cleanup(cancel)
	return &bench{t: t, sim: sim, conn: conn, scanner: bufio.NewScanner(conn)}
}

func (b *bench) send(line string) {
	b.t.Helper()
	if _, err := fmt.Fprintf(b.conn, "%s\n", line); err != nil {
		b.t.Fatalf("writing %q: %v", line, err)
	}
}

func (b *bench) read() string {
	b.t.Helper()
	if !b.scanner.Scan() {
		b.t.Fatalf("pipe closed: %v", b.scanner.Err())
	}
	return b.scanner.Text()
}

func (b *bench) expect(want string) {
	b.t.Helper()
	if got := b.read(); got != want {
		b.t.Errorf("got %q, want %q", got, want)
	}
}

func (b *bench) expectPrefix(prefix string) string {
	b.t.Helper()
	got := b.read()
	if !strings.HasPrefix(got, prefix) {
		b.t.Errorf("got %q, want prefix %q", got, prefix)
	}
	return got
}

func TestUnknownCommandRejected(t *testing.T) {
	b := newBench(t)
	b.send("WARP 9")
	b.expect("ERROR: Unknown command: WARP")
}

func TestMoveRequiresHoming(t *testing.T) {
	b := newBench(t)
	b.send("MOVE 100")
	b.expect("ERROR: not homed")

	b.send("HOME")
	b.expect("Homing started")
	b.expect(protocol.RespHomingComplete)

	b.send("MOVE 100")
	b.expect(protocol.RespMovementStarted)
	b.expect(protocol.RespMovementComplete)

	b.send("STATUS")
	snap, err := protocol.ParseSnapshot(b.read())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Position != 100 || !snap.Homed {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMoveArgumentValidation(t *testing.T) {
	b := newBench(t)
	b.send("MOVE")
	b.expectPrefix("ERROR:")
	b.send("MOVE fast")
	b.expectPrefix("ERROR:")
}

func TestEmergencyStopToggle(t *testing.T) {
	b := newBench(t)
	b.send("HOME")
	b.expect("Homing started")
	b.expect(protocol.RespHomingComplete)

	b.send("EMERGENCY_STOP")
	b.expect(protocol.RespEStopEngaged)

	b.send("MOVE 10")
	b.expect("ERROR: emergency stop engaged")
	b.send("HOME")
	b.expect("ERROR: emergency stop engaged")

	b.send("STATUS")
	snap, err := protocol.ParseSnapshot(b.read())
	if err != nil {
		t.Fatal(err)
	}
	if !snap.EmergencyStop {
		t.Error("status does not report the e-stop flag")
	}

	b.send("EMERGENCY_STOP")
	b.expect(protocol.RespEStopReleased)
	b.send("MOVE 10")
	b.expect(protocol.RespMovementStarted)
	b.expect(protocol.RespMovementComplete)
}

func TestVerbsAreCaseInsensitive(t *testing.T) {
	b := newBench(t)
	b.send("temp")
	b.expect("TEMP 23.50")
	b.send("home")
	b.expect("Homing started")
	b.expect(protocol.RespHomingComplete)
}

func TestSelfTestReportsFaults(t *testing.T) {
	b := newBench(t)
	b.send("TEST")
	b.expect(protocol.RespTestStart)
	b.expect("MOTOR: OK")
	b.expect("TEMP_SENSOR: OK")
	b.expect("TILT_SENSOR: OK")
	b.expect(protocol.RespTestEnd)

	b.sim.SetFaults(Faults{SensorFault: true, TiltUninitialized: true})
	b.send("TEST")
	b.expect(protocol.RespTestStart)
	b.expect("MOTOR: OK")
	b.expect("TEMP_SENSOR: FAIL")
	b.expect("TILT_SENSOR: FAIL")
	b.expect(protocol.RespTestEnd)
}

func TestSensorFaults(t *testing.T) {
	b := newBench(t)
	b.sim.SetFaults(Faults{SensorFault: true, TiltUninitialized: true})
	b.send("TEMP")
	b.expectPrefix("TEMP ERROR:")
	b.send("TILT")
	b.expectPrefix("TILT ERROR:")
	b.send("CALIBRATE")
	b.expectPrefix("ERROR:")
}

func TestHomingFaults(t *testing.T) {
	b := newBench(t)
	b.sim.SetFaults(Faults{FailHoming: true})
	b.send("HOME")
	b.expect("Homing started")
	b.expect(protocol.RespHomingAborted)
	b.send("MOVE 10")
	b.expect("ERROR: not homed")

	b.sim.SetFaults(Faults{RejectHoming: true})
	b.send("FILL_HOME")
	b.expect("ERROR: Unknown command: FILL_HOME")
}

func TestDroppedResponses(t *testing.T) {
	b := newBench(t)
	b.sim.SetFaults(Faults{DropResponses: 1})
	b.send("TEMP") // swallowed
	b.send("TEMP")
	b.expect("TEMP 23.50")
}

func TestGarbledResponses(t *testing.T) {
	b := newBench(t)
	b.sim.SetFaults(Faults{GarbleResponses: 1})
	b.send("TEMP")
	b.expectPrefix("\xff\xfe")
	b.expect("TEMP 23.50")
}

func TestTiltTracksPosition(t *testing.T) {
	b := newBench(t)
	b.send("HOME")
	b.expect("Homing started")
	b.expect(protocol.RespHomingComplete)
	b.send("MOVE -600")
	b.expect(protocol.RespMovementStarted)
	b.expect(protocol.RespMovementComplete)
	b.send("TILT")
	b.expect("TILT -15.00")
	if got := b.sim.Position(); got != -600 {
		t.Errorf("Position() = %d, want -600", got)
	}
}
