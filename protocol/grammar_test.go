package protocol

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSnapshotRoundTrip(t *testing.T) {
	for _, snap := range []Snapshot{
		{},
		{Position: 1040, Angle: 26, Speed: 12.5, Accel: 500, Homed: true},
		{Position: -600, Angle: -15, Accel: 500, Homed: true, EmergencyStop: true},
		{Position: 3, Angle: 0.07, Speed: 0.01, Accel: 1250.5},
	} {
		got, err := ParseSnapshot(snap.Format())
		if err != nil {
			t.Errorf("ParseSnapshot(%q): %v", snap.Format(), err)
			continue
		}
		if diff := cmp.Diff(snap, got); diff != "" {
			t.Errorf("round trip of %q mismatch (-want +got):\n%s", snap.Format(), diff)
		}
	}
}

func TestParseSnapshot(t *testing.T) {
	for _, tt := range []struct {
		name    string
		line    string
		want    Snapshot
		wantErr bool
	}{
		{
			name: "nominal",
			line: "POS 1040 ANGLE 26.00 SPEED 0.00 ACCEL 500.00 HOMED YES E_STOP NO",
			want: Snapshot{Position: 1040, Angle: 26, Accel: 500, Homed: true},
		},
		{
			name: "garbage before POS after a device reset",
			line: "�xPOS 0 ANGLE 0.00 SPEED 0.00 ACCEL 500.00 HOMED NO E_STOP NO",
			want: Snapshot{Accel: 500},
		},
		{
			name:    "missing E_STOP field",
			line:    "POS 0 ANGLE 0.00 SPEED 0.00 ACCEL 500.00 HOMED NO",
			wantErr: true,
		},
		{
			name:    "non-numeric position",
			line:    "POS x ANGLE 0.00 SPEED 0.00 ACCEL 500.00 HOMED NO E_STOP NO",
			wantErr: true,
		},
		{
			name:    "not a status line",
			line:    "Movement complete",
			wantErr: true,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSnapshot(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSnapshot(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseSnapshot(%q) mismatch (-want +got):\n%s", tt.line, diff)
			}
		})
	}
}

func TestParseScalar(t *testing.T) {
	for _, tt := range []struct {
		verb    Verb
		line    string
		want    float64
		wantErr bool
	}{
		{verb: VerbTemp, line: "TEMP 23.50", want: 23.5},
		{verb: VerbTilt, line: "TILT -12.30", want: -12.3},
		{verb: VerbTilt, line: "TEMP 23.50", wantErr: true},
		{verb: VerbTemp, line: "TEMP warm", wantErr: true},
		{verb: VerbTemp, line: "TEMP", wantErr: true},
	} {
		got, err := ParseScalar(tt.verb, tt.line)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseScalar(%s, %q) error = %v, wantErr %v", tt.verb, tt.line, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseScalar(%s, %q) = %v, want %v", tt.verb, tt.line, got, tt.want)
		}
	}
}

func TestIsError(t *testing.T) {
	for _, tt := range []struct {
		line string
		want bool
	}{
		{"ERROR: not homed", true},
		{"TEMP ERROR: thermocouple fault", true},
		{"TILT ERROR: orientation sensor not initialized", true},
		{"Movement complete", false},
		{"TEMP 23.50", false},
	} {
		if got := IsError(tt.line); got != tt.want {
			t.Errorf("IsError(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestCommandLine(t *testing.T) {
	if got := Move(-400).Line(); got != "MOVE -400" {
		t.Errorf("Move(-400).Line() = %q", got)
	}
	if got := (Command{Verb: VerbStatus}).Line(); got != "STATUS" {
		t.Errorf("STATUS command line = %q", got)
	}
}

func TestResponseErr(t *testing.T) {
	ok := Response{Verb: VerbMove, Lines: []string{"Movement started", "Movement complete"}}
	if err := ok.Err(); err != nil {
		t.Errorf("clean response reported %v", err)
	}
	rejected := Response{Verb: VerbMove, Lines: []string{"ERROR: not homed"}}
	err := rejected.Err()
	if err == nil {
		t.Fatal("rejection not reported")
	}
	if !strings.Contains(err.Error(), "MOVE rejected") {
		t.Errorf("rejection error = %q", err)
	}
}

func TestParseSelfTest(t *testing.T) {
	lines := []string{
		"booting",
		RespTestStart,
		"MOTOR: OK",
		"TEMP_SENSOR: FAIL",
		"TILT_SENSOR: OK",
		RespTestEnd,
		"ignored: after the block",
	}
	want := map[string]string{
		"MOTOR":       "OK",
		"TEMP_SENSOR": "FAIL",
		"TILT_SENSOR": "OK",
	}
	if diff := cmp.Diff(want, ParseSelfTest(lines)); diff != "" {
		t.Errorf("ParseSelfTest mismatch (-want +got):\n%s", diff)
	}
}
