package config

import (
	"errors"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const sampleConfig = `
stand:
  port: /dev/ttyACM0
  baud: 115200
  queue_size: 10
  timeouts_seconds:
    STATUS: 0.5
test:
  mode: fill
  start_angle: -10
  end_angle: 10
  increment: 5
  dwell_seconds: 2
  drain_delay_seconds: 30
  run_count: 3
  axes:
    - name: "+X"
      min_angle: -45
      max_angle: 45
    - name: "-Y"
      min_angle: -30
      max_angle: 30
vna:
  url: http://localhost:8503
  coil: 2
  input: 3
`

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stand.yaml")
	if err := ioutil.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	f, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if f.Stand.Port != "/dev/ttyACM0" || f.Stand.Baud != 115200 {
		t.Errorf("stand = %+v", f.Stand)
	}
	// Unset fields keep their defaults.
	if f.Stand.StepsPerDegree != 40 {
		t.Errorf("steps_per_degree = %v, want default 40", f.Stand.StepsPerDegree)
	}
	if f.Test.Mode != ModeFill || f.Test.RunCount != 3 {
		t.Errorf("test = %+v", f.Test)
	}
	if len(f.Test.Axes) != 2 || f.Test.Axes[1].Name != "-Y" {
		t.Errorf("axes = %+v", f.Test.Axes)
	}
	if f.Test.DrainDelay() != 30*time.Second {
		t.Errorf("drain delay = %v", f.Test.DrainDelay())
	}
	if f.Stand.TimeoutsSeconds["STATUS"] != 0.5 {
		t.Errorf("timeouts = %v", f.Stand.TimeoutsSeconds)
	}
	if f.VNA.URL != "http://localhost:8503" || f.VNA.Coil != 2 || f.VNA.Input != 3 {
		t.Errorf("vna = %+v", f.VNA)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("got %v, want a not-exist error", err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	for name, doc := range map[string]string{
		"bad mode":        "test:\n  mode: spin\n",
		"zero increment":  "test:\n  increment: 0\n",
		"inverted sweep":  "test:\n  start_angle: 10\n  end_angle: -10\n",
		"zero runs":       "test:\n  run_count: 0\n",
		"no axes":         "test:\n  axes: []\n",
		"inverted axis":   "test:\n  axes:\n    - name: \"+X\"\n      min_angle: 45\n      max_angle: -45\n",
		"negative dwell":  "test:\n  dwell_seconds: -1\n",
		"zero queue size": "stand:\n  queue_size: -1\n",
		"not yaml":        "{{{{",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, doc)); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestAnglesPerAxis(t *testing.T) {
	for _, tt := range []struct {
		test Test
		want []float64
	}{
		{
			test: Test{StartAngle: -30, EndAngle: 30, Increment: 30},
			want: []float64{-30, 0, 30},
		},
		{
			test: Test{StartAngle: 5, EndAngle: 5, Increment: 1},
			want: []float64{5},
		},
		{
			test: Test{StartAngle: 0, EndAngle: 1, Increment: 0.25},
			want: []float64{0, 0.25, 0.5, 0.75, 1},
		},
	} {
		got := tt.test.AnglesPerAxis()
		if diff := cmp.Diff(tt.want, got, approxFloats()); diff != "" {
			t.Errorf("AnglesPerAxis(%+v) mismatch (-want +got):\n%s", tt.test, diff)
		}
	}

	// The accumulated float sweep must still include the end angle.
	full := Test{StartAngle: -15, EndAngle: 15, Increment: 1}
	angles := full.AnglesPerAxis()
	if len(angles) != 31 {
		t.Fatalf("got %d angles, want 31", len(angles))
	}
	if math.Abs(angles[30]-15) > 1e-6 {
		t.Errorf("final angle = %v, want 15", angles[30])
	}
}

func approxFloats() cmp.Option {
	return cmp.Comparer(func(a, b float64) bool { return math.Abs(a-b) < 1e-9 })
}

func TestDurationDefaults(t *testing.T) {
	var zero Test
	if got := zero.LevelTolerance(); got != 0.5 {
		t.Errorf("LevelTolerance() = %v, want 0.5", got)
	}
	if got := zero.LevelTimeout(); got != 10*time.Second {
		t.Errorf("LevelTimeout() = %v, want 10s", got)
	}
	set := Test{LevelToleranceDegrees: 1.5, LevelTimeoutSeconds: 2}
	if got := set.LevelTolerance(); got != 1.5 {
		t.Errorf("LevelTolerance() = %v, want 1.5", got)
	}
	if got := set.LevelTimeout(); got != 2*time.Second {
		t.Errorf("LevelTimeout() = %v, want 2s", got)
	}
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default configuration invalid: %v", err)
	}
}
