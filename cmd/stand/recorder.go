package main

import (
	"encoding/csv"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mgrady/stand_interface/sequencer"
)

// Recorder writes one CSV file of captures per run, with a persisted run
// counter so run numbering survives daemon restarts.
type Recorder struct {
	dir string

	mu      sync.Mutex
	nextRun int
	run     int
	file    *os.File
	w       *csv.Writer
}

const counterFile = ".run_counter"

func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	r := &Recorder{dir: dir, nextRun: 1}
	data, err := ioutil.ReadFile(filepath.Join(dir, counterFile))
	if err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			r.nextRun = n + 1
		}
	}
	return r, nil
}

// NextRun returns the first run number this daemon will assign.
func (r *Recorder) NextRun() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextRun
}

func (r *Recorder) open(run int) error {
	name := fmt.Sprintf("test_run_%03d_%s_temp.csv", run, time.Now().Format("060102_150405"))
	f, err := os.Create(filepath.Join(r.dir, name))
	if err != nil {
		return err
	}
	r.file = f
	r.w = csv.NewWriter(f)
	r.run = run
	if err := r.w.Write([]string{"timestamp", "run", "phase", "axis", "target_angle", "temperature", "tilt"}); err != nil {
		return err
	}
	counter := filepath.Join(r.dir, counterFile)
	if err := ioutil.WriteFile(counter, []byte(strconv.Itoa(run)), 0644); err != nil {
		log.Printf("recorder: persisting run counter: %v", err)
	}
	log.Printf("recorder: writing %s", name)
	return nil
}

// Record appends one capture row, opening a new file when the run changes.
func (r *Recorder) Record(c sequencer.Capture) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil || r.run != c.Run {
		r.closeLocked()
		if err := r.open(c.Run); err != nil {
			log.Printf("recorder: opening run %d: %v", c.Run, err)
			return
		}
	}
	row := []string{
		c.Time.Format("060102_150405"),
		strconv.Itoa(c.Run),
		strconv.Itoa(c.Phase),
		c.Axis,
		strconv.FormatFloat(c.TargetAngle, 'f', 2, 64),
		strconv.FormatFloat(c.Temperature, 'f', 2, 64),
		strconv.FormatFloat(c.Angle, 'f', 2, 64),
	}
	if err := r.w.Write(row); err != nil {
		log.Printf("recorder: writing row: %v", err)
		return
	}
	r.w.Flush()
}

// CloseRun finalizes the run's file and logs its outcome.
func (r *Recorder) CloseRun(rec sequencer.RunRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.Printf("recorder: run %d %s: %d phases in %s",
		rec.Number, rec.Outcome, len(rec.Phases), rec.Ended.Sub(rec.Started).Round(time.Second))
	r.nextRun = rec.Number + 1
	if r.run == rec.Number {
		r.closeLocked()
	}
}

func (r *Recorder) closeLocked() {
	if r.file == nil {
		return
	}
	r.w.Flush()
	if err := r.file.Close(); err != nil {
		log.Printf("recorder: closing csv: %v", err)
	}
	r.file = nil
	r.w = nil
}

func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}
