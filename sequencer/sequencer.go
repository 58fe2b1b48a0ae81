// Package sequencer runs the angle-sweep test state machine: homing,
// calibration, leveling, then the phase sweep of move, dwell and capture.
// It owns the motion state and is the only issuer of commands to the
// protocol client, mirroring the firmware's strict one-command-at-a-time
// contract. Consumers talk to it through an inbound command channel and an
// outbound status callback; nothing else touches its internals.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mgrady/stand_interface/config"
	"github.com/mgrady/stand_interface/motion"
	"github.com/mgrady/stand_interface/protocol"
)

// Commander is the protocol client surface the sequencer drives.
// *protocol.Client implements it.
type Commander interface {
	Submit(cmd protocol.Command) (*protocol.Pending, error)
	Degraded() error
	Reset()
}

// SweepTrigger fires a network-analyzer sweep. The analyzer protocol is
// opaque to the stand; Complete reports its sweep-done line when wired,
// otherwise the configured dwell applies.
type SweepTrigger interface {
	Start(ctx context.Context) error
	Complete() (bool, error)
}

var ErrHomingFailed = errors.New("homing failed")

const (
	// defaultPollInterval bounds how stale a stop, pause or e-stop
	// request can go unnoticed.
	defaultPollInterval = 100 * time.Millisecond
	// statusEvery is how many poll ticks pass between background STATUS
	// reads while dwelling.
	statusEvery = 5
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdReset
	cmdEStop
)

var commandNames = map[commandKind]string{
	cmdStart:  "start",
	cmdPause:  "pause",
	cmdResume: "resume",
	cmdStop:   "stop",
	cmdReset:  "reset",
	cmdEStop:  "emergency_stop",
}

type command struct {
	kind commandKind
	cfg  *config.Test
}

// interruptErr carries a preempting command out of a blocking wait.
type interruptErr struct {
	kind commandKind
	// detected is true when the e-stop came from the firmware or a link
	// failure rather than an operator request.
	detected bool
	reason   string
}

func (e interruptErr) Error() string {
	if e.reason != "" {
		return fmt.Sprintf("interrupted by %s: %s", commandNames[e.kind], e.reason)
	}
	return "interrupted by " + commandNames[e.kind]
}

func asInterrupt(err error, kind commandKind) (interruptErr, bool) {
	var ie interruptErr
	if errors.As(err, &ie) && ie.kind == kind {
		return ie, true
	}
	return interruptErr{}, false
}

// Options wires a Sequencer.
type Options struct {
	Geometry motion.Geometry
	// PollInterval defaults to 100ms.
	PollInterval time.Duration
	// Trigger is optional; nil means no analyzer is attached.
	Trigger SweepTrigger
	// FirstRun seeds the run counter, typically from the persisted
	// counter file.
	FirstRun int

	StatusCallback  func(Status)
	CaptureCallback func(Capture)
	RunCallback     func(RunRecord)
}

// Sequencer is the test orchestrator. All state mutation happens on the Run
// goroutine; consumers see copies.
type Sequencer struct {
	client Commander
	opts   Options

	cmds chan command

	// Everything below is owned by the Run goroutine.
	state        State
	reason       string
	motion       motion.State
	runNumber    int
	runCount     int
	phase        Phase
	phaseCount   int
	lastCapture  *Capture
	current      *RunRecord
	pausePending bool
	tickCount    int

	mu   sync.Mutex
	last Status
}

func New(client Commander, opts Options) *Sequencer {
	if opts.PollInterval == 0 {
		opts.PollInterval = defaultPollInterval
	}
	s := &Sequencer{
		client: client,
		opts:   opts,
		cmds:   make(chan command, 16),
	}
	if opts.FirstRun > 1 {
		s.runNumber = opts.FirstRun - 1
	}
	return s
}

// Start requests a test run with the given configuration. The configuration
// is validated here and frozen for the run's lifetime.
func (s *Sequencer) Start(cfg config.Test) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("test configuration: %w", err)
	}
	c := cfg
	return s.post(command{kind: cmdStart, cfg: &c})
}

func (s *Sequencer) Pause() error  { return s.post(command{kind: cmdPause}) }
func (s *Sequencer) Resume() error { return s.post(command{kind: cmdResume}) }
func (s *Sequencer) Stop() error   { return s.post(command{kind: cmdStop}) }
func (s *Sequencer) Reset() error  { return s.post(command{kind: cmdReset}) }

// EmergencyStop latches the software e-stop.
func (s *Sequencer) EmergencyStop() error { return s.post(command{kind: cmdEStop}) }

func (s *Sequencer) post(c command) error {
	select {
	case s.cmds <- c:
		return nil
	default:
		return errors.New("sequencer: command backlog full")
	}
}

// Status returns the most recently published snapshot.
func (s *Sequencer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Run executes the sequencing loop until ctx is canceled.
func (s *Sequencer) Run(ctx context.Context) error {
	s.setState(Idle, "")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-s.cmds:
			switch c.kind {
			case cmdStart:
				s.runTest(ctx, *c.cfg)
				if ctx.Err() != nil {
					return ctx.Err()
				}
			case cmdReset:
				s.reset(ctx)
			case cmdEStop:
				s.engageEStop(ctx, "operator emergency stop")
			default:
				log.Printf("sequencer: ignoring %s while %s", commandNames[c.kind], s.state)
			}
		}
	}
}

func (s *Sequencer) setState(st State, reason string) {
	s.state = st
	s.reason = reason
	if reason != "" {
		log.Printf("sequencer: -> %s (%s)", st, reason)
	} else {
		log.Printf("sequencer: -> %s", st)
	}
	s.emit()
}

func (s *Sequencer) emit() {
	status := Status{
		State:       s.state,
		Run:         s.runNumber,
		RunCount:    s.runCount,
		Phase:       s.phase.Index,
		PhaseCount:  s.phaseCount,
		Axis:        s.phase.Axis.Name,
		TargetAngle: s.phase.Target,
		Motion:      s.motion,
		LastCapture: s.lastCapture,
		Reason:      s.reason,
	}
	s.mu.Lock()
	s.last = status
	s.mu.Unlock()
	if s.opts.StatusCallback != nil {
		s.opts.StatusCallback(status)
	}
}
