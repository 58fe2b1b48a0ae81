package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/mgrady/stand_interface/config"
	"github.com/mgrady/stand_interface/motion"
	"github.com/mgrady/stand_interface/protocol"
)

// runTest executes the configured number of runs, each as its own record.
func (s *Sequencer) runTest(ctx context.Context, cfg config.Test) {
	if s.motion.EmergencyStopped || s.state == EmergencyStopped {
		s.setState(s.state, "start refused: emergency stop latched, reset required")
		return
	}
	phases := buildPhases(cfg)
	s.phaseCount = len(phases)
	s.runCount = cfg.RunCount
	s.pausePending = false

	for run := 0; run < cfg.RunCount; run++ {
		s.runNumber++
		rec := &RunRecord{Number: s.runNumber, Started: time.Now()}
		s.current = rec
		err := s.runOnce(ctx, cfg, phases)
		rec.Ended = time.Now()

		switch {
		case err == nil:
			rec.Outcome = OutcomeCompleted
		case isStop(err):
			rec.Outcome = OutcomeAborted
			rec.Reason = "stopped by operator"
		default:
			if ie, ok := asInterrupt(err, cmdEStop); ok {
				rec.Outcome = OutcomeAborted
				rec.Reason = "emergency stop"
				if ie.reason != "" {
					rec.Reason = "emergency stop: " + ie.reason
				}
			} else {
				rec.Outcome = OutcomeFailed
				rec.Reason = err.Error()
			}
		}
		s.closeRun(rec)

		if err != nil {
			s.finishWith(ctx, err)
			return
		}
	}
	s.setState(Completed, "")
}

func isStop(err error) bool {
	_, ok := asInterrupt(err, cmdStop)
	return ok
}

func (s *Sequencer) closeRun(rec *RunRecord) {
	s.current = nil
	log.Printf("sequencer: run %d %s (%d phases)", rec.Number, rec.Outcome, len(rec.Phases))
	if s.opts.RunCallback != nil {
		s.opts.RunCallback(*rec)
	}
}

// finishWith translates a run error into the terminal state.
func (s *Sequencer) finishWith(ctx context.Context, err error) {
	if isStop(err) {
		// Graceful abort: halt the motor and return to idle.
		if _, cerr := s.command(ctx, protocol.Command{Verb: protocol.VerbStop}); cerr != nil {
			log.Printf("sequencer: stop after abort: %v", cerr)
		}
		s.setState(Idle, "")
		return
	}
	if ie, ok := asInterrupt(err, cmdEStop); ok {
		if ie.detected {
			s.setState(EmergencyStopped, ie.reason)
		} else {
			s.engageEStop(ctx, ie.reason)
		}
		return
	}
	var sv *motion.SafetyViolation
	if errors.As(err, &sv) {
		// A precondition failed on our side before anything was sent.
		// That means the state machine itself is wrong; fail loudly.
		log.Printf("sequencer: SAFETY VIOLATION: %v", sv)
	}
	s.setState(Failed, err.Error())
}

// runOnce drives a single run through the full state sequence.
func (s *Sequencer) runOnce(ctx context.Context, cfg config.Test, phases []Phase) error {
	if err := s.home(ctx, cfg); err != nil {
		return err
	}
	if err := s.calibrate(ctx); err != nil {
		return err
	}
	if err := s.level(ctx, cfg); err != nil {
		return err
	}

	if cfg.Mode == config.ModeFill {
		// Fill tests take their first capture at the home position,
		// before any motion.
		s.setState(Capturing, "")
		home := Phase{Index: -1, Axis: config.Axis{Name: "home"}, Target: s.motion.Angle}
		if err := s.capture(ctx, cfg, home); err != nil {
			return err
		}
	}

	for _, ph := range phases {
		if err := s.pausePoint(ctx); err != nil {
			return err
		}
		s.phase = ph
		if err := s.sweepTo(ctx, ph); err != nil {
			return err
		}
		s.setState(Dwelling, "")
		if err := s.wait(ctx, cfg.Dwell()); err != nil {
			return err
		}
		s.setState(Capturing, "")
		if err := s.capture(ctx, cfg, ph); err != nil {
			return err
		}
		if cfg.Mode == config.ModeFill && cfg.DrainDelay() > 0 {
			s.setState(Dwelling, "")
			if err := s.wait(ctx, cfg.DrainDelay()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Sequencer) home(ctx context.Context, cfg config.Test) error {
	s.setState(Homing, "")
	verb := protocol.VerbHome
	if cfg.Mode == config.ModeFill {
		verb = protocol.VerbFillHome
	}
	resp, err := s.command(ctx, protocol.Command{Verb: verb})
	if err != nil {
		var ie interruptErr
		if errors.As(err, &ie) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrHomingFailed, err)
	}
	if rerr := resp.Err(); rerr != nil {
		return fmt.Errorf("%w: %v", ErrHomingFailed, rerr)
	}
	if resp.Terminal() == protocol.RespHomingAborted {
		return fmt.Errorf("%w: aborted mid-sequence", ErrHomingFailed)
	}
	// Homing is confirmed only by the firmware's own flag, never assumed.
	if err := s.refreshStatus(ctx); err != nil {
		return err
	}
	if !s.motion.Homed {
		return fmt.Errorf("%w: firmware reports not homed", ErrHomingFailed)
	}
	return nil
}

func (s *Sequencer) calibrate(ctx context.Context) error {
	s.setState(Calibrating, "")
	resp, err := s.command(ctx, protocol.Command{Verb: protocol.VerbCalibrate})
	if err != nil {
		return err
	}
	if rerr := resp.Err(); rerr != nil {
		return fmt.Errorf("calibration failed: %v", rerr)
	}
	s.motion.Calibrated = true
	s.emit()
	return nil
}

// level waits for the platform to read near zero after homing.
func (s *Sequencer) level(ctx context.Context, cfg config.Test) error {
	s.setState(AwaitingLevel, "")
	deadline := time.Now().Add(cfg.LevelTimeout())
	for {
		angle, err := s.readScalar(ctx, protocol.VerbTilt)
		if err != nil {
			return fmt.Errorf("leveling: %w", err)
		}
		if math.Abs(angle) <= cfg.LevelTolerance() {
			s.motion.Leveled = true
			s.motion.Angle = angle
			s.emit()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("leveling timed out at %.2f degrees", angle)
		}
		if err := s.wait(ctx, 5*s.opts.PollInterval); err != nil {
			return err
		}
	}
}

func (s *Sequencer) sweepTo(ctx context.Context, ph Phase) error {
	s.setState(Sweeping, "")
	// The precondition check runs here, locally, so an unsafe MOVE never
	// reaches the link.
	if err := s.motion.CanRunPhase(); err != nil {
		return err
	}
	target := s.opts.Geometry.Clamp(ph.Target)
	if target < ph.Axis.MinAngle {
		target = ph.Axis.MinAngle
	}
	if target > ph.Axis.MaxAngle {
		target = ph.Axis.MaxAngle
	}
	steps := s.opts.Geometry.Steps(s.motion.Angle, target)
	if steps != 0 {
		resp, err := s.command(ctx, protocol.Move(steps))
		if err != nil {
			if errors.Is(err, protocol.ErrUnresponsive) {
				// A lost MOVE response is ambiguous: the motion may
				// have happened. Reconcile before failing so the
				// terminal event carries the true position.
				if rerr := s.refreshStatus(ctx); rerr != nil {
					log.Printf("sequencer: reconciliation failed: %v", rerr)
				}
				return fmt.Errorf("move %+d steps unacknowledged: %w", steps, err)
			}
			return err
		}
		if rerr := resp.Err(); rerr != nil {
			return rerr
		}
	}
	return s.refreshStatus(ctx)
}

func (s *Sequencer) capture(ctx context.Context, cfg config.Test, ph Phase) error {
	if s.opts.Trigger != nil {
		if err := s.opts.Trigger.Start(ctx); err != nil {
			return fmt.Errorf("analyzer trigger: %w", err)
		}
	}
	if err := s.awaitSweep(ctx, cfg.VNADwell()); err != nil {
		return err
	}

	temp, err := s.readScalar(ctx, protocol.VerbTemp)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	tilt, err := s.readScalar(ctx, protocol.VerbTilt)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	c := Capture{
		Time:        time.Now(),
		Run:         s.runNumber,
		Phase:       ph.Index,
		Axis:        ph.Axis.Name,
		TargetAngle: ph.Target,
		Angle:       tilt,
		Temperature: temp,
	}
	s.motion.Angle = tilt
	s.lastCapture = &c
	if s.current != nil {
		s.current.Phases = append(s.current.Phases, c)
	}
	if s.opts.CaptureCallback != nil {
		s.opts.CaptureCallback(c)
	}
	s.emit()
	return nil
}

// awaitSweep waits out the analyzer dwell, returning early if the trigger's
// sweep-complete input fires.
func (s *Sequencer) awaitSweep(ctx context.Context, dwell time.Duration) error {
	if dwell <= 0 && s.opts.Trigger == nil {
		return nil
	}
	deadline := time.Now().Add(dwell)
	for {
		if s.opts.Trigger != nil {
			done, err := s.opts.Trigger.Complete()
			if err != nil {
				log.Printf("sequencer: analyzer completion read: %v", err)
			} else if done {
				return nil
			}
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		if err := s.tick(ctx); err != nil {
			return err
		}
	}
}

func (s *Sequencer) readScalar(ctx context.Context, verb protocol.Verb) (float64, error) {
	resp, err := s.command(ctx, protocol.Command{Verb: verb})
	if err != nil {
		return 0, err
	}
	if rerr := resp.Err(); rerr != nil {
		return 0, rerr
	}
	return protocol.ParseScalar(verb, resp.Terminal())
}

// refreshStatus issues STATUS and folds the confirmed snapshot into the
// motion state. Detecting the firmware e-stop flag here preempts the run.
func (s *Sequencer) refreshStatus(ctx context.Context) error {
	resp, err := s.command(ctx, protocol.Command{Verb: protocol.VerbStatus})
	if err != nil {
		return err
	}
	if rerr := resp.Err(); rerr != nil {
		return rerr
	}
	snap, err := protocol.ParseSnapshot(resp.Terminal())
	if err != nil {
		return err
	}
	s.motion.ApplySnapshot(snap)
	s.emit()
	if snap.EmergencyStop {
		return interruptErr{kind: cmdEStop, detected: true, reason: "firmware e-stop flag set"}
	}
	return nil
}

// command submits one protocol command and waits for it, honoring stop and
// e-stop requests within a poll interval. An abandoned command's late
// response is discarded by the client and never touches motion state.
func (s *Sequencer) command(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	p, err := s.client.Submit(cmd)
	if err != nil {
		if errors.Is(err, protocol.ErrLinkDown) {
			return protocol.Response{}, s.linkLost(err)
		}
		return protocol.Response{}, err
	}
	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return protocol.Response{}, ctx.Err()
		case <-p.Done():
			resp, err := p.Result()
			if errors.Is(err, protocol.ErrUnresponsive) && cmd.Verb != protocol.VerbMove {
				return resp, s.linkLost(err)
			}
			return resp, err
		case <-t.C:
			if ie, ok := s.drainPreempting(); ok {
				return protocol.Response{}, ie
			}
		}
	}
}

// linkLost marks the platform emergency-stopped locally, pending firmware
// confirmation, when the link itself has failed.
func (s *Sequencer) linkLost(err error) error {
	s.motion.EmergencyStopped = true
	s.emit()
	return interruptErr{kind: cmdEStop, detected: true, reason: err.Error()}
}

// drainPreempting consumes queued commands, remembering a pause for the next
// pause point and returning stop/e-stop immediately.
func (s *Sequencer) drainPreempting() (interruptErr, bool) {
	for {
		select {
		case c := <-s.cmds:
			switch c.kind {
			case cmdPause:
				s.pausePending = true
			case cmdResume:
				s.pausePending = false
			case cmdStop:
				return interruptErr{kind: cmdStop}, true
			case cmdEStop:
				return interruptErr{kind: cmdEStop, reason: "operator emergency stop"}, true
			default:
				log.Printf("sequencer: ignoring %s during run", commandNames[c.kind])
			}
		default:
			return interruptErr{}, false
		}
	}
}

// tick sleeps one poll interval, watching for preempting commands and
// periodically re-reading STATUS so a firmware-side e-stop is noticed while
// dwelling.
func (s *Sequencer) tick(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.opts.PollInterval):
	}
	if ie, ok := s.drainPreempting(); ok {
		return ie
	}
	if s.pausePending {
		if err := s.pausePoint(ctx); err != nil {
			return err
		}
	}
	s.tickCount++
	if s.tickCount%statusEvery == 0 {
		if err := s.refreshStatus(ctx); err != nil {
			return err
		}
	}
	return nil
}

// wait blocks for d, cooperatively.
func (s *Sequencer) wait(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if err := s.tick(ctx); err != nil {
			return err
		}
	}
	return nil
}

// pausePoint suspends the run if a pause was requested. Resume re-validates
// preconditions against fresh hardware state; the stand may have been
// power-cycled while paused.
func (s *Sequencer) pausePoint(ctx context.Context) error {
	if ie, ok := s.drainPreempting(); ok {
		return ie
	}
	if !s.pausePending {
		return nil
	}
	s.pausePending = false
	prev := s.state
	s.setState(Paused, "")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-s.cmds:
			switch c.kind {
			case cmdResume:
				if err := s.refreshStatus(ctx); err != nil {
					return err
				}
				if err := s.motion.CanRunPhase(); err != nil {
					return fmt.Errorf("resume blocked: %w", err)
				}
				s.setState(prev, "")
				return nil
			case cmdStop:
				return interruptErr{kind: cmdStop}
			case cmdEStop:
				return interruptErr{kind: cmdEStop, reason: "operator emergency stop"}
			case cmdPause:
				// already paused
			default:
				log.Printf("sequencer: ignoring %s while paused", commandNames[c.kind])
			}
		}
	}
}

// engageEStop latches the software e-stop and mirrors it to the firmware.
func (s *Sequencer) engageEStop(ctx context.Context, reason string) {
	s.motion.EmergencyStopped = true
	s.setState(EmergencyStopped, reason)
	resp, err := s.command(ctx, protocol.Command{Verb: protocol.VerbEmergencyStop})
	if err != nil {
		log.Printf("sequencer: engaging firmware e-stop: %v", err)
		return
	}
	if resp.Terminal() == protocol.RespEStopReleased {
		// The toggle found the firmware already stopped; toggle back.
		if _, err := s.command(ctx, protocol.Command{Verb: protocol.VerbEmergencyStop}); err != nil {
			log.Printf("sequencer: re-engaging firmware e-stop: %v", err)
		}
	}
}

// reset clears the e-stop latch. Motion remains blocked until a fresh homing
// pass: position may have drifted while stopped, so resuming into the old
// phase is disallowed.
func (s *Sequencer) reset(ctx context.Context) {
	if s.state != EmergencyStopped && s.state != Failed {
		log.Printf("sequencer: reset ignored while %s", s.state)
		return
	}
	s.client.Reset()
	if s.motion.EmergencyStopped {
		resp, err := s.command(ctx, protocol.Command{Verb: protocol.VerbEmergencyStop})
		if err != nil {
			s.setState(s.state, fmt.Sprintf("reset failed: %v", err))
			return
		}
		if resp.Terminal() == protocol.RespEStopEngaged {
			// The toggle engaged it instead; the firmware was already
			// released. Toggle back.
			if _, err := s.command(ctx, protocol.Command{Verb: protocol.VerbEmergencyStop}); err != nil {
				s.setState(s.state, fmt.Sprintf("reset failed: %v", err))
				return
			}
		}
	}
	if err := s.refreshStatus(ctx); err != nil {
		s.setState(s.state, fmt.Sprintf("reset failed: %v", err))
		return
	}
	// Force a fresh homing pass regardless of what the firmware claims.
	s.motion.Homed = false
	s.motion.Calibrated = false
	s.motion.Leveled = false
	s.motion.EmergencyStopped = false
	s.setState(Idle, "")
}
