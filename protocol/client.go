// Package protocol implements the line-oriented command protocol spoken by
// the test stand firmware: a bounded command queue, a single dispatch loop
// with exclusive ownership of the link, and per-verb timeout and retry
// policy. Responses carry no correlation ids, so the client keeps strictly
// one command in flight and matches responses by order.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mgrady/stand_interface/link"
)

// DefaultQueueSize matches the firmware's 10-slot receive ring buffer.
// Submitting past a full queue is rejected rather than silently dropped.
const DefaultQueueSize = 10

var (
	// ErrQueueFull is returned by Submit when the bounded queue is at
	// capacity. The caller must back off; nothing was enqueued.
	ErrQueueFull = errors.New("protocol: command queue full")
	// ErrUnresponsive means the device produced no response after all
	// retry attempts.
	ErrUnresponsive = errors.New("protocol: device unresponsive")
	// ErrLinkDown is returned by Submit after the device has been declared
	// unresponsive, until Reset is called.
	ErrLinkDown = errors.New("protocol: link degraded, reconnect required")
)

// LineLink is the transport the client drives. *link.Link implements it.
type LineLink interface {
	WriteLine(text string) error
	ReadLine(timeout time.Duration) (string, error)
	Close() error
}

// Pending is an in-flight or queued command awaiting resolution.
type Pending struct {
	Command  Command
	IssuedAt time.Time

	done chan struct{}
	resp Response
	err  error
}

// Done is closed when the command has resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the outcome. Only valid after Done is closed.
func (p *Pending) Result() (Response, error) { return p.resp, p.err }

// Wait blocks until the command resolves or ctx is canceled. On ctx
// cancellation the command itself is not recalled; its eventual response is
// discarded by the dispatch loop.
func (p *Pending) Wait(ctx context.Context) (Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (p *Pending) resolve(resp Response, err error) {
	p.resp, p.err = resp, err
	close(p.done)
}

// Config adjusts client policy. Zero values take defaults; verb spellings and
// response shapes are fixed by the firmware and not configurable.
type Config struct {
	// QueueSize bounds the submission queue. Must match the deployed
	// firmware's receive buffer or commands can be dropped silently on
	// the wire.
	QueueSize int
	// Timeouts overrides the per-verb response deadline.
	Timeouts map[Verb]time.Duration
	// Retries overrides the per-verb retry budget. Note MOVE is never
	// retried regardless (a lost response is ambiguous).
	Retries map[Verb]int
}

// Client serializes commands onto a LineLink one at a time.
type Client struct {
	link LineLink
	cfg  Config

	queue chan *Pending

	mu       sync.Mutex
	degraded error
}

// Connect starts the dispatch loop. The loop owns the link exclusively until
// ctx is canceled; no other code may read or write it.
func Connect(ctx context.Context, l LineLink, cfg Config) *Client {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	c := &Client{
		link:  l,
		cfg:   cfg,
		queue: make(chan *Pending, cfg.QueueSize),
	}
	go c.dispatch(ctx)
	return c
}

// Submit enqueues a command and returns its Pending handle. It never blocks:
// a full queue fails immediately with ErrQueueFull, and a degraded link
// fails with ErrLinkDown.
func (c *Client) Submit(cmd Command) (*Pending, error) {
	c.mu.Lock()
	degraded := c.degraded
	c.mu.Unlock()
	if degraded != nil {
		return nil, ErrLinkDown
	}
	p := &Pending{
		Command:  cmd,
		IssuedAt: time.Now(),
		done:     make(chan struct{}),
	}
	select {
	case c.queue <- p:
		return p, nil
	default:
		return nil, ErrQueueFull
	}
}

// Do submits a command and waits for its resolution.
func (c *Client) Do(ctx context.Context, cmd Command) (Response, error) {
	p, err := c.Submit(cmd)
	if err != nil {
		return Response{}, err
	}
	return p.Wait(ctx)
}

// Degraded returns the reason the link was marked down, or nil.
func (c *Client) Degraded() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Reset clears the degraded flag after a manual reconnect.
func (c *Client) Reset() {
	c.mu.Lock()
	c.degraded = nil
	c.mu.Unlock()
}

func (c *Client) markDegraded(err error) {
	c.mu.Lock()
	if c.degraded == nil {
		c.degraded = err
	}
	c.mu.Unlock()
}

func (c *Client) timeoutFor(v Verb, spec verbSpec) time.Duration {
	if d, ok := c.cfg.Timeouts[v]; ok {
		return d
	}
	return spec.Timeout
}

func (c *Client) retriesFor(v Verb, spec verbSpec) int {
	if v == VerbMove {
		return 0
	}
	if n, ok := c.cfg.Retries[v]; ok {
		return n
	}
	return spec.Retries
}

func (c *Client) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.failQueued(ctx.Err())
			return
		case p := <-c.queue:
			resp, err := c.execute(p)
			// A lost MOVE is ambiguous, not proof the link is dead; the
			// caller follows up with STATUS, which latches the degraded
			// flag itself if the device really is gone.
			if errors.Is(err, ErrUnresponsive) && p.Command.Verb != VerbMove {
				log.Printf("protocol: %s unresponsive after retries; marking link degraded", p.Command.Line())
				c.markDegraded(err)
			}
			p.resolve(resp, err)
		}
	}
}

func (c *Client) failQueued(err error) {
	for {
		select {
		case p := <-c.queue:
			p.resolve(Response{}, err)
		default:
			return
		}
	}
}

func (c *Client) execute(p *Pending) (Response, error) {
	spec := specFor(p.Command.Verb)
	timeout := c.timeoutFor(p.Command.Verb, spec)
	retries := c.retriesFor(p.Command.Verb, spec)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			log.Printf("protocol: %s timed out, retry %d of %d", p.Command.Line(), attempt, retries)
		}
		resp, err := c.attempt(p.Command, spec, timeout)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, link.ErrTimeout) {
			return Response{}, err
		}
		lastErr = err
	}
	return Response{}, fmt.Errorf("%w: %s (%v)", ErrUnresponsive, p.Command.Line(), lastErr)
}

// attempt writes the command once and collects lines until the terminal
// predicate fires or the deadline passes. Malformed frames and diagnostic
// lines are discarded within the remaining budget; the firmware may chat
// before the definitive line.
func (c *Client) attempt(cmd Command, spec verbSpec, timeout time.Duration) (Response, error) {
	if err := c.link.WriteLine(cmd.Line()); err != nil {
		return Response{}, err
	}
	deadline := time.Now().Add(timeout)
	var lines []string
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Response{}, link.ErrTimeout
		}
		line, err := c.link.ReadLine(remaining)
		if errors.Is(err, link.ErrMalformedFrame) {
			log.Printf("protocol: discarding malformed frame while awaiting %s", cmd.Verb)
			continue
		}
		if err != nil {
			return Response{}, err
		}
		lines = append(lines, line)
		if spec.Terminal(line) {
			return Response{Verb: cmd.Verb, Lines: lines}, nil
		}
	}
}
