// Package link provides the byte-level serial transport to the test stand
// firmware: newline-framed ASCII lines with per-read timeouts. It reports
// faithfully and immediately; retry policy belongs to the protocol client.
package link

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tarm/serial"
)

var (
	// ErrTimeout means no line arrived before the deadline.
	ErrTimeout = errors.New("link: read timeout")
	// ErrMalformedFrame means bytes arrived but did not form a clean ASCII line.
	ErrMalformedFrame = errors.New("link: malformed frame")
	// ErrClosed means the link was closed locally.
	ErrClosed = errors.New("link: closed")
)

type frame struct {
	text string
	err  error
}

// Link frames a serial connection (or any io.ReadWriteCloser) into lines.
// A single goroutine owns the underlying reader for the lifetime of the Link.
type Link struct {
	conn  io.ReadWriteCloser
	lines chan frame

	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	readErr error
}

// Open opens a serial port and wraps it in a Link.
func Open(port string, baud int) (*Link, error) {
	c := &serial.Config{Name: port, Baud: baud}
	s, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", port, err)
	}
	return New(s), nil
}

// New wraps an existing connection. Used by tests and simulator mode.
func New(conn io.ReadWriteCloser) *Link {
	l := &Link{
		conn:   conn,
		lines:  make(chan frame),
		closed: make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Link) readLoop() {
	defer close(l.lines)
	scanner := bufio.NewScanner(l.conn)
	for scanner.Scan() {
		text := strings.TrimRight(scanner.Text(), "\r")
		if text == "" {
			continue
		}
		f := frame{text: text}
		if !validLine(text) {
			f = frame{err: ErrMalformedFrame}
		}
		select {
		case l.lines <- f:
		case <-l.closed:
			return
		}
	}
	l.mu.Lock()
	l.readErr = scanner.Err()
	l.mu.Unlock()
}

// validLine rejects frames with embedded NULs or invalid UTF-8, which show up
// when the device resets mid-line or the baud rate is wrong.
func validLine(text string) bool {
	if !utf8.ValidString(text) {
		return false
	}
	return !strings.ContainsRune(text, 0)
}

// WriteLine writes a single newline-terminated line.
func (l *Link) WriteLine(text string) error {
	if _, err := l.conn.Write([]byte(text + "\n")); err != nil {
		return fmt.Errorf("writing %q: %w", text, err)
	}
	return nil
}

// ReadLine returns the next complete line from the device. It returns
// ErrTimeout if no line arrives in time, ErrMalformedFrame for a garbled
// frame (the caller may keep reading), or the underlying I/O error if the
// device disappeared.
func (l *Link) ReadLine(timeout time.Duration) (string, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f, ok := <-l.lines:
		if !ok {
			l.mu.Lock()
			err := l.readErr
			l.mu.Unlock()
			if err != nil {
				return "", err
			}
			return "", ErrClosed
		}
		return f.text, f.err
	case <-t.C:
		return "", ErrTimeout
	}
}

func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.conn.Close()
	})
	return err
}
