package link

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeConn feeds canned bytes to the read loop and captures writes.
type fakeConn struct {
	io.Reader

	mu sync.Mutex
	w  bytes.Buffer
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(p)
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.String()
}

func TestReadLineFraming(t *testing.T) {
	input := "READY\r\n\nTEMP 23.50\n\xff\xfe\x00junk\nTILT -1.20\n"
	l := New(&fakeConn{Reader: strings.NewReader(input)})
	defer l.Close()

	type step struct {
		text string
		err  error
	}
	want := []step{
		{text: "READY"},
		{text: "TEMP 23.50"},
		{err: ErrMalformedFrame},
		{text: "TILT -1.20"},
		{err: ErrClosed},
	}
	for i, w := range want {
		text, err := l.ReadLine(time.Second)
		if text != w.text || !errors.Is(err, w.err) {
			t.Errorf("read %d: got (%q, %v), want (%q, %v)", i, text, err, w.text, w.err)
		}
	}
}

type blockingConn struct {
	unblock chan struct{}
	once    sync.Once
}

func (c *blockingConn) Read(p []byte) (int, error) {
	<-c.unblock
	return 0, io.EOF
}

func (c *blockingConn) Write(p []byte) (int, error) { return len(p), nil }

func (c *blockingConn) Close() error {
	c.once.Do(func() { close(c.unblock) })
	return nil
}

func TestReadLineTimeout(t *testing.T) {
	l := New(&blockingConn{unblock: make(chan struct{})})
	defer l.Close()

	start := time.Now()
	_, err := l.ReadLine(20 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("returned after %v, before the deadline", elapsed)
	}
}

func TestWriteLineTerminates(t *testing.T) {
	conn := &fakeConn{Reader: strings.NewReader("")}
	l := New(conn)
	defer l.Close()

	if err := l.WriteLine("MOVE -400"); err != nil {
		t.Fatal(err)
	}
	if err := l.WriteLine("STATUS"); err != nil {
		t.Fatal(err)
	}
	if got, want := conn.Written(), "MOVE -400\nSTATUS\n"; got != want {
		t.Errorf("wrote %q, want %q", got, want)
	}
}

func TestCloseIdempotent(t *testing.T) {
	l := New(&fakeConn{Reader: strings.NewReader("")})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
}
