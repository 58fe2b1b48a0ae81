package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mgrady/stand_interface/config"
	"github.com/mgrady/stand_interface/protocol"
	"github.com/mgrady/stand_interface/sequencer"
)

// Server fans sequencer status out to HTTP and WebSocket consumers and feeds
// their commands back in. Consumers never touch sequencer internals; they
// see value snapshots and post typed commands.
type Server struct {
	seq *sequencer.Sequencer

	// defaultTest is the config-file test profile, used when a start
	// command carries no override.
	defaultTest config.Test

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     Status
}

// Status is the full payload pushed to consumers.
type Status struct {
	sequencer.Status
	SelfTest map[string]string `json:"self_test,omitempty"`
}

func NewServer(defaultTest config.Test) *Server {
	s := &Server{defaultTest: defaultTest}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

func (s *Server) statusCallback(status sequencer.Status) {
	s.statusMu.Lock()
	s.status.Status = status
	s.statusCond.Broadcast()
	s.statusMu.Unlock()
}

func (s *Server) runSelfTest(ctx context.Context, client *protocol.Client) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := client.Do(ctx, protocol.Command{Verb: protocol.VerbTest})
	if err != nil {
		log.Printf("self-test: %v", err)
		return
	}
	results := protocol.ParseSelfTest(resp.Lines)
	for subsystem, result := range results {
		log.Printf("self-test: %s %s", subsystem, result)
	}
	s.statusMu.Lock()
	s.status.SelfTest = results
	s.statusCond.Broadcast()
	s.statusMu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(status)
	if err != nil {
		log.Print(err)
		return
	}
	w.Write(data)
}

// Command is the inbound WebSocket command envelope.
type Command struct {
	Command string `json:"command"`
	// Test optionally overrides the configured test profile for start.
	Test *config.Test `json:"test,omitempty"`
}

func (s *Server) dispatch(msg Command) error {
	switch msg.Command {
	case "start":
		cfg := s.defaultTest
		if msg.Test != nil {
			cfg = *msg.Test
		}
		return s.seq.Start(cfg)
	case "pause":
		return s.seq.Pause()
	case "resume":
		return s.seq.Resume()
	case "stop":
		return s.seq.Stop()
	case "reset":
		return s.seq.Reset()
	case "emergency_stop":
		return s.seq.EmergencyStop()
	}
	log.Printf("unknown command %q", msg.Command)
	return nil
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	// Read and process incoming commands.
	go func() {
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				cancel()
				conn.Close()
				return
			}
			if err := s.dispatch(msg); err != nil {
				log.Printf("ws command %q: %v", msg.Command, err)
			}
		}
	}()

	send := func(status Status) bool {
		data, err := json.Marshal(status)
		if err != nil {
			log.Print(err)
			return false
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return false
		}
		return true
	}

	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()
	if !send(status) {
		return
	}

	// Wake the Wait below when the client goes away.
	go func() {
		<-ctx.Done()
		s.statusCond.Broadcast()
	}()

	for {
		s.statusMu.RLock()
		s.statusCond.Wait()
		status := s.status
		s.statusMu.RUnlock()
		if ctx.Err() != nil {
			return
		}
		if !send(status) {
			return
		}
	}
}
