package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
)

// ListenControl serves a plain-text command socket so the stand can be
// driven from a shell with netcat during bench bring-up.
func (s *Server) ListenControl(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing control socket")
		ln.Close()
	}()
	for ctx.Err() == nil {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("failed to accept: %v", err)
			continue
		}
		go s.handleControl(conn)
	}
	return nil
}

func (s *Server) handleControl(conn net.Conn) {
	defer conn.Close()
	log.Printf("accepted control connection from %v", conn.RemoteAddr())
	fmt.Fprintf(conn, "tilt stand ready; commands: start pause resume stop reset estop status quit\n")
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if cmd == "" {
			continue
		}
		log.Printf("%v control command: %q", conn.RemoteAddr(), cmd)
		var err error
		switch cmd {
		case "start":
			err = s.seq.Start(s.defaultTest)
		case "pause":
			err = s.seq.Pause()
		case "resume":
			err = s.seq.Resume()
		case "stop":
			err = s.seq.Stop()
		case "reset":
			err = s.seq.Reset()
		case "estop", "emergency_stop":
			err = s.seq.EmergencyStop()
		case "status":
			s.statusMu.RLock()
			status := s.status
			s.statusMu.RUnlock()
			data, jerr := json.Marshal(status)
			if jerr != nil {
				err = jerr
				break
			}
			fmt.Fprintf(conn, "%s\n", data)
			continue
		case "quit", "exit":
			fmt.Fprintf(conn, "bye\n")
			return
		default:
			fmt.Fprintf(conn, "ERROR unknown command %q\n", cmd)
			continue
		}
		if err != nil {
			fmt.Fprintf(conn, "ERROR %v\n", err)
		} else {
			fmt.Fprintf(conn, "OK\n")
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("reading from %v: %v", conn.RemoteAddr(), err)
	}
}
