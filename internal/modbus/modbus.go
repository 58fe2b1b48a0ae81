// Package modbus wraps the goburrow client with lazy connection handling for
// the lab's relay hardware, reachable either on a local RTU serial port or
// through the shared RTU-over-HTTP bridge.
package modbus

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

type handler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type Client struct {
	// Port and BaudRate select a local serial connection.
	Port string
	// BaudRate defaults to 19200.
	BaudRate int
	SlaveId  byte
	// URL selects the HTTP bridge instead.
	URL string

	mu        sync.Mutex
	handler   handler
	client    modbus.Client
	connected bool
}

func (c *Client) name() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Port
}

// ensure connects on first use and reconnects after a failure.
func (c *Client) ensure() (modbus.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return c.client, nil
	}
	if c.handler == nil {
		if c.URL != "" {
			c.handler = NewHTTPBridge(c.URL)
		} else {
			h := modbus.NewRTUClientHandler(c.Port)
			if c.BaudRate == 0 {
				c.BaudRate = 19200
			}
			h.BaudRate = c.BaudRate
			h.DataBits = 8
			h.Parity = "N"
			h.StopBits = 1
			h.Timeout = 1 * time.Second
			h.SlaveId = c.SlaveId
			c.handler = h
		}
		c.client = modbus.NewClient(c.handler)
	}
	if err := c.handler.Connect(); err != nil {
		return nil, fmt.Errorf("opening %q: %w", c.name(), err)
	}
	c.connected = true
	return c.client, nil
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		log.Printf("modbus: %q: %v; will reconnect", c.name(), err)
		c.handler.Close()
		c.connected = false
	}
}

// WriteCoil sets a single coil.
func (c *Client) WriteCoil(coil int, value bool) error {
	client, err := c.ensure()
	if err != nil {
		return err
	}
	var v uint16
	if value {
		v = 0xFF00
	}
	if _, err := client.WriteSingleCoil(uint16(coil), v); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// ReadInput reads a single discrete input.
func (c *Client) ReadInput(input int) (bool, error) {
	client, err := c.ensure()
	if err != nil {
		return false, err
	}
	results, err := client.ReadDiscreteInputs(uint16(input), 1)
	if err != nil {
		c.fail(err)
		return false, err
	}
	if len(results) == 0 {
		return false, fmt.Errorf("empty discrete input response")
	}
	return results[0]&1 == 1, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil && c.connected {
		c.connected = false
		return c.handler.Close()
	}
	return nil
}
