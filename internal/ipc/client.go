package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/ferretbot/ferretbot/internal/bus"
)

// Client connects to a Gateway and exchanges envelope-shaped lines.
type Client struct {
	network string
	address string
	timeout time.Duration

	conn     net.Conn
	reader   *bufio.Reader
	clientID string
}

// Dial connects to a Gateway listening on network ("unix" or "tcp") at
// address and reads the system:hello envelope to learn the assigned
// clientId.
func Dial(network, address string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s %s: %w", network, address, err)
	}
	c := &Client{network: network, address: address, timeout: timeout, conn: conn, reader: bufio.NewReader(conn)}

	line, err := c.readLine()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ipc: read hello: %w", err)
	}
	var hello helloOutbound
	if err := json.Unmarshal(line, &hello); err != nil || hello.Type != "system:hello" {
		conn.Close()
		return nil, fmt.Errorf("ipc: unexpected hello envelope: %s", line)
	}
	c.clientID = hello.ClientID
	return c, nil
}

// ClientID returns the id the gateway assigned this connection.
func (c *Client) ClientID() string {
	return c.clientID
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send writes one envelope line: {type, content}.
func (c *Client) Send(eventType string, content map[string]any) error {
	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	data, err := json.Marshal(inbound{Type: eventType, Content: content})
	if err != nil {
		return fmt.Errorf("ipc: marshal: %w", err)
	}
	data = append(data, '\n')
	_, err = c.conn.Write(data)
	return err
}

// Receive blocks for the next outbound envelope from the gateway.
func (c *Client) Receive() (*bus.Event, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	evt := &bus.Event{}
	if err := evt.UnmarshalJSON(line); err != nil {
		return nil, fmt.Errorf("ipc: parse envelope: %w", err)
	}
	return evt, nil
}

func (c *Client) readLine() ([]byte, error) {
	if c.timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return line, nil
}

// SendCommand sends a command envelope and waits for the matching
// workflow_command_result agent:status response, identified by requestID.
// Intermediate events (e.g. workflow:step:start broadcasts) are skipped.
func (c *Client) SendCommand(eventType, requestID string, content map[string]any) (*bus.Event, error) {
	if content == nil {
		content = map[string]any{}
	}
	content["requestId"] = requestID
	if err := c.Send(eventType, content); err != nil {
		return nil, err
	}
	for {
		evt, err := c.Receive()
		if err != nil {
			return nil, err
		}
		if evt.Type != "agent:status" {
			continue
		}
		if evt.String("kind") != "workflow_command_result" {
			continue
		}
		if evt.String("requestId") != requestID {
			continue
		}
		return evt, nil
	}
}
