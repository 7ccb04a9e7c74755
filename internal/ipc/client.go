package ipc

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bnema/waymirror/internal/logger"
	"golang.org/x/sys/unix"
)

// ErrNotRunning means no instance listens on the control socket
var ErrNotRunning = errors.New("waymirror is not running")

// Client talks to one running instance
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for the control socket at socketPath
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// SendStop asks the instance to stop. It returns once the instance has
// acknowledged, before it has finished restoring state.
func (c *Client) SendStop() error {
	msg, err := NewStopMessage()
	if err != nil {
		return err
	}
	response, err := c.sendMessage(msg)
	if err != nil {
		return err
	}
	if err := ResponseError(response); err != nil {
		return fmt.Errorf("instance error: %w", err)
	}
	if t := TypeOf(response); t != MessageTypeAck {
		return fmt.Errorf("unexpected response type: %s", t)
	}
	return nil
}

// SendStatus queries the session status
func (c *Client) SendStatus() (*Status, error) {
	msg, err := NewStatusMessage()
	if err != nil {
		return nil, err
	}
	response, err := c.sendMessage(msg)
	if err != nil {
		return nil, err
	}
	if err := ResponseError(response); err != nil {
		return nil, fmt.Errorf("instance error: %w", err)
	}
	return GetStatusResponse(response)
}

// sendMessage sends a message and returns the response
func (c *Client) sendMessage(msg *Message) (*Message, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		if isNotListening(err) {
			return nil, ErrNotRunning
		}
		return nil, fmt.Errorf("failed to connect to waymirror: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Errorf("Failed to close IPC connection: %v", err)
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		logger.Warnf("Failed to set connection deadline: %v", err)
	}

	if err := writeMessage(conn, msg); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	response, err := readMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return response, nil
}

// isNotListening reports a missing socket or a dead listener
func isNotListening(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ENOENT)
}
