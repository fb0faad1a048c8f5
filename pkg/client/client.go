// Package client provides a Go client library for querying a running
// syncd daemon over its local Unix socket control API, used by the
// `syncd status` subcommand.
package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/veraticus/syncd/pkg/api"
)

// Client queries a running syncd daemon's control socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// Config contains configuration for the client.
type Config struct {
	// SocketPath is the path to the Unix domain socket. If empty, uses the
	// default socket path.
	SocketPath string

	// Timeout for operations. Default is 5 seconds.
	Timeout time.Duration
}

// DefaultSocketPath returns the default control socket path based on XDG
// standards, mirroring the teacher's DefaultSocketPath.
func DefaultSocketPath() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return xdg + "/syncd/syncd.sock"
	}
	home := os.Getenv("HOME")
	if home == "" {
		home = "~"
	}
	return home + "/.syncd/syncd.sock"
}

// New creates a new client with the given configuration.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Client{socketPath: socketPath, timeout: timeout}
}

// Status retrieves the daemon's current status.
func (c *Client) Status() (*api.StatusResponse, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, c.handleDialError(err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := fmt.Fprintln(conn, "STATUS"); err != nil {
		return nil, fmt.Errorf("failed to send status command: %w", err)
	}

	response, err := c.readResponse(conn)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(response, "ERROR") {
		return nil, fmt.Errorf("status failed: %s", response)
	}
	if !strings.HasPrefix(response, "STATUS ") {
		return nil, fmt.Errorf("invalid status response: %s", response)
	}

	jsonData := strings.TrimPrefix(response, "STATUS ")
	var status api.StatusResponse
	if err := json.Unmarshal([]byte(jsonData), &status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}

	return &status, nil
}

// IsRunning checks if the daemon is running and responsive.
func (c *Client) IsRunning() bool {
	conn, err := c.dial()
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}
	return conn, nil
}

func (c *Client) readResponse(conn net.Conn) (string, error) {
	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return strings.TrimSpace(response), nil
}

func (c *Client) handleDialError(err error) error {
	if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "no such file") {
		return fmt.Errorf("syncd daemon not running (socket: %s)", c.socketPath)
	}
	return fmt.Errorf("failed to connect to daemon: %w", err)
}
