// Package socket implements the connection-layer collaborator the core
// depends on: something that delivers parsed wire.Frame values and a
// close notification, and accepts frames to send back out. Per the
// specification this is an external collaborator — authentication, TLS
// and permissions are explicitly out of scope — so this package is
// deliberately a plain framed TCP connection, nothing more.
package socket

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veraticus/syncd/pkg/wire"
)

// ErrClosed is returned by Send once the socket has been closed.
var ErrClosed = errors.New("socket: closed")

// MaxFrameSize bounds a single frame to guard against unbounded buffering
// from a misbehaving or malicious peer.
const MaxFrameSize = 4 << 20 // 4MB

// writeDeadline bounds a single Send call.
const writeDeadline = 30 * time.Second

// Logger is the minimal logging surface socket depends on.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Socket is the abstraction the core consumes: a stable identity, a way
// to push frames out, and a one-shot close hook. It deliberately mirrors
// the shape of the teacher's transport.Conn, minus the TLS/auth machinery
// that this project's specification scopes out entirely.
type Socket interface {
	// UUID is the stable identifier used to index this socket across every
	// subscription/cache/RPC/listener registry it participates in.
	UUID() string

	// Send enqueues a pre-encoded frame for delivery. It returns an error
	// only if the socket is already closed; write failures on the
	// underlying connection are handled by closing the socket and
	// notifying close hooks.
	Send(frame []byte) error

	// OnClose registers a hook invoked exactly once, after the socket's
	// read or write loop observes the connection going away. Multiple
	// hooks may be registered; they run in registration order.
	OnClose(fn func())

	// Close closes the underlying connection and fires close hooks if
	// they have not already fired.
	Close() error

	// RemoteAddr identifies the peer for logging.
	RemoteAddr() net.Addr
}

// conn implements Socket over a net.Conn using the wire frame format.
type conn struct {
	id     string
	nc     net.Conn
	logger Logger

	sendCh chan []byte
	done   chan struct{}

	mu         sync.Mutex
	closed     bool
	closeHooks []func()

	wg sync.WaitGroup
}

// New wraps an accepted or dialed net.Conn as a Socket and starts its
// write pump. The caller is responsible for driving the read loop via
// Serve.
func New(nc net.Conn, logger Logger) Socket {
	if logger == nil {
		logger = noopLogger{}
	}
	c := &conn{
		id:     uuid.NewString(),
		nc:     nc,
		logger: logger,
		sendCh: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

func (c *conn) UUID() string { return c.id }

func (c *conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *conn) Send(frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	select {
	case c.sendCh <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *conn) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		// Already closed: run immediately so late registration still fires.
		fn()
		return
	}
	c.closeHooks = append(c.closeHooks, fn)
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hooks := c.closeHooks
	c.closeHooks = nil
	c.mu.Unlock()

	close(c.done)
	err := c.nc.Close()

	for _, fn := range hooks {
		fn()
	}
	c.wg.Wait()
	return err
}

func (c *conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case frame := <-c.sendCh:
			if err := c.nc.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				c.logger.Error("set write deadline failed", "error", err, "socket", c.id)
				return
			}
			if _, err := c.nc.Write(frame); err != nil {
				c.logger.Debug("write failed, closing socket", "error", err, "socket", c.id)
				go c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Serve runs the read loop for c, invoking handle for every complete frame
// parsed off the wire, until the connection is closed, a read fails or the
// buffered bytes exceed MaxFrameSize. It blocks the caller's goroutine — the server spawns one per
// accepted connection, mirroring the teacher's handleConnection.
func Serve(s Socket, nc net.Conn, handle func(wire.Frame)) error {
	reader := bufio.NewReaderSize(nc, 64<<10)
	buf := make([]byte, 0, 4096)

	for {
		chunk := make([]byte, 4096)
		n, err := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}

		for {
			f, consumed, splitErr := wire.Split(buf)
			if splitErr != nil {
				break
			}
			buf = buf[consumed:]
			handle(f)
		}

		if len(buf) > MaxFrameSize {
			s.Close()
			return fmt.Errorf("socket: frame exceeds max size %d", MaxFrameSize)
		}

		if err != nil {
			s.Close()
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}
