// Package testutil provides common test doubles for the syncd project.
package testutil

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veraticus/syncd/pkg/socket"
)

// SocketPath creates a short socket path to avoid macOS path length limits.
// macOS has a 104 character limit for Unix domain socket paths, while Linux
// has 108. This keeps paths short even with long test names.
func SocketPath(t *testing.T) string {
	t.Helper()

	name := fmt.Sprintf("syncd-%d-%d.sock", os.Getpid(), time.Now().UnixNano()%100000)
	path := filepath.Join("/tmp", name)

	t.Cleanup(func() {
		_ = os.Remove(path)
	})

	return path
}

// MockSocket is an in-memory socket.Socket double: sent frames land in
// Sent for assertion, and Close/OnClose behave like a real connection
// without any network I/O, mirroring the teacher's mockTransport.
type MockSocket struct {
	id string

	mu         sync.Mutex
	Sent       [][]byte
	closed     bool
	closeHooks []func()
}

// NewMockSocket creates a MockSocket with a fresh random UUID.
func NewMockSocket() *MockSocket {
	return &MockSocket{id: uuid.NewString()}
}

// NewMockSocketWithID creates a MockSocket with a caller-chosen id, useful
// when a test needs to assert on a specific socket identity.
func NewMockSocketWithID(id string) *MockSocket {
	return &MockSocket{id: id}
}

func (m *MockSocket) UUID() string { return m.id }

func (m *MockSocket) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return socket.ErrClosed
	}
	m.Sent = append(m.Sent, append([]byte(nil), frame...))
	return nil
}

func (m *MockSocket) OnClose(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		fn()
		return
	}
	m.closeHooks = append(m.closeHooks, fn)
}

func (m *MockSocket) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	hooks := m.closeHooks
	m.closeHooks = nil
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (m *MockSocket) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

// SentFrames returns a snapshot copy of frames sent so far.
func (m *MockSocket) SentFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.Sent))
	copy(out, m.Sent)
	return out
}

// IsClosed reports whether Close has been called.
func (m *MockSocket) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
