// Package hubtest provides an in-memory socket for exercising hub.Conn.
package hubtest

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Hanzala-Shadow/Echo/services/chat/internal/hub"
	"github.com/gorilla/websocket"
)

// Socket implements hub.Socket over channels. Text frames written by the
// connection are recorded; inbound frames are fed with Push.
type Socket struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu        sync.Mutex
	frames    [][]byte
	notify    chan struct{}
	closeCode int
	failWrite bool
}

func NewSocket() *Socket {
	return &Socket{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// NewConn builds a hub.Conn on a fresh Socket and starts its write pump.
func NewConn(t testing.TB, userID int64) (*hub.Conn, *Socket) {
	t.Helper()
	sock := NewSocket()
	conn := hub.NewConn(userID, sock, hub.Options{SendBufferSize: 64})
	go conn.WritePump()
	t.Cleanup(func() { conn.Close(websocket.CloseNormalClosure, "") })
	return conn, sock
}

// Push queues an inbound frame for ReadMessage.
func (s *Socket) Push(payload []byte) { s.inbound <- payload }

// FailWrites makes every later data write fail.
func (s *Socket) FailWrites() {
	s.mu.Lock()
	s.failWrite = true
	s.mu.Unlock()
}

func (s *Socket) ReadMessage() (int, []byte, error) {
	select {
	case <-s.closed:
		return 0, nil, net.ErrClosed
	case payload := <-s.inbound:
		return websocket.TextMessage, payload, nil
	}
}

func (s *Socket) WriteMessage(messageType int, data []byte) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	s.mu.Lock()
	if s.failWrite {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *Socket) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		s.mu.Lock()
		s.closeCode = int(data[0])<<8 | int(data[1])
		s.mu.Unlock()
	}
	return nil
}

func (s *Socket) SetReadLimit(int64) {}
func (s *Socket) SetReadDeadline(time.Time) error { return nil }
func (s *Socket) SetWriteDeadline(time.Time) error { return nil }
func (s *Socket) SetPongHandler(func(string) error) {}

func (s *Socket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close was called.
func (s *Socket) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// CloseCode returns the code of the close frame written, or 0.
func (s *Socket) CloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

// Frames returns a copy of every text frame written so far.
func (s *Socket) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

// WaitFrames waits until at least n frames were written and returns them
// decoded as JSON objects.
func (s *Socket) WaitFrames(t testing.TB, n int) []map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		frames := s.Frames()
		if len(frames) >= n {
			return decodeFrames(t, frames)
		}
		select {
		case <-s.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, len(frames))
		}
	}
}

// FramesOfType filters decoded frames by their "type" field.
func FramesOfType(frames []map[string]any, typ string) []map[string]any {
	out := make([]map[string]any, 0)
	for _, f := range frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

// WaitFor waits until done accepts the decoded frames written so far and
// returns them.
func (s *Socket) WaitFor(t testing.TB, done func(frames []map[string]any) bool) []map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		frames := decodeFrames(t, s.Frames())
		if done(frames) {
			return frames
		}
		select {
		case <-s.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for frames, got %v", frames)
		}
	}
}

func decodeFrames(t testing.TB, raw [][]byte) []map[string]any {
	t.Helper()
	out := make([]map[string]any, 0, len(raw))
	for _, f := range raw {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("decode frame %s: %v", f, err)
		}
		out = append(out, m)
	}
	return out
}
