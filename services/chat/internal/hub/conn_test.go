package hub_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Hanzala-Shadow/Echo/services/chat/internal/hub"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/hub/hubtest"
	"github.com/gorilla/websocket"
)

func TestConnSendWritesOneFramePerPayload(t *testing.T) {
	conn, sock := hubtest.NewConn(t, 1)
	for _, p := range []string{`{"type":"a"}`, `{"type":"b"}`} {
		if err := conn.Send([]byte(p)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	frames := sock.WaitFrames(t, 2)
	if frames[0]["type"] != "a" || frames[1]["type"] != "b" {
		t.Fatalf("unexpected frames: %v", frames)
	}
}

func TestConnSendAfterCloseIsUnreachable(t *testing.T) {
	conn, sock := hubtest.NewConn(t, 1)
	conn.Close(websocket.ClosePolicyViolation, "bye")
	conn.Close(websocket.CloseNormalClosure, "again")

	if err := conn.Send([]byte(`{}`)); !errors.Is(err, hub.ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
	if err := conn.SendContext(context.Background(), []byte(`{}`)); !errors.Is(err, hub.ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed from SendContext, got %v", err)
	}
	if !sock.Closed() {
		t.Fatalf("expected socket to be closed")
	}
	if sock.CloseCode() != websocket.ClosePolicyViolation {
		t.Fatalf("expected first close code to win, got %d", sock.CloseCode())
	}
	if conn.IsOpen() {
		t.Fatalf("expected conn to report closed")
	}
}

func TestConnSendReportsFullBuffer(t *testing.T) {
	sock := hubtest.NewSocket()
	conn := hub.NewConn(1, sock, hub.Options{SendBufferSize: 1})
	defer conn.Close(websocket.CloseNormalClosure, "")

	if err := conn.Send([]byte(`1`)); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := conn.Send([]byte(`2`)); !errors.Is(err, hub.ErrSendBufferFull) {
		t.Fatalf("expected ErrSendBufferFull, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := conn.SendContext(ctx, []byte(`3`)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected SendContext to wait for space, got %v", err)
	}
}

func TestConnReadPumpDeliversFramesUntilClose(t *testing.T) {
	conn, sock := hubtest.NewConn(t, 1)
	got := make(chan string, 2)
	done := make(chan error, 1)
	go func() {
		done <- conn.ReadPump(func(p []byte) { got <- string(p) })
	}()

	sock.Push([]byte(`hello`))
	select {
	case p := <-got:
		if p != "hello" {
			t.Fatalf("unexpected payload %q", p)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for inbound frame")
	}

	conn.Close(websocket.CloseGoingAway, "")
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected read pump to end with an error")
		}
	case <-time.After(time.Second):
		t.Fatalf("read pump did not stop after close")
	}
}

func TestConnWriteFailureClosesConnection(t *testing.T) {
	conn, sock := hubtest.NewConn(t, 1)
	sock.FailWrites()
	_ = conn.Send([]byte(`{}`))
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected write failure to close the connection")
	}
}
