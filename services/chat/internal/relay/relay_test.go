package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Hanzala-Shadow/Echo/pkg/domain"
	"github.com/Hanzala-Shadow/Echo/pkg/store"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/hub"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/hub/hubtest"
)

type relayFixture struct {
	relay    *Relay
	registry *hub.Registry
	socks    map[int64]*hubtest.Socket
}

// newRelayFixture connects users 1..4; users 1-3 belong to group 7.
func newRelayFixture(t *testing.T, scope Scope) *relayFixture {
	t.Helper()
	st := store.NewMemoryStore()
	f := &relayFixture{registry: hub.NewRegistry(), socks: make(map[int64]*hubtest.Socket)}
	for i := 1; i <= 4; i++ {
		u, err := st.SaveUser(domain.User{Username: "user"})
		if err != nil {
			t.Fatalf("save user: %v", err)
		}
		if i <= 3 {
			if err := st.AddGroupMember(7, u.ID); err != nil {
				t.Fatalf("add member: %v", err)
			}
		}
		conn, sock := hubtest.NewConn(t, u.ID)
		f.registry.Put(conn)
		f.socks[u.ID] = sock
	}
	f.relay = New(f.registry, st, NewTransfers(time.Minute), Options{Scope: scope})
	return f
}

func TestTypingGoesToOtherGroupMembers(t *testing.T) {
	f := newRelayFixture(t, ScopeGroup)
	n, err := f.relay.Relay(context.Background(), KindTypingStart, 1, []byte(`{"type":"typing_start","group_id":7,"user_id":99,"timestamp":123}`))
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 recipients, got %d", n)
	}
	for _, id := range []int64{2, 3} {
		frames := f.socks[id].WaitFrames(t, 1)
		if frames[0]["type"] != "typing_start" || frames[0]["user_id"] != float64(1) || frames[0]["timestamp"] != float64(123) {
			t.Fatalf("user %d got %v", id, frames[0])
		}
	}
	if len(f.socks[1].Frames()) != 0 || len(f.socks[4].Frames()) != 0 {
		t.Fatalf("sender and non-member must not receive the signal")
	}
}

func TestScopeAllReachesEveryOnlineUser(t *testing.T) {
	f := newRelayFixture(t, ScopeAll)
	n, err := f.relay.Relay(context.Background(), KindUserJoined, 1, []byte(`{"type":"user_joined","group_id":7}`))
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 recipients, got %d", n)
	}
	f.socks[4].WaitFrames(t, 1)
}

func TestGroupSignalWithoutGroupIsMalformed(t *testing.T) {
	f := newRelayFixture(t, ScopeGroup)
	if _, err := f.relay.Relay(context.Background(), KindTypingStop, 1, []byte(`{"type":"typing_stop"}`)); !errors.Is(err, ErrMalformedSignal) {
		t.Fatalf("expected ErrMalformedSignal, got %v", err)
	}
	if _, err := f.relay.Relay(context.Background(), KindTypingStop, 1, []byte(`not json`)); !errors.Is(err, ErrMalformedSignal) {
		t.Fatalf("expected ErrMalformedSignal for bad json, got %v", err)
	}
}

func TestFileTransferRelaysChunksAndTracksSession(t *testing.T) {
	f := newRelayFixture(t, ScopeGroup)
	ctx := context.Background()
	frames := []struct {
		kind Kind
		body string
	}{
		{KindFileStart, `{"type":"file_start","uploadId":"u1","groupId":7,"fileName":"a.txt","fileSize":5,"fileType":"text/plain","totalChunks":2}`},
		{KindFileChunk, `{"type":"file_chunk","uploadId":"u1","groupId":7,"chunkIndex":0,"totalChunks":2,"chunk":[104,101,108]}`},
		{KindFileChunk, `{"type":"file_chunk","uploadId":"u1","groupId":7,"chunkIndex":1,"totalChunks":2,"chunk":[108,111]}`},
		{KindFileEnd, `{"type":"file_end","uploadId":"u1","groupId":7,"fileName":"a.txt","fileSize":5}`},
	}
	for _, fr := range frames {
		if _, err := f.relay.Relay(ctx, fr.kind, 1, []byte(fr.body)); err != nil {
			t.Fatalf("%s: %v", fr.kind, err)
		}
	}

	got := f.socks[2].WaitFrames(t, 4)
	uploadID, _ := got[0]["upload_id"].(string)
	if uploadID == "" {
		t.Fatalf("file_start should carry a server upload id: %v", got[0])
	}
	for i, fr := range got {
		if fr["upload_id"] != uploadID || fr["uploadId"] != "u1" || fr["sender_id"] != float64(1) {
			t.Fatalf("frame %d: %v", i, fr)
		}
	}
	chunk, ok := got[1]["chunk"].([]any)
	if !ok || len(chunk) != 3 || chunk[0] != float64(104) {
		t.Fatalf("chunk should be relayed as sent, got %v", got[1]["chunk"])
	}

	session, ok := f.relay.Transfers().Get(uploadID)
	if !ok {
		t.Fatalf("session missing")
	}
	if session.State != StateCompleted || session.Received != 5 || len(session.Chunks) != 2 {
		t.Fatalf("unexpected session %+v", session)
	}

	if _, err := f.relay.Relay(ctx, KindFileChunk, 1, []byte(`{"uploadId":"u1","chunkIndex":0,"chunk":[1]}`)); !errors.Is(err, ErrUploadFinished) {
		t.Fatalf("expected late chunk to be dropped, got %v", err)
	}
	if len(f.socks[2].Frames()) != 4 {
		t.Fatalf("late chunk must not be relayed")
	}
}

func TestFileChunkValidation(t *testing.T) {
	f := newRelayFixture(t, ScopeGroup)
	ctx := context.Background()
	if _, err := f.relay.Relay(ctx, KindFileChunk, 1, []byte(`{"uploadId":"nope","chunkIndex":0,"chunk":[1]}`)); !errors.Is(err, ErrUnknownUpload) {
		t.Fatalf("expected ErrUnknownUpload, got %v", err)
	}
	if _, err := f.relay.Relay(ctx, KindFileStart, 1, []byte(`{"uploadId":"u","groupId":7,"totalChunks":1}`)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.relay.Relay(ctx, KindFileChunk, 1, []byte(`{"uploadId":"u","chunkIndex":1,"chunk":[1]}`)); !errors.Is(err, ErrChunkOutOfRange) {
		t.Fatalf("expected ErrChunkOutOfRange, got %v", err)
	}
	if _, err := f.relay.Relay(ctx, KindFileChunk, 1, []byte(`{"uploadId":"u","chunkIndex":0,"chunk":[300]}`)); !errors.Is(err, ErrMalformedSignal) {
		t.Fatalf("expected ErrMalformedSignal for non-byte chunk, got %v", err)
	}
	if _, err := f.relay.Relay(ctx, KindFileStart, 1, []byte(`{"uploadId":"v","groupId":7}`)); !errors.Is(err, ErrMalformedSignal) {
		t.Fatalf("expected ErrMalformedSignal without totalChunks, got %v", err)
	}
}

func TestSweepExpiredNotifiesParticipants(t *testing.T) {
	f := newRelayFixture(t, ScopeGroup)
	now := time.Now()
	f.relay.transfers.now = func() time.Time { return now }
	ctx := context.Background()
	if _, err := f.relay.Relay(ctx, KindFileStart, 1, []byte(`{"uploadId":"u","groupId":7,"fileName":"big.iso","totalChunks":10}`)); err != nil {
		t.Fatalf("start: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if n := f.relay.SweepExpired(ctx); n != 1 {
		t.Fatalf("expected one expired upload, got %d", n)
	}

	cancel := hubtest.FramesOfType(f.socks[2].WaitFrames(t, 2), "file_cancel")
	if len(cancel) != 1 || cancel[0]["reason"] != "expired" || cancel[0]["uploadId"] != "u" {
		t.Fatalf("recipient cancel frames: %v", cancel)
	}
	senderCancel := hubtest.FramesOfType(f.socks[1].WaitFrames(t, 1), "file_cancel")
	if len(senderCancel) != 1 {
		t.Fatalf("sender should be told about the expiry, got %v", senderCancel)
	}
	if len(f.socks[4].Frames()) != 0 {
		t.Fatalf("non-member must not hear about the upload")
	}
}
