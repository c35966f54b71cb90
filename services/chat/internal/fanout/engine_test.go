package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Hanzala-Shadow/Echo/pkg/domain"
	"github.com/Hanzala-Shadow/Echo/pkg/store"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/hub"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/hub/hubtest"
	"github.com/gorilla/websocket"
)

type fixture struct {
	store    *store.MemoryStore
	registry *hub.Registry
	engine   *Engine
	users    map[string]int64
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(),
		registry: hub.NewRegistry(),
		users:    make(map[string]int64),
	}
	for _, name := range names {
		u, err := f.store.SaveUser(domain.User{Username: name})
		if err != nil {
			t.Fatalf("save user: %v", err)
		}
		f.users[name] = u.ID
		if err := f.store.AddGroupMember(7, u.ID); err != nil {
			t.Fatalf("add member: %v", err)
		}
	}
	f.engine = NewEngine(f.store, f.registry, Options{Concurrency: 4})
	return f
}

func (f *fixture) connect(t *testing.T, name string) (*hub.Conn, *hubtest.Socket) {
	t.Helper()
	conn, sock := hubtest.NewConn(t, f.users[name])
	f.registry.Put(conn)
	return conn, sock
}

func text(s string) *string { return &s }

func TestOfflineRecipientReceivesMessageOnDrain(t *testing.T) {
	f := newFixture(t, "A", "B")
	_, sockA := f.connect(t, "A")

	res, err := f.engine.HandleInbound(context.Background(), Inbound{SenderID: f.users["A"], GroupID: 7, Content: text("hi")})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if res.Recipients != 1 || res.Delivered != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	msgs := f.store.Messages()
	if len(msgs) != 1 || msgs[0].GroupID != 7 {
		t.Fatalf("expected one message in group 7, got %+v", msgs)
	}
	records := f.store.Deliveries(msgs[0].ID)
	if len(records) != 1 || records[0].UserID != f.users["B"] || records[0].Delivered {
		t.Fatalf("expected one undelivered record for B, got %+v", records)
	}
	if n := len(sockA.Frames()); n != 0 {
		t.Fatalf("sender must not receive its own message, got %d frames", n)
	}

	connB, sockB := f.connect(t, "B")
	sent, err := f.engine.Drain(context.Background(), connB)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected one drained message, got %d", sent)
	}
	frames := sockB.WaitFrames(t, 1)
	if frames[0]["type"] != "message" || frames[0]["content"] != "hi" || frames[0]["sender_name"] != "A" {
		t.Fatalf("unexpected payload: %v", frames[0])
	}
	if records := f.store.Deliveries(msgs[0].ID); !records[0].Delivered {
		t.Fatalf("expected B's record to be delivered after drain")
	}

	if sent, _ := f.engine.Drain(context.Background(), connB); sent != 0 {
		t.Fatalf("second drain must not resend, sent %d", sent)
	}
}

func TestLiveDeliveryCreatesOneRecordPerMember(t *testing.T) {
	f := newFixture(t, "A", "B", "C", "D")
	_, sockB := f.connect(t, "B")
	_, sockC := f.connect(t, "C")

	res, err := f.engine.HandleInbound(context.Background(), Inbound{SenderID: f.users["A"], GroupID: 7, Content: text("hello")})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if res.Recipients != 3 || res.Delivered != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	records := f.store.Deliveries(res.Message.ID)
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for _, r := range records {
		want := r.UserID != f.users["D"]
		if r.Delivered != want {
			t.Fatalf("record for user %d delivered=%v, want %v", r.UserID, r.Delivered, want)
		}
	}
	for _, sock := range []*hubtest.Socket{sockB, sockC} {
		frames := sock.WaitFrames(t, 1)
		if frames[0]["delivered"] != true || frames[0]["group_id"] != float64(7) {
			t.Fatalf("unexpected payload: %v", frames[0])
		}
		if _, err := time.Parse(time.RFC3339Nano, frames[0]["created_at"].(string)); err != nil {
			t.Fatalf("created_at is not ISO-8601: %v", err)
		}
	}
}

func TestClosedRecipientStaysQueued(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	connB, _ := f.connect(t, "B")
	_, sockC := f.connect(t, "C")
	connB.Close(websocket.CloseGoingAway, "")

	res, err := f.engine.HandleInbound(context.Background(), Inbound{SenderID: f.users["A"], GroupID: 7, Content: text("x")})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if res.Delivered != 1 {
		t.Fatalf("expected only C to be delivered, got %d", res.Delivered)
	}
	sockC.WaitFrames(t, 1)
	pending, _ := f.store.ListUndelivered(f.users["B"])
	if len(pending) != 1 {
		t.Fatalf("expected B's record to stay undelivered, got %d", len(pending))
	}
}

func TestMessageWithMediaCarriesMetadata(t *testing.T) {
	f := newFixture(t, "A", "B")
	media, _ := f.store.SaveMedia(domain.Media{FileName: "cat.png", FileType: "image/png", FileSize: 42, FilePath: "/m/cat.png", UploadedAt: time.Now()})
	_, sockB := f.connect(t, "B")

	if _, err := f.engine.HandleInbound(context.Background(), Inbound{SenderID: f.users["A"], GroupID: 7, MediaID: &media.ID}); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	frames := sockB.WaitFrames(t, 1)
	m, ok := frames[0]["media"].(map[string]any)
	if !ok {
		t.Fatalf("expected media object, got %v", frames[0])
	}
	if m["file_name"] != "cat.png" || m["file_size"] != float64(42) {
		t.Fatalf("unexpected media payload: %v", m)
	}
}

func TestMalformedMessageIsDropped(t *testing.T) {
	f := newFixture(t, "A", "B")
	_, sockB := f.connect(t, "B")

	for _, in := range []Inbound{{GroupID: 7, Content: text("x")}, {SenderID: f.users["A"], Content: text("x")}} {
		if _, err := f.engine.HandleInbound(context.Background(), in); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("expected ErrInvalidMessage, got %v", err)
		}
	}
	if n := len(f.store.Messages()); n != 0 {
		t.Fatalf("expected no persisted message, got %d", n)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(sockB.Frames()); n != 0 {
		t.Fatalf("expected no broadcast, got %d frames", n)
	}
}

type failingStore struct {
	*store.MemoryStore
	failMessage  bool
	failDelivery int64
}

func (s *failingStore) CreateMessage(m domain.Message) (domain.Message, error) {
	if s.failMessage {
		return domain.Message{}, errors.New("db down")
	}
	return s.MemoryStore.CreateMessage(m)
}

func (s *failingStore) CreateDelivery(d domain.Delivery) error {
	if d.UserID == s.failDelivery {
		return errors.New("db down")
	}
	return s.MemoryStore.CreateDelivery(d)
}

func TestStoreFailurePropagates(t *testing.T) {
	f := newFixture(t, "A", "B")
	fs := &failingStore{MemoryStore: f.store, failMessage: true}
	engine := NewEngine(fs, f.registry, Options{})

	if _, err := engine.HandleInbound(context.Background(), Inbound{SenderID: f.users["A"], GroupID: 7, Content: text("x")}); !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
}

func TestDeliveryRecordFailureDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	_, sockC := f.connect(t, "C")
	fs := &failingStore{MemoryStore: f.store, failDelivery: f.users["B"]}
	engine := NewEngine(fs, f.registry, Options{})

	_, err := engine.HandleInbound(context.Background(), Inbound{SenderID: f.users["A"], GroupID: 7, Content: text("x")})
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist for B's record, got %v", err)
	}
	if frames := sockC.WaitFrames(t, 1); frames[0]["content"] != "x" {
		t.Fatalf("C should still receive the message: %v", frames[0])
	}
}

func TestDrainPreservesCreationOrder(t *testing.T) {
	f := newFixture(t, "A", "B")
	for _, body := range []string{"one", "two", "three"} {
		if _, err := f.engine.HandleInbound(context.Background(), Inbound{SenderID: f.users["A"], GroupID: 7, Content: text(body)}); err != nil {
			t.Fatalf("handle inbound: %v", err)
		}
	}
	connB, sockB := f.connect(t, "B")
	if sent, err := f.engine.Drain(context.Background(), connB); err != nil || sent != 3 {
		t.Fatalf("drain: sent=%d err=%v", sent, err)
	}
	frames := sockB.WaitFrames(t, 3)
	for i, want := range []string{"one", "two", "three"} {
		if frames[i]["content"] != want {
			t.Fatalf("frame %d content = %v, want %s", i, frames[i]["content"], want)
		}
	}
}

func TestDrainToClosedConnectionLeavesBacklog(t *testing.T) {
	f := newFixture(t, "A", "B")
	if _, err := f.engine.HandleInbound(context.Background(), Inbound{SenderID: f.users["A"], GroupID: 7, Content: text("x")}); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	connB, _ := f.connect(t, "B")
	connB.Close(websocket.CloseGoingAway, "")

	if sent, err := f.engine.Drain(context.Background(), connB); err != nil || sent != 0 {
		t.Fatalf("drain: sent=%d err=%v", sent, err)
	}
	pending, _ := f.store.ListUndelivered(f.users["B"])
	if len(pending) != 1 {
		t.Fatalf("expected record to stay undelivered, got %d", len(pending))
	}
}

func TestLiveFanoutRacingDrainDeliversOnce(t *testing.T) {
	const rounds, perRound = 30, 6
	for round := 0; round < rounds; round++ {
		f := newFixture(t, "A", "B")
		connB, sockB := f.connect(t, "B")
		ctx := context.Background()

		var wg sync.WaitGroup
		sending := make(chan struct{})
		for i := 0; i < perRound; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				body := fmt.Sprintf("m%d", i)
				if _, err := f.engine.HandleInbound(ctx, Inbound{SenderID: f.users["A"], GroupID: 7, Content: text(body)}); err != nil {
					t.Errorf("handle inbound: %v", err)
				}
			}(i)
		}
		go func() {
			wg.Wait()
			close(sending)
		}()
		for draining := true; draining; {
			select {
			case <-sending:
				draining = false
			default:
			}
			if _, err := f.engine.Drain(ctx, connB); err != nil {
				t.Fatalf("drain: %v", err)
			}
		}

		frames := sockB.WaitFrames(t, perRound)
		time.Sleep(10 * time.Millisecond)
		if n := len(sockB.Frames()); n != perRound {
			t.Fatalf("round %d: expected %d frames, got %d", round, perRound, n)
		}
		seen := make(map[float64]bool)
		for _, frame := range frames {
			id := frame["message_id"].(float64)
			if seen[id] {
				t.Fatalf("round %d: message %v delivered twice", round, id)
			}
			seen[id] = true
		}
		for _, msg := range f.store.Messages() {
			for _, d := range f.store.Deliveries(msg.ID) {
				if !d.Delivered {
					t.Fatalf("round %d: record for message %d left undelivered", round, msg.ID)
				}
			}
		}
	}
}
