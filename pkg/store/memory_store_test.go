package store

import (
	"errors"
	"testing"
	"time"

	"github.com/Hanzala-Shadow/Echo/pkg/domain"
)

func TestMemoryStoreMarkDeliveredClaimsOnce(t *testing.T) {
	s := NewMemoryStore()
	msg, err := s.CreateMessage(domain.Message{SenderID: 1, GroupID: 7})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if err := s.CreateDelivery(domain.Delivery{MessageID: msg.ID, UserID: 2}); err != nil {
		t.Fatalf("create delivery: %v", err)
	}

	claimed, err := s.MarkDelivered(msg.ID, 2)
	if err != nil || !claimed {
		t.Fatalf("expected first claim to win, claimed=%v err=%v", claimed, err)
	}
	claimed, err = s.MarkDelivered(msg.ID, 2)
	if err != nil || claimed {
		t.Fatalf("expected second claim to lose, claimed=%v err=%v", claimed, err)
	}

	if err := s.MarkUndelivered(msg.ID, 2); err != nil {
		t.Fatalf("release claim: %v", err)
	}
	pending, err := s.ListUndelivered(2)
	if err != nil {
		t.Fatalf("list undelivered: %v", err)
	}
	if len(pending) != 1 || pending[0].Message.ID != msg.ID {
		t.Fatalf("expected released record to be pending, got %+v", pending)
	}
}

func TestMemoryStoreListUndeliveredOrdersByCreation(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now().UTC()
	late, _ := s.CreateMessage(domain.Message{SenderID: 1, GroupID: 7, CreatedAt: base.Add(time.Second)})
	early, _ := s.CreateMessage(domain.Message{SenderID: 1, GroupID: 7, CreatedAt: base})
	other, _ := s.CreateMessage(domain.Message{SenderID: 1, GroupID: 7, CreatedAt: base})
	for _, id := range []int64{late.ID, early.ID, other.ID} {
		if err := s.CreateDelivery(domain.Delivery{MessageID: id, UserID: 2}); err != nil {
			t.Fatalf("create delivery: %v", err)
		}
	}
	if _, err := s.MarkDelivered(other.ID, 2); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	pending, err := s.ListUndelivered(2)
	if err != nil {
		t.Fatalf("list undelivered: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].Message.ID != early.ID || pending[1].Message.ID != late.ID {
		t.Fatalf("unexpected order: %d, %d", pending[0].Message.ID, pending[1].Message.ID)
	}
}

func TestMemoryStorePresence(t *testing.T) {
	s := NewMemoryStore()
	u, _ := s.SaveUser(domain.User{Username: "alice"})
	if err := s.SetOnlineStatus(u.ID, true); err != nil {
		t.Fatalf("set online: %v", err)
	}
	ids, _ := s.ListOnlineUserIDs()
	if len(ids) != 1 || ids[0] != u.ID {
		t.Fatalf("unexpected online ids: %v", ids)
	}
	if err := s.ResetOnlineStatus(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	ids, _ = s.ListOnlineUserIDs()
	if len(ids) != 0 {
		t.Fatalf("expected no online users after reset, got %v", ids)
	}
	if err := s.SetOnlineStatus(999, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}
}
