package store

import (
	"sort"
	"sync"
	"time"

	"github.com/Hanzala-Shadow/Echo/pkg/domain"
)

type deliveryKey struct {
	messageID int64
	userID    int64
}

// MemoryStore keeps state in-process. It backs single-node demos and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[int64]domain.User
	members    map[int64]map[int64]struct{} // group ID -> member IDs
	media      map[int64]domain.Media
	messages   map[int64]domain.Message
	deliveries map[deliveryKey]domain.Delivery
	nextUserID int64
	nextMedia  int64
	nextMsgID  int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[int64]domain.User),
		members:    make(map[int64]map[int64]struct{}),
		media:      make(map[int64]domain.Media),
		messages:   make(map[int64]domain.Message),
		deliveries: make(map[deliveryKey]domain.Delivery),
	}
}

// SaveUser stores or replaces a user, assigning an id when zero.
func (m *MemoryStore) SaveUser(u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		m.nextUserID++
		u.ID = m.nextUserID
	} else if u.ID > m.nextUserID {
		m.nextUserID = u.ID
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = u
	return u, nil
}

// AddGroupMember adds a user to a group.
func (m *MemoryStore) AddGroupMember(groupID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[groupID]
	if !ok {
		set = make(map[int64]struct{})
		m.members[groupID] = set
	}
	set[userID] = struct{}{}
	return nil
}

// SaveMedia records an attachment, assigning an id when zero.
func (m *MemoryStore) SaveMedia(md domain.Media) (domain.Media, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if md.ID == 0 {
		m.nextMedia++
		md.ID = m.nextMedia
	} else if md.ID > m.nextMedia {
		m.nextMedia = md.ID
	}
	m.media[md.ID] = md
	return md, nil
}

func (m *MemoryStore) GetUserByID(id int64) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) SetOnlineStatus(userID int64, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.OnlineStatus = online
	m.users[userID] = u
	return nil
}

func (m *MemoryStore) ListOnlineUserIDs() ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0)
	for id, u := range m.users {
		if u.OnlineStatus {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryStore) ResetOnlineStatus() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.users {
		if u.OnlineStatus {
			u.OnlineStatus = false
			m.users[id] = u
		}
	}
	return nil
}

func (m *MemoryStore) ListGroupMemberIDs(groupID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.members[groupID]
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryStore) GetMedia(id int64) (domain.Media, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.media[id]
	return md, ok, nil
}

func (m *MemoryStore) CreateMessage(msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMsgID++
	msg.ID = m.nextMsgID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.MediaID != nil && msg.Media == nil {
		if md, ok := m.media[*msg.MediaID]; ok {
			msg.Media = &md
		}
	}
	m.messages[msg.ID] = msg
	return msg, nil
}

func (m *MemoryStore) CreateDelivery(d domain.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[d.MessageID]; !ok {
		return ErrNotFound
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	m.deliveries[deliveryKey{d.MessageID, d.UserID}] = d
	return nil
}

func (m *MemoryStore) MarkDelivered(messageID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deliveryKey{messageID, userID}
	d, ok := m.deliveries[key]
	if !ok || d.Delivered {
		return false, nil
	}
	d.Delivered = true
	m.deliveries[key] = d
	return true, nil
}

func (m *MemoryStore) MarkUndelivered(messageID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deliveryKey{messageID, userID}
	d, ok := m.deliveries[key]
	if !ok {
		return ErrNotFound
	}
	d.Delivered = false
	m.deliveries[key] = d
	return nil
}

func (m *MemoryStore) ListUndelivered(userID int64) ([]domain.PendingDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.PendingDelivery, 0)
	for key, d := range m.deliveries {
		if key.userID != userID || d.Delivered {
			continue
		}
		res = append(res, domain.PendingDelivery{Delivery: d, Message: m.messages[key.messageID]})
	}
	sort.Slice(res, func(i, j int) bool {
		a, b := res[i].Message, res[j].Message
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return res, nil
}

// Deliveries returns every record for a message. Intended for tests and
// diagnostics.
func (m *MemoryStore) Deliveries(messageID int64) []domain.Delivery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Delivery, 0)
	for key, d := range m.deliveries {
		if key.messageID == messageID {
			res = append(res, d)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserID < res[j].UserID })
	return res
}

// Messages returns every persisted message in id order.
func (m *MemoryStore) Messages() []domain.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		res = append(res, msg)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}
