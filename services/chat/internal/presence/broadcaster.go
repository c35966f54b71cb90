package presence

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/Hanzala-Shadow/Echo/pkg/domain"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/hub"
)

const (
	defaultWorkers    = 4
	defaultQueueSize  = 1024
	defaultTrackLimit = 4096
	shardBuffer       = 64
)

// StatusUpdate is the presence frame sent to clients.
type StatusUpdate struct {
	Type         string `json:"type"`
	UserID       int64  `json:"user_id"`
	OnlineStatus bool   `json:"online_status"`
	Username     string `json:"username"`
}

// NewStatusUpdate builds the frame for user.
func NewStatusUpdate(user domain.User, online bool) StatusUpdate {
	return StatusUpdate{
		Type:         "status_update",
		UserID:       user.ID,
		OnlineStatus: online,
		Username:     user.DisplayName(),
	}
}

// UserDirectory resolves display names.
type UserDirectory interface {
	GetUserByID(id int64) (domain.User, bool, error)
}

type event struct {
	userID int64
	online bool
}

// Options sizes the broadcaster.
type Options struct {
	Workers   int
	QueueSize int
	// TrackLimit bounds the per-worker memory of last broadcast states.
	TrackLimit int
}

// lastSeen remembers the last broadcast state per user. Online users are
// always kept. Offline entries are pruned whenever the map grows past limit,
// after which a repeated offline transition for a pruned user is broadcast
// again.
type lastSeen struct {
	states map[int64]bool
	limit  int
}

func newLastSeen(limit int) *lastSeen {
	return &lastSeen{states: make(map[int64]bool), limit: limit}
}

// changed records ev and reports whether it differs from the last broadcast.
func (l *lastSeen) changed(ev event) bool {
	if prev, seen := l.states[ev.userID]; seen && prev == ev.online {
		return false
	}
	l.states[ev.userID] = ev.online
	if len(l.states) > l.limit {
		for id, online := range l.states {
			if !online {
				delete(l.states, id)
			}
		}
	}
	return true
}

// Broadcaster fans presence transitions out to every live connection without
// blocking the caller. Events pass through one queue to a dispatcher that
// shards them by user id, so transitions of one user are broadcast in the
// order they were notified while different users proceed in parallel.
// Repeated identical transitions for a user are dropped; see lastSeen for
// how long offline states are remembered.
type Broadcaster struct {
	registry *hub.Registry
	users    UserDirectory

	queue  chan event
	shards []chan event
	limit  int

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewBroadcaster(registry *hub.Registry, users UserDirectory, opts Options) *Broadcaster {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.TrackLimit <= 0 {
		opts.TrackLimit = defaultTrackLimit
	}
	b := &Broadcaster{
		registry: registry,
		users:    users,
		queue:    make(chan event, opts.QueueSize),
		shards:   make([]chan event, opts.Workers),
		limit:    opts.TrackLimit,
	}
	for i := range b.shards {
		b.shards[i] = make(chan event, shardBuffer)
	}
	return b
}

// Start launches the dispatcher and workers.
func (b *Broadcaster) Start() {
	for _, shard := range b.shards {
		b.wg.Add(1)
		go b.work(shard)
	}
	b.wg.Add(1)
	go b.dispatch()
}

// Notify enqueues a transition. It reports false once the broadcaster has
// been stopped.
func (b *Broadcaster) Notify(userID int64, online bool) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return false
	}
	b.queue <- event{userID: userID, online: online}
	return true
}

// Stop refuses new events, broadcasts everything already queued and waits
// for the workers to finish.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.queue)
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Broadcaster) dispatch() {
	defer b.wg.Done()
	for ev := range b.queue {
		b.shards[shardFor(ev.userID, len(b.shards))] <- ev
	}
	for _, shard := range b.shards {
		close(shard)
	}
}

func shardFor(userID int64, n int) int {
	if userID < 0 {
		userID = -userID
	}
	return int(userID % int64(n))
}

func (b *Broadcaster) work(shard <-chan event) {
	defer b.wg.Done()
	last := newLastSeen(b.limit)
	for ev := range shard {
		if last.changed(ev) {
			b.broadcast(ev)
		}
	}
}

func (b *Broadcaster) broadcast(ev event) {
	user := domain.User{ID: ev.userID}
	if u, ok, err := b.users.GetUserByID(ev.userID); err != nil {
		slog.Warn("presence: resolve display name failed", "user_id", ev.userID, "err", err)
	} else if ok {
		user = u
	}
	payload, err := json.Marshal(NewStatusUpdate(user, ev.online))
	if err != nil {
		slog.Error("presence: encode status update", "user_id", ev.userID, "err", err)
		return
	}
	for _, conn := range b.registry.Snapshot() {
		if err := conn.Send(payload); err != nil {
			conn.Logger().Debug("presence update not delivered", "subject_user_id", ev.userID, "err", err)
		}
	}
}
