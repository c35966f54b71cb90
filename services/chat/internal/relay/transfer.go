package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownUpload   = errors.New("unknown upload")
	ErrUploadFinished  = errors.New("upload already finished")
	ErrDuplicateUpload = errors.New("upload id already in use")
	ErrChunkOutOfRange = errors.New("chunk index out of range")
)

// State is the lifecycle of a file transfer.
type State int

const (
	StateStarted State = iota
	StateReceiving
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateReceiving:
		return "receiving"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool { return s == StateCompleted || s == StateCancelled }

// FileMeta describes the file announced by file_start.
type FileMeta struct {
	FileName    string
	FileType    string
	FileSize    int64
	TotalChunks int
}

// Session is a chunked file transfer relayed through the server. Chunks maps
// chunk index to its size in bytes; the payload itself is never stored.
type Session struct {
	ID         string
	ClientID   string
	SenderID   int64
	GroupID    int64
	Meta       FileMeta
	Chunks     map[int]int
	Received   int64
	State      State
	Recipients []int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (s *Session) clone() Session {
	out := *s
	out.Chunks = make(map[int]int, len(s.Chunks))
	for k, v := range s.Chunks {
		out.Chunks[k] = v
	}
	out.Recipients = append([]int64(nil), s.Recipients...)
	return out
}

type aliasKey struct {
	senderID int64
	clientID string
}

// Transfers tracks file transfer sessions. Terminal sessions stay as
// tombstones until they age out so late frames are recognized and dropped.
type Transfers struct {
	mu       sync.Mutex
	sessions map[string]*Session
	aliases  map[aliasKey]string
	idle     time.Duration
	now      func() time.Time
}

// NewTransfers creates a tracker that expires sessions idle for longer than
// idle.
func NewTransfers(idle time.Duration) *Transfers {
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &Transfers{
		sessions: make(map[string]*Session),
		aliases:  make(map[aliasKey]string),
		idle:     idle,
		now:      time.Now,
	}
}

// Start opens a session under a new server-assigned id. clientID is the id
// the sender chose and may be used in later frames.
func (t *Transfers) Start(senderID, groupID int64, clientID string, meta FileMeta, recipients []int64) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := aliasKey{senderID, clientID}
	if clientID != "" {
		if id, ok := t.aliases[key]; ok {
			if s, ok := t.sessions[id]; ok {
				if s.State.Terminal() {
					return s.clone(), ErrUploadFinished
				}
				return s.clone(), ErrDuplicateUpload
			}
		}
	}
	now := t.now()
	s := &Session{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		SenderID:   senderID,
		GroupID:    groupID,
		Meta:       meta,
		Chunks:     make(map[int]int),
		State:      StateStarted,
		Recipients: append([]int64(nil), recipients...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.sessions[s.ID] = s
	if clientID != "" {
		t.aliases[key] = s.ID
	}
	return s.clone(), nil
}

// Chunk records a received chunk of size bytes.
func (t *Transfers) Chunk(senderID int64, ref string, index, size int) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(senderID, ref)
	if err != nil {
		return Session{}, err
	}
	if s.State.Terminal() {
		return s.clone(), ErrUploadFinished
	}
	if index < 0 || index >= s.Meta.TotalChunks {
		return s.clone(), ErrChunkOutOfRange
	}
	if prev, ok := s.Chunks[index]; ok {
		s.Received -= int64(prev)
	}
	s.Chunks[index] = size
	s.Received += int64(size)
	s.State = StateReceiving
	s.UpdatedAt = t.now()
	return s.clone(), nil
}

// End marks the transfer completed.
func (t *Transfers) End(senderID int64, ref string) (Session, error) {
	return t.finish(senderID, ref, StateCompleted)
}

// Cancel marks the transfer cancelled.
func (t *Transfers) Cancel(senderID int64, ref string) (Session, error) {
	return t.finish(senderID, ref, StateCancelled)
}

func (t *Transfers) finish(senderID int64, ref string, state State) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(senderID, ref)
	if err != nil {
		return Session{}, err
	}
	if s.State.Terminal() {
		return s.clone(), ErrUploadFinished
	}
	s.State = state
	s.UpdatedAt = t.now()
	return s.clone(), nil
}

// Expire cancels sessions idle for longer than the idle timeout and drops
// tombstones older than it. It returns the sessions it cancelled.
func (t *Transfers) Expire() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var expired []Session
	for id, s := range t.sessions {
		if now.Sub(s.UpdatedAt) < t.idle {
			continue
		}
		if s.State.Terminal() {
			delete(t.sessions, id)
			if s.ClientID != "" {
				delete(t.aliases, aliasKey{s.SenderID, s.ClientID})
			}
			continue
		}
		s.State = StateCancelled
		s.UpdatedAt = now
		expired = append(expired, s.clone())
	}
	return expired
}

// Get returns a copy of a session by server id.
func (t *Transfers) Get(id string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Len counts tracked sessions, tombstones included.
func (t *Transfers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Transfers) lookup(senderID int64, ref string) (*Session, error) {
	if id, ok := t.aliases[aliasKey{senderID, ref}]; ok {
		if s, ok := t.sessions[id]; ok {
			return s, nil
		}
	}
	if s, ok := t.sessions[ref]; ok && s.SenderID == senderID {
		return s, nil
	}
	return nil, ErrUnknownUpload
}
