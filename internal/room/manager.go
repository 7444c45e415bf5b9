package room

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/babblefish/babblefish/internal/observe"
	"github.com/babblefish/babblefish/pkg/language"
)

// Manager errors surfaced to the transport layer.
var (
	// ErrServerFull means the room cap is reached and no idle room could
	// be evicted to make space.
	ErrServerFull = errors.New("room: server room limit reached")

	// ErrInvalidRoomID means the requested room code does not match the
	// required shape.
	ErrInvalidRoomID = errors.New("room: invalid room id")
)

// roomIDAlphabet excludes 0 and 1 to avoid O/I confusion in spoken codes.
const (
	roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ23456789"
	roomIDLength   = 6
)

// roomIDPattern is the accepted client-supplied room code shape.
var roomIDPattern = regexp.MustCompile(`^[A-Z2-9]{6}$`)

// defaultJanitorInterval is how often empty rooms are checked for expiry.
const defaultJanitorInterval = 60 * time.Second

// ManagerConfig carries the global room limits.
type ManagerConfig struct {
	// MaxRooms caps concurrently open rooms.
	MaxRooms int

	// MaxParticipants caps membership per room.
	MaxParticipants int

	// RoomTimeout is how long a room may sit empty before the janitor
	// deletes it.
	RoomTimeout time.Duration

	// HardCapSeconds bounds each participant's utterance buffer.
	HardCapSeconds int

	// QueueCapacity bounds each participant's send queue. Zero means the
	// default.
	QueueCapacity int

	// NewDecoder creates per-participant packet decoders. Nil means a fresh
	// Opus session per participant.
	NewDecoder func() (PacketDecoder, error)
}

// Manager owns the room table: creation on demand, admission limits with
// oldest-idle eviction, and the background janitor. Safe for concurrent use.
type Manager struct {
	cfg      ManagerConfig
	pipe     Pipeline
	registry *language.Registry
	metrics  *observe.Metrics
	now      func() time.Time
	interval time.Duration

	mu    sync.Mutex
	rooms map[string]*Room

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// ManagerOption is a functional option for configuring a [Manager].
type ManagerOption func(*Manager)

// WithManagerMetrics sets the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithManagerMetrics(m *observe.Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithManagerClock injects the time source for idleness decisions.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(mgr *Manager) { mgr.now = now }
}

// WithJanitorInterval overrides the janitor tick. Tests use short ticks.
func WithJanitorInterval(d time.Duration) ManagerOption {
	return func(mgr *Manager) {
		if d > 0 {
			mgr.interval = d
		}
	}
}

// NewManager creates a manager and starts its janitor goroutine.
func NewManager(cfg ManagerConfig, pipe Pipeline, registry *language.Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg,
		pipe:     pipe,
		registry: registry,
		now:      time.Now,
		interval: defaultJanitorInterval,
		rooms:    make(map[string]*Room),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}

	go m.janitor()
	return m
}

// MaxParticipants returns the per-room membership cap, for error messages.
func (m *Manager) MaxParticipants() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.MaxParticipants
}

// SetRoomTimeout changes the empty-room grace period. Applied by the next
// janitor sweep.
func (m *Manager) SetRoomTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.RoomTimeout = d
}

// SetMaxParticipants changes the membership cap for rooms created from now
// on; existing rooms keep their cap.
func (m *Manager) SetMaxParticipants(n int) {
	if n < 2 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.MaxParticipants = n
}

// Join validates the candidate and admits it to the named room, creating
// the room if needed. An empty roomID mints a fresh code. The returned room
// id is the effective one.
//
// Errors: [language.ErrUnsupported] wrapped with a suggestion,
// [ErrInvalidRoomID], [ErrServerFull], [ErrRoomFull].
func (m *Manager) Join(ctx context.Context, roomID, name, lang string, queue *SendQueue, kick func()) (string, JoinResult, error) {
	if _, err := m.registry.Resolve(lang); err != nil {
		return "", JoinResult{}, err
	}

	r, err := m.roomFor(roomID)
	if err != nil {
		return "", JoinResult{}, err
	}

	res, err := r.Join(ctx, JoinRequest{Name: name, Language: lang, Queue: queue, Kick: kick})
	if err != nil {
		if errors.Is(err, errRoomClosed) {
			// Lost a race with the janitor; one retry against a fresh room.
			r, rerr := m.roomFor(r.ID())
			if rerr != nil {
				return "", JoinResult{}, rerr
			}
			res, err = r.Join(ctx, JoinRequest{Name: name, Language: lang, Queue: queue, Kick: kick})
			if err != nil {
				return "", JoinResult{}, err
			}
			return r.ID(), res, nil
		}
		return "", JoinResult{}, err
	}
	return r.ID(), res, nil
}

// Get returns the room with the given id, or nil.
func (m *Manager) Get(roomID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[roomID]
}

// Stats returns the current room and participant counts.
func (m *Manager) Stats() (rooms, participants int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		participants += r.Size()
	}
	return len(m.rooms), participants
}

// Close stops the janitor and tears down every room.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done

	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for id, r := range m.rooms {
		rooms = append(rooms, r)
		delete(m.rooms, id)
		m.metrics.ActiveRooms.Add(context.Background(), -1)
	}
	m.mu.Unlock()

	for _, r := range rooms {
		r.Close()
	}
}

// roomFor returns the existing room or creates one, enforcing the global
// cap with oldest-idle eviction.
func (m *Manager) roomFor(roomID string) (*Room, error) {
	m.mu.Lock()

	if roomID == "" {
		roomID = m.mintRoomIDLocked()
	} else if !roomIDPattern.MatchString(roomID) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoomID, roomID)
	}

	if r, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return r, nil
	}

	var evict *Room
	if len(m.rooms) >= m.cfg.MaxRooms {
		evict = m.oldestIdleLocked()
		if evict == nil {
			m.mu.Unlock()
			return nil, ErrServerFull
		}
		delete(m.rooms, evict.ID())
		m.metrics.ActiveRooms.Add(context.Background(), -1)
	}

	r := NewRoom(roomID, Config{
		MaxParticipants: m.cfg.MaxParticipants,
		HardCapSeconds:  m.cfg.HardCapSeconds,
		QueueCapacity:   m.cfg.QueueCapacity,
		NewDecoder:      m.cfg.NewDecoder,
	}, m.pipe, WithMetrics(m.metrics), WithClock(m.now))
	m.rooms[roomID] = r
	m.metrics.ActiveRooms.Add(context.Background(), 1)
	m.mu.Unlock()

	if evict != nil {
		slog.Info("evicted oldest idle room to make space", "evicted", evict.ID(), "created", roomID)
		evict.Close()
	}
	slog.Info("room created", "room", roomID)
	return r, nil
}

// oldestIdleLocked returns the empty room idle the longest, or nil when no
// room is empty. Caller holds m.mu.
func (m *Manager) oldestIdleLocked() *Room {
	var oldest *Room
	for _, r := range m.rooms {
		if r.Size() != 0 {
			continue
		}
		if oldest == nil || r.IdleSince().Before(oldest.IdleSince()) {
			oldest = r
		}
	}
	return oldest
}

// mintRoomIDLocked generates a fresh unused room code. Caller holds m.mu.
func (m *Manager) mintRoomIDLocked() string {
	for {
		id := randomRoomID()
		if _, taken := m.rooms[id]; !taken {
			return id
		}
	}
}

// randomRoomID returns a random 6-character code over the room alphabet.
func randomRoomID() string {
	buf := make([]byte, roomIDLength)
	// crypto/rand.Read never fails on supported platforms.
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = roomIDAlphabet[int(b)%len(roomIDAlphabet)]
	}
	return string(buf)
}

// janitor deletes rooms that stay empty beyond the grace period.
func (m *Manager) janitor() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep closes and removes every room empty longer than the grace period.
func (m *Manager) sweep() {
	now := m.now()

	m.mu.Lock()
	var expired []*Room
	for id, r := range m.rooms {
		if r.Size() == 0 && now.Sub(r.IdleSince()) > m.cfg.RoomTimeout {
			expired = append(expired, r)
			delete(m.rooms, id)
			m.metrics.ActiveRooms.Add(context.Background(), -1)
		}
	}
	m.mu.Unlock()

	for _, r := range expired {
		slog.Info("room expired", "room", r.ID())
		r.Close()
	}
}
