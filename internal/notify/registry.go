package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/observability"
)

// Conn is the write surface of one live connection. *websocket.Conn
// satisfies it; tests use a fake.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

type session struct {
	conn   Conn
	mu     sync.Mutex
	userID string
	role   string

	connectedAt  time.Time
	lastActivity time.Time
}

func (s *session) send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	return s.conn.WriteJSON(ev)
}

// Registry maps user ids to their live connections; a user may be
// connected from several devices at once. It owns no business state and
// is constructed at process start and shut down explicitly, never
// imported as a singleton.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*session
	byUser map[string]map[string]*session

	// Push, when set, carries offer events to workers with no live
	// socket.
	Push *FCMPush

	log *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		byConn: make(map[string]*session),
		byUser: make(map[string]map[string]*session),
		log:    log,
	}
}

func (r *Registry) Register(connID, userID, role string, conn Conn) {
	now := time.Now()
	s := &session{conn: conn, userID: userID, role: role, connectedAt: now, lastActivity: now}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[connID] = s
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*session)
	}
	r.byUser[userID][connID] = s
}

func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	s, ok := r.byConn[connID]
	if ok {
		delete(r.byConn, connID)
		delete(r.byUser[s.userID], connID)
		if len(r.byUser[s.userID]) == 0 {
			delete(r.byUser, s.userID)
		}
	}
	r.mu.Unlock()
	if ok {
		_ = s.conn.Close()
	}
}

// Publish fans the event out to all of the user's connections,
// fire-and-forget. A write failure only logs; state progression never
// blocks on delivery.
func (r *Registry) Publish(userID string, ev Event) {
	r.mu.RLock()
	sessions := make([]*session, 0, len(r.byUser[userID]))
	for _, s := range r.byUser[userID] {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	observability.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	if len(sessions) == 0 {
		if r.Push != nil && ev.Type == EventOfferCreated {
			if err := r.Push.Send(userID, ev); err != nil {
				r.log.Warn("push fallback failed", "user_id", userID, "error", err)
			}
			return
		}
		observability.EventsDropped.Inc()
		return
	}
	for _, s := range sessions {
		if err := s.send(ev); err != nil {
			r.log.Warn("ws send failed", "user_id", userID, "type", ev.Type, "error", err)
		}
	}
}

// ConnectionCount reports live connections for a user.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Close tears down every connection; used on process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.byConn
	r.byConn = make(map[string]*session)
	r.byUser = make(map[string]map[string]*session)
	r.mu.Unlock()
	for _, s := range sessions {
		_ = s.conn.Close()
	}
}
