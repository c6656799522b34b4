package session

import (
	"sync"

	"github.com/offene-werkstatt/maco-core/internal/nfc"
)

// Logger is the minimal logging interface the registry needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// handle is the stable key of the owning arena. The two lookup indices
// point into the arena rather than holding copies.
type handle int

// Registry caches authorized sessions, indexed both by tag UID and by
// session id.
//
// The authority pushes new sessions and force-closes over MQTT; the
// application goroutine feeds those into Register and Invalidate. All
// methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	next    handle
	arena   map[handle]*TokenSession
	byTag   map[nfc.TagUID]handle
	byID    map[string]handle
	logger  Logger
	onClose func(*TokenSession)
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		arena:  make(map[handle]*TokenSession),
		byTag:  make(map[nfc.TagUID]handle),
		byID:   make(map[string]handle),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for registry operations.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetCloseHandler registers the callback invoked when a session is
// invalidated. The machine FSM hooks in here so a force-closed session
// also checks out any Active machine state bound to it.
func (r *Registry) SetCloseHandler(fn func(*TokenSession)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = fn
}

// Register caches a session.
//
// Re-registration with an identical (tag, session id) pair is idempotent
// and returns the existing entry. A different session id for a tag that
// already has one supersedes it: the conflict is logged, the prior entry
// is marked for usage reconciliation, and the new session is indexed
// under both keys.
func (r *Registry) Register(s TokenSession) *TokenSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.byTag[s.TokenID]; ok {
		existing := r.arena[h]
		if existing.SessionID == s.SessionID {
			return existing
		}

		r.logger.Warn("session superseded for tag",
			"tag_uid", s.TokenID.String(),
			"old_session_id", existing.SessionID,
			"new_session_id", s.SessionID,
		)
		existing.NeedsUsageReconciliation = true
		delete(r.byTag, existing.TokenID)
	}

	entry := &TokenSession{}
	*entry = s
	h := r.next
	r.next++
	r.arena[h] = entry
	r.byTag[s.TokenID] = h
	r.byID[s.SessionID] = h

	r.logger.Info("session registered",
		"tag_uid", s.TokenID.String(),
		"session_id", s.SessionID,
		"user", s.UserLabel,
	)
	return entry
}

// ForTag returns the session for a tag UID. Absence is not an error.
func (r *Registry) ForTag(uid nfc.TagUID) (*TokenSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byTag[uid]
	if !ok {
		return nil, false
	}
	return r.arena[h], true
}

// ByID returns the session with the given session id.
func (r *Registry) ByID(sessionID string) (*TokenSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[sessionID]
	if !ok {
		return nil, false
	}
	return r.arena[h], true
}

// Invalidate removes a session by id, typically on a force-close push.
// The close handler runs after the session is unindexed.
func (r *Registry) Invalidate(sessionID string) {
	r.mu.Lock()
	h, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry := r.arena[h]
	delete(r.arena, h)
	delete(r.byID, sessionID)
	if r.byTag[entry.TokenID] == h {
		delete(r.byTag, entry.TokenID)
	}
	onClose := r.onClose
	r.mu.Unlock()

	r.logger.Info("session invalidated", "session_id", sessionID)
	if onClose != nil {
		onClose(entry)
	}
}
