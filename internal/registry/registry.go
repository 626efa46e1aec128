// Package registry tracks live WebSocket sessions keyed by user id and
// enforces the one-connection-per-user policy.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/stockwatch-io/gateway/internal/monitoring"
)

// Registry maps user ids to their single live session. A second login for
// the same user supersedes the first: the old connection is closed with a
// normal-closure frame and the new one takes the slot.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// onRemove runs after a session leaves the registry, outside the lock.
	// The gateway uses it to drop the user's subscriptions.
	onRemove func(userID string)

	logger zerolog.Logger
}

// NewRegistry creates an empty registry. onRemove may be nil.
func NewRegistry(onRemove func(userID string), logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		onRemove: onRemove,
		logger:   logger.With().Str("component", "registry").Logger(),
	}
}

// Add registers a session, superseding any existing one for the same user.
// It returns the displaced session, or nil. The displaced session's own
// teardown skips Remove (it is no longer current), so the caller settles
// any per-connection accounting from the return value.
func (r *Registry) Add(sess *Session) *Session {
	r.mu.Lock()
	old := r.sessions[sess.UserID]
	r.sessions[sess.UserID] = sess
	r.mu.Unlock()

	if old == sess {
		old = nil
	}
	if old != nil {
		monitoring.ConnectionsSuperseded.Inc()
		r.logger.Info().
			Str("user_id", sess.UserID).
			Msg("Superseding existing connection")
		old.Close(ws.StatusNormalClosure, "superseded")
	}

	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsCurrent.Set(float64(r.Len()))
	return old
}

// Remove unregisters sess if it is still the user's current session.
// A session superseded by a newer one leaves the newer entry untouched.
func (r *Registry) Remove(sess *Session) {
	r.mu.Lock()
	current, ok := r.sessions[sess.UserID]
	if !ok || current != sess {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sess.UserID)
	r.mu.Unlock()

	monitoring.ConnectionsCurrent.Set(float64(r.Len()))

	if r.onRemove != nil {
		r.onRemove(sess.UserID)
	}
}

// Get returns the user's current session, or nil.
func (r *Registry) Get(userID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[userID]
}

// SendTo enqueues data for one user. Returns false when the user has no
// session or the session's buffer is full.
func (r *Registry) SendTo(userID string, data []byte) bool {
	sess := r.Get(userID)
	if sess == nil {
		return false
	}
	return sess.Enqueue(data)
}

// Broadcast enqueues data for every connected session.
func (r *Registry) Broadcast(data []byte) {
	for _, sess := range r.Snapshot() {
		sess.Enqueue(data)
	}
}

// Snapshot copies the current session list.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RunHeartbeat pings every session at interval and reaps those that did
// not answer since the previous sweep. Blocks until ctx is done.
func (r *Registry) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	for _, sess := range r.Snapshot() {
		if !sess.SweepAlive() {
			r.logger.Info().
				Str("user_id", sess.UserID).
				Msg("Heartbeat timeout, dropping connection")
			sess.Terminate()
			r.Remove(sess)
			continue
		}
		if err := sess.Ping(); err != nil {
			sess.Terminate()
			r.Remove(sess)
		}
	}
}

// CloseAll closes every session with the given status, for shutdown.
func (r *Registry) CloseAll(code ws.StatusCode, reason string) {
	for _, sess := range r.Snapshot() {
		sess.Close(code, reason)
		r.Remove(sess)
	}
}
