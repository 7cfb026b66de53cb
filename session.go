package mcp

import "sync"

// sessionStore is the lifecycle authority for SSE sessions. It owns the mapping from
// session ID to the live session, and is the only place sessions are registered or
// evicted. All mutations and lookups are serialized by the mutex, so no caller can
// observe a half-registered session.
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*sseSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		sessions: make(map[string]*sseSession),
	}
}

// open registers the session under its ID. The ID is generated fresh at stream-open
// time and is never reused while its session is resolvable.
func (st *sessionStore) open(sess *sseSession) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.sessions[sess.id] = sess
}

// get looks up a session by ID. Absence means the caller must report an unknown
// session to the client, not crash.
func (st *sessionStore) get(id string) (*sseSession, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	sess, ok := st.sessions[id]
	return sess, ok
}

// close evicts the session and releases its resources. Closing an already-closed or
// unknown session is a no-op: eviction may be signalled from several places (client
// disconnect, transport error, server shutdown) and must take effect exactly once.
func (st *sessionStore) close(id string) {
	st.mu.Lock()
	sess, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()

	if ok {
		sess.Stop()
	}
}

// closeAll evicts every session. Used on server shutdown.
func (st *sessionStore) closeAll() {
	st.mu.Lock()
	sessions := st.sessions
	st.sessions = make(map[string]*sseSession)
	st.mu.Unlock()

	for _, sess := range sessions {
		sess.Stop()
	}
}
