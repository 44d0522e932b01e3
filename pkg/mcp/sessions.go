package mcp

import "sync"

// SessionRegistry remembers which MCP session is watching each execution,
// so status notifications reach the client that started it.
type SessionRegistry struct {
	mu        sync.RWMutex
	byExec    map[string]string
	bySession map[string]map[string]struct{}
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byExec:    map[string]string{},
		bySession: map[string]map[string]struct{}{},
	}
}

// Register routes notifications for executionID to sessionID. A later
// Register for the same execution moves it to the new session.
func (r *SessionRegistry) Register(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlink(executionID)
	r.byExec[executionID] = sessionID
	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = map[string]struct{}{}
	}
	r.bySession[sessionID][executionID] = struct{}{}
}

func (r *SessionRegistry) SessionFor(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byExec[executionID]
	return sid, ok
}

// Forget stops routing executionID, typically once its watch ends.
func (r *SessionRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlink(executionID)
}

// Remove drops a disconnected session and returns how many executions it
// was watching.
func (r *SessionRegistry) Remove(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	execs := r.bySession[sessionID]
	for id := range execs {
		delete(r.byExec, id)
	}
	delete(r.bySession, sessionID)
	return len(execs)
}

// Len is the number of routed executions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byExec)
}

// unlink removes executionID from both indexes. Caller holds mu.
func (r *SessionRegistry) unlink(executionID string) {
	sid, ok := r.byExec[executionID]
	if !ok {
		return
	}
	delete(r.byExec, executionID)
	if execs := r.bySession[sid]; execs != nil {
		delete(execs, executionID)
		if len(execs) == 0 {
			delete(r.bySession, sid)
		}
	}
}
