// Package client consumes relay streams: it splits the ndjson body into
// events and folds them into per-session state.
package client

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/depsrelay/schema"
)

// UIEvent is one line of a session's event log.
type UIEvent struct {
	Time    time.Time
	Message string
	IsError bool
}

// Session is the consumer-side record of one run.
type Session struct {
	ID        schema.SessionID
	Agent     schema.AgentName
	RepoURL   string
	Model     schema.ModelID
	StartedAt time.Time
	Status    schema.SessionStatus
	Log       string
	Events    []UIEvent
	Error     string
}

// SessionStore holds sessions by id. It is safe for concurrent use.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[schema.SessionID]*Session
	now      func() time.Time
}

// NewSessionStore returns an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[schema.SessionID]*Session), now: time.Now}
}

// Create registers a pending session for req and returns its id.
func (s *SessionStore) Create(req schema.RunRequest) schema.SessionID {
	id := schema.SessionID(uuid.NewString())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &Session{
		ID:        id,
		Agent:     req.Agent,
		RepoURL:   req.RepoURL,
		Model:     req.Model,
		StartedAt: s.now(),
		Status:    schema.SessionPending,
	}
	return id
}

// MarkProvisioning records that the request was submitted.
func (s *SessionStore) MarkProvisioning(id schema.SessionID) {
	s.update(id, func(sess *Session) {
		if sess.Status == schema.SessionPending {
			sess.Status = schema.SessionProvisioning
		}
	})
}

// Fail records a failure that happened outside the stream, such as a
// rejected request.
func (s *SessionStore) Fail(id schema.SessionID, message string) {
	s.Apply(id, schema.ErrorEvent{Message: message})
}

// Apply folds one stream event into the session. Unknown ids are ignored.
func (s *SessionStore) Apply(id schema.SessionID, ev schema.StreamEvent) {
	s.update(id, func(sess *Session) {
		now := s.now()
		switch ev := ev.(type) {
		case schema.StatusEvent:
			sess.Events = append(sess.Events, UIEvent{Time: now, Message: ev.Message})
			if strings.Contains(strings.ToLower(ev.Message), "executing") {
				sess.promote(schema.SessionRunning)
			}
		case schema.ChunkEvent:
			sess.Log += ev.Data
			sess.promote(schema.SessionRunning)
		case schema.ErrorEvent:
			sess.Events = append(sess.Events, UIEvent{Time: now, Message: ev.Message, IsError: true})
			if sess.Log != "" && !strings.HasSuffix(sess.Log, "\n") {
				sess.Log += "\n"
			}
			sess.Log += fmt.Sprintf("[error] %s\n", ev.Message)
			sess.Status = schema.SessionError
			sess.Error = ev.Message
		case schema.DoneEvent:
			sess.Events = append(sess.Events, UIEvent{Time: now, Message: "session finished"})
			if sess.Status != schema.SessionError {
				sess.Status = schema.SessionCompleted
			}
		}
	})
}

// promote moves a live session forward without leaving a terminal state.
func (sess *Session) promote(status schema.SessionStatus) {
	switch sess.Status {
	case schema.SessionError, schema.SessionCompleted:
		return
	}
	sess.Status = status
}

// Get returns a copy of the session.
func (s *SessionStore) Get(id schema.SessionID) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	out := *sess
	out.Events = append([]UIEvent(nil), sess.Events...)
	return out, true
}

// List returns copies of all sessions, oldest first.
func (s *SessionStore) List() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		cp.Events = append([]UIEvent(nil), sess.Events...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *SessionStore) update(id schema.SessionID, fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		fn(sess)
	}
}
