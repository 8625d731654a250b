package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hannes/kiji-detect/form"
)

// SessionCookieName is the cookie that ties a browser to its form
const SessionCookieName = "kiji_session"

// DefaultMaxSessions bounds the session map when no limit is configured
const DefaultMaxSessions = 1000

type session struct {
	form     *form.Form
	lastSeen time.Time
}

// sessionStore maps session IDs to their forms. Idle sessions expire after
// ttl, and at most maxSessions are held at once.
type sessionStore struct {
	mu          sync.Mutex
	sessions    map[string]*session
	ttl         time.Duration
	maxSessions int
	newForm     func() *form.Form
	now         func() time.Time
}

func newSessionStore(ttl time.Duration, maxSessions int, newForm func() *form.Form) *sessionStore {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &sessionStore{
		sessions:    make(map[string]*session),
		ttl:         ttl,
		maxSessions: maxSessions,
		newForm:     newForm,
		now:         time.Now,
	}
}

// get returns the form for id if the session exists and has not expired
func (s *sessionStore) get(id string) (*form.Form, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || s.expired(sess) {
		return nil, false
	}
	sess.lastSeen = s.now()
	return sess.form, true
}

// getOrCreate returns the form for id, creating a new session under a fresh
// ID when id is unknown or expired
func (s *sessionStore) getOrCreate(id string) (string, *form.Form) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		if !s.expired(sess) {
			sess.lastSeen = s.now()
			return id, sess.form
		}
		sess.form.Close()
		delete(s.sessions, id)
	}

	if len(s.sessions) >= s.maxSessions {
		s.makeRoomLocked()
	}

	id = uuid.NewString()
	f := s.newForm()
	s.sessions[id] = &session{form: f, lastSeen: s.now()}
	return id, f
}

// evictExpired closes and removes idle sessions, returning how many were removed
func (s *sessionStore) evictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if s.expired(sess) {
			sess.form.Close()
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// makeRoomLocked drops expired sessions, then the least recently seen one if
// the store is still full. Callers hold s.mu.
func (s *sessionStore) makeRoomLocked() {
	var oldestID string
	var oldest *session
	for id, sess := range s.sessions {
		if s.expired(sess) {
			sess.form.Close()
			delete(s.sessions, id)
			continue
		}
		if oldest == nil || sess.lastSeen.Before(oldest.lastSeen) {
			oldestID, oldest = id, sess
		}
	}
	if len(s.sessions) >= s.maxSessions && oldest != nil {
		oldest.form.Close()
		delete(s.sessions, oldestID)
	}
}

func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *sessionStore) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.form.Close()
		delete(s.sessions, id)
	}
}

func (s *sessionStore) expired(sess *session) bool {
	return s.now().Sub(sess.lastSeen) > s.ttl
}
