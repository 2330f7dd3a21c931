// Package session implements the Session Store (spec §4.2): token
// issuance, validation, renewal, expiry, and the connection↔token side
// index, under a single lock discipline so the two indexes never
// disagree (spec §3 invariant: "A disconnected socket leaves no session
// behind after the next sweep").
package session

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/scanbridge/scanbridged/internal/logging"
	"github.com/scanbridge/scanbridged/internal/metrics"
)

// ConnID identifies the socket a session is bound to. The Gateway supplies
// a stable per-connection identifier (e.g. a pointer address or sequence
// number); Store treats it opaquely.
type ConnID string

// Session is the identity of one authenticated client (spec §3).
type Session struct {
	Token      string
	ConnID     ConnID
	ClientID   string
	CreatedAt  time.Time
	LastActive time.Time
	ExpiresAt  time.Time

	mu               sync.Mutex
	selectedScanner  string
	activeRequestID  string
	scanning         bool
}

// SelectedScanner returns the currently selected device id, if any.
func (s *Session) SelectedScanner() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedScanner, s.selectedScanner != ""
}

// SetSelectedScanner records the session's current device selection.
func (s *Session) SetSelectedScanner(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedScanner = id
}

// BeginScan records requestID as the session's single active job, failing
// if one is already active (spec §3 invariant: "at most one
// non-terminated scan job per session").
func (s *Session) BeginScan(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanning {
		return false
	}
	s.scanning = true
	s.activeRequestID = requestID
	return true
}

// EndScan clears the session's active job, if it matches requestID. A
// mismatched requestID is ignored, so a late callback from a superseded
// job can never clobber a newer one.
func (s *Session) EndScan(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRequestID == requestID {
		s.scanning = false
		s.activeRequestID = ""
	}
}

// ActiveRequestID returns the session's current job id, if any.
func (s *Session) ActiveRequestID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRequestID, s.scanning
}

// IsScanning reports whether the session currently owns an active job.
func (s *Session) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Store is the thread-safe session table plus its connection→token side
// index (spec §4.2).
type Store struct {
	log *logrus.Entry

	maxSessions int
	ttl         time.Duration

	mu         sync.Mutex
	byToken    map[string]*Session
	byConn     *lru.Cache[ConnID, string] // connId -> token, bounded by maxSessions

	stopSweep chan struct{}
}

// NewStore constructs a Store. ttl is applied to newly created and renewed
// sessions; maxSessions bounds the live session count (spec §4.2, "fails
// ... when the live session count has reached the configured maximum").
func NewStore(maxSessions int, ttl time.Duration) *Store {
	if maxSessions <= 0 {
		maxSessions = 1
	}
	cache, _ := lru.New[ConnID, string](maxSessions)
	return &Store{
		log:         logging.For("session"),
		maxSessions: maxSessions,
		ttl:         ttl,
		byToken:     make(map[string]*Session),
		byConn:      cache,
	}
}

// generateToken produces a cryptographically strong, URL-safe token with
// at least 256 bits of entropy (spec §4.2).
func generateToken() (string, error) {
	buf := make([]byte, 32) // 256 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create issues a new session bound to conn, or nil if the live session
// count has reached the configured maximum (spec §4.2).
func (st *Store) Create(conn ConnID, clientID string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	// A connection is bound to at most one session: re-authenticating on
	// the same connection replaces the session already bound to it.
	if old, ok := st.byConn.Peek(conn); ok {
		st.removeLocked(old)
	}

	if len(st.byToken) >= st.maxSessions {
		return nil, nil
	}

	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	sess := &Session{
		Token:      token,
		ConnID:     conn,
		ClientID:   clientID,
		CreatedAt:  now,
		LastActive: now,
		ExpiresAt:  now.Add(st.ttl),
	}
	st.byToken[token] = sess
	st.byConn.Add(conn, token)
	return sess, nil
}

// Validate returns the session for token if it has not expired, refreshing
// LastActive; an expired session is removed and nil is returned
// (spec §4.2).
func (st *Store) Validate(token string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.byToken[token]
	if !ok {
		return nil
	}
	if time.Now().After(sess.ExpiresAt) {
		st.removeLocked(token)
		return nil
	}
	sess.LastActive = time.Now()
	return sess
}

// ByConnection returns the session bound to conn via the side index.
func (st *Store) ByConnection(conn ConnID) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	token, ok := st.byConn.Get(conn)
	if !ok {
		return nil
	}
	sess, ok := st.byToken[token]
	if !ok {
		return nil
	}
	return sess
}

// Renew extends token's expiry to now + ttl (spec §4.2).
func (st *Store) Renew(token string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.byToken[token]
	if !ok {
		return nil
	}
	sess.ExpiresAt = time.Now().Add(st.ttl)
	return sess
}

// Remove deletes the session for token. Idempotent.
func (st *Store) Remove(token string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.removeLocked(token)
}

// RemoveByConnection deletes whatever session is bound to conn. Idempotent.
func (st *Store) RemoveByConnection(conn ConnID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	token, ok := st.byConn.Get(conn)
	if !ok {
		return
	}
	st.removeLocked(token)
}

// removeLocked requires st.mu held. It deletes both indexes together so
// that after any mutation either both entries exist or both are gone
// (spec §4.2).
func (st *Store) removeLocked(token string) {
	sess, ok := st.byToken[token]
	if !ok {
		return
	}
	delete(st.byToken, token)
	st.byConn.Remove(sess.ConnID)
}

// Count returns the current number of live sessions.
func (st *Store) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.byToken)
}

// StartSweep runs Sweep every interval until StopSweep is called; an
// interval <= 0 falls back to 5 minutes (spec §4.2).
func (st *Store) StartSweep(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	st.stopSweep = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed := st.Sweep()
				if removed > 0 {
					st.log.WithField("removed", removed).Debug("swept expired sessions")
				}
			case <-st.stopSweep:
				return
			}
		}
	}()
}

// StopSweep halts the background sweep goroutine started by StartSweep.
func (st *Store) StopSweep() {
	if st.stopSweep != nil {
		close(st.stopSweep)
	}
}

// Sweep removes all expired sessions and returns the count removed.
func (st *Store) Sweep() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	var expired []string
	for token, sess := range st.byToken {
		if now.After(sess.ExpiresAt) {
			expired = append(expired, token)
		}
	}
	for _, token := range expired {
		st.removeLocked(token)
	}
	if len(expired) > 0 {
		metrics.SessionsExpired.Add(float64(len(expired)))
	}
	return len(expired)
}
