package bot

import (
	"VPN-Reseller-bot/internal/purchase"
	"sync"
	"time"
)

// SessionTTL is how long a conversation survives without activity.
const SessionTTL = 30 * time.Minute

// Conversation states outside the purchase flow, which uses the purchase.State values.
const (
	StateSettleAmount   = "rs_settle_amount"
	StateSettleMethod   = "rs_settle_method"
	StateAdminSetDebt   = "adm_setdebt"
	StateAdminTrial     = "adm_trial"
	StateAdminBroadcast = "adm_broadcast"
)

// Session is the conversation context of one chat.
type Session struct {
	State      string
	Slots      map[string]string
	Flow       purchase.Flow
	LastActive time.Time
}

// Deadline is when the session expires unless the user acts again.
func (s *Session) Deadline() time.Time {
	return s.LastActive.Add(SessionTTL)
}

// Sessions holds the conversation contexts keyed by chat id.
type Sessions struct {
	mu  sync.Mutex
	m   map[int64]*Session
	now func() time.Time
}

func NewSessions() *Sessions {
	return &Sessions{m: make(map[int64]*Session), now: time.Now}
}

// Get returns the live session of a chat and refreshes its deadline. Expired sessions are dropped.
func (s *Sessions) Get(chatID int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[chatID]
	if !ok {
		return nil
	}
	now := s.now()
	if !now.Before(sess.Deadline()) {
		delete(s.m, chatID)
		return nil
	}
	sess.LastActive = now
	return sess
}

// Start replaces the session of a chat with a fresh one in state.
func (s *Sessions) Start(chatID int64, state string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &Session{State: state, Slots: make(map[string]string), Flow: purchase.NewFlow(), LastActive: s.now()}
	s.m[chatID] = sess
	return sess
}

// End removes the session of a chat and reports whether there was one.
func (s *Sessions) End(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[chatID]
	delete(s.m, chatID)
	return ok
}

// Sweep drops every expired session.
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, sess := range s.m {
		if !now.Before(sess.Deadline()) {
			delete(s.m, id)
			n++
		}
	}
	return n
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
