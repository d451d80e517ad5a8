package chat

import (
	"sync"
	"time"

	"google.golang.org/genai"
)

const (
	DefaultMemoryTurns = 10
	DefaultMemoryChars = 8000
	DefaultMemoryIdle  = time.Hour
)

// Turn is one question and answer pair kept for a session
type Turn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func (t Turn) size() int {
	return len(t.Question) + len(t.Answer)
}

type session struct {
	turns    []Turn
	lastUsed time.Time
}

// SessionMemory keeps recent turns per session in process. Sessions idle longer than the idle limit are
// evicted on the next write.
type SessionMemory struct {
	mu       sync.Mutex
	sessions map[string]*session
	maxTurns int
	maxChars int
	idle     time.Duration
	now      func() time.Time
}

// NewSessionMemory creates a memory bounded by turn count and total characters
func NewSessionMemory(maxTurns, maxChars int, idle time.Duration) *SessionMemory {
	if maxTurns <= 0 {
		maxTurns = DefaultMemoryTurns
	}
	if maxChars <= 0 {
		maxChars = DefaultMemoryChars
	}
	if idle <= 0 {
		idle = DefaultMemoryIdle
	}
	return &SessionMemory{
		sessions: make(map[string]*session),
		maxTurns: maxTurns,
		maxChars: maxChars,
		idle:     idle,
		now:      time.Now,
	}
}

// History returns a copy of the retained turns, oldest first
func (m *SessionMemory) History(sessionID string) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	if m.now().Sub(s.lastUsed) > m.idle {
		delete(m.sessions, sessionID)
		return nil
	}
	return append([]Turn(nil), s.turns...)
}

// Restore seeds a session that has no turns in memory, typically from a HistoryStore. It reports whether
// the turns were applied.
func (m *SessionMemory) Restore(sessionID string, turns []Turn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionID]; ok && len(s.turns) > 0 {
		return false
	}
	if len(turns) > m.maxTurns {
		turns = turns[len(turns)-m.maxTurns:]
	}
	m.sessions[sessionID] = &session{
		turns:    append([]Turn(nil), turns...),
		lastUsed: m.now(),
	}
	return true
}

// Append records a finished turn and trims the session to its budget
func (m *SessionMemory) Append(sessionID string, turn Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.evictLocked(now)

	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{}
		m.sessions[sessionID] = s
	}
	s.turns = append(s.turns, turn)
	s.lastUsed = now

	if len(s.turns) > m.maxTurns {
		s.turns = s.turns[len(s.turns)-m.maxTurns:]
	}

	total := 0
	for _, t := range s.turns {
		total += t.size()
	}
	// The latest turn always survives even when it alone exceeds the budget
	for total > m.maxChars && len(s.turns) > 1 {
		total -= s.turns[0].size()
		s.turns = s.turns[1:]
	}
}

// Evict drops idle sessions and returns how many were removed
func (m *SessionMemory) Evict() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictLocked(m.now())
}

// Len returns the number of live sessions
func (m *SessionMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *SessionMemory) evictLocked(now time.Time) int {
	removed := 0
	for id, s := range m.sessions {
		if now.Sub(s.lastUsed) > m.idle {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// historyContents converts retained turns into alternating user and model contents
func historyContents(turns []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns)*2)
	for _, t := range turns {
		contents = append(contents,
			genai.NewContentFromText(t.Question, genai.RoleUser),
			genai.NewContentFromText(t.Answer, genai.RoleModel),
		)
	}
	return contents
}
