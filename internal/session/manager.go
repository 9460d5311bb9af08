package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrEnded        = errors.New("session ended")
	ErrOwnerMissing = errors.New("owner_id is required")
)

type Session struct {
	ID             string    `json:"session_id"`
	OwnerID        string    `json:"owner_id"`
	DeviceID       string    `json:"device_id,omitempty"`
	Status         Status    `json:"status"`
	PromptRecordID string    `json:"prompt_record_id,omitempty"`
	PromptsShown   int       `json:"prompts_shown"`
	Resolutions    int       `json:"resolutions"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) InactivityTimeout() time.Duration {
	return m.inactivityTimeout
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create opens a session for ownerID. An owner may hold several sessions,
// one per device, each with its own prompt loop.
func (m *Manager) Create(ownerID, deviceID string) (*Session, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrOwnerMissing
	}
	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		DeviceID:       strings.TrimSpace(deviceID),
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// GetActive is Get restricted to sessions that have not ended.
func (m *Manager) GetActive(sessionID string) (*Session, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusActive {
		return nil, ErrEnded
	}
	return s, nil
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(*Session) {})
}

// NotePrompt records which record the session is currently showing; an empty
// recordID means the prompt was hidden.
func (m *Manager) NotePrompt(sessionID, recordID string) error {
	return m.update(sessionID, func(s *Session) {
		if recordID != "" && recordID != s.PromptRecordID {
			s.PromptsShown++
		}
		s.PromptRecordID = recordID
	})
}

func (m *Manager) NoteResolution(sessionID string) error {
	return m.update(sessionID, func(s *Session) {
		s.Resolutions++
		s.PromptRecordID = ""
	})
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.PromptRecordID = ""
	s.LastActivityAt = m.now()
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.LastActivityAt = m.now()
	return nil
}

// expireInactive ends idle sessions and forgets ended ones once they have
// been idle for a further timeout.
func (m *Manager) expireInactive() {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		idle := now.Sub(s.LastActivityAt)
		if s.Status != StatusActive {
			if idle >= 2*m.inactivityTimeout {
				delete(m.sessions, id)
			}
			continue
		}
		if idle < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.PromptRecordID = ""
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
