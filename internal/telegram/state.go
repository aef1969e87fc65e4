package telegram

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/sourpls22-ux/MiraVPN/internal/models"
	"github.com/sourpls22-ux/MiraVPN/internal/service"
)

const (
	defaultKeyQuotaGB    = 100
	defaultKeyExpireDays = 30
)

var (
	errNothingToSkip = errors.New("nothing to skip")
	errNoDialogue    = errors.New("no dialogue in progress")
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateAwaitingName
	StateAwaitingQuota
	StateAwaitingExpiry
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingName:
		return "awaiting_name"
	case StateAwaitingQuota:
		return "awaiting_quota"
	case StateAwaitingExpiry:
		return "awaiting_expiry"
	default:
		return "idle"
	}
}

// Session holds the admin key-creation dialogue for one chat.
type Session struct {
	State      SessionState
	Name       string
	QuotaGB    float64
	ExpireDays int
}

func (s Session) KeySpec() service.KeySpec {
	return service.KeySpec{Name: s.Name, QuotaGB: s.QuotaGB, ExpireDays: s.ExpireDays}
}

func startDialogue() Session {
	return Session{State: StateAwaitingName}
}

// advance applies one line of admin input. Invalid input leaves the session
// unchanged and returns an error. done reports that every field is collected.
func advance(s Session, input string) (next Session, done bool, err error) {
	input = strings.TrimSpace(input)
	switch s.State {
	case StateAwaitingName:
		if err := service.ValidateKeyName(input); err != nil {
			return s, false, err
		}
		s.Name = input
		s.State = StateAwaitingQuota
		return s, false, nil
	case StateAwaitingQuota:
		quota, err := strconv.ParseFloat(strings.ReplaceAll(input, ",", "."), 64)
		if err != nil || !models.ValidQuotaGB(quota) {
			return s, false, service.ErrInvalidQuota
		}
		s.QuotaGB = quota
		s.State = StateAwaitingExpiry
		return s, false, nil
	case StateAwaitingExpiry:
		days, err := strconv.Atoi(input)
		if err != nil || days < 0 {
			return s, false, service.ErrInvalidExpiry
		}
		s.ExpireDays = days
		s.State = StateIdle
		return s, true, nil
	default:
		return s, false, errNoDialogue
	}
}

// skip fills the awaited field with its default.
func skip(s Session) (next Session, done bool, err error) {
	switch s.State {
	case StateAwaitingQuota:
		s.QuotaGB = defaultKeyQuotaGB
		s.State = StateAwaitingExpiry
		return s, false, nil
	case StateAwaitingExpiry:
		s.ExpireDays = defaultKeyExpireDays
		s.State = StateIdle
		return s, true, nil
	default:
		return s, false, errNothingToSkip
	}
}

type StateManager struct {
	mu       sync.RWMutex
	sessions map[int64]Session
}

func NewStateManager() *StateManager {
	return &StateManager{
		sessions: make(map[int64]Session),
	}
}

func (m *StateManager) Get(chatID int64) Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[chatID]
}

func (m *StateManager) Set(chatID int64, session Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.State == StateIdle {
		delete(m.sessions, chatID)
		return
	}
	m.sessions[chatID] = session
}

func (m *StateManager) Reset(chatID int64) {
	m.mu.Lock()
	delete(m.sessions, chatID)
	m.mu.Unlock()
}
