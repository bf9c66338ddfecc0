package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrInvalidUserID is returned when attempting to create a session without a
// user identifier.
var ErrInvalidUserID = errors.New("userID is required")

// SessionRecord captures a stored session.
type SessionRecord struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
}

// SessionManager issues and validates bearer session tokens. Tokens are
// stored hashed so a store dump does not leak usable credentials.
type SessionManager struct {
	ttl         time.Duration
	tokenLength int

	mu       sync.Mutex
	sessions map[string]SessionRecord
}

// NewSessionManager constructs a manager with the provided absolute TTL,
// defaulting to 7 days.
func NewSessionManager(ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &SessionManager{
		ttl:         ttl,
		tokenLength: 32,
		sessions:    make(map[string]SessionRecord),
	}
}

// Create issues a new session token for the provided user identifier.
func (m *SessionManager) Create(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrInvalidUserID
	}
	token, err := generateToken(m.tokenLength)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := time.Now().Add(m.ttl).UTC()
	m.mu.Lock()
	m.sessions[hashSessionToken(token)] = SessionRecord{
		TokenHash: hashSessionToken(token),
		UserID:    userID,
		ExpiresAt: expiresAt,
	}
	m.mu.Unlock()
	return token, expiresAt, nil
}

// Validate returns the user id bound to the token when the session is still
// live. Expired sessions are removed on sight.
func (m *SessionManager) Validate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	key := hashSessionToken(token)
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.sessions[key]
	if !ok {
		return "", false
	}
	if time.Now().After(record.ExpiresAt) {
		delete(m.sessions, key)
		return "", false
	}
	return record.UserID, true
}

// Revoke deletes the session token.
func (m *SessionManager) Revoke(token string) {
	if token == "" {
		return
	}
	m.mu.Lock()
	delete(m.sessions, hashSessionToken(token))
	m.mu.Unlock()
}

// PurgeExpired removes any expired sessions.
func (m *SessionManager) PurgeExpired(now time.Time) {
	m.mu.Lock()
	for key, record := range m.sessions {
		if now.After(record.ExpiresAt) {
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func hashSessionToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
