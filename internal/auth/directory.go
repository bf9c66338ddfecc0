package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Naveenravi07/Avara/internal/models"
)

// ErrEmailTaken is returned when registering an email that already has an
// account.
var ErrEmailTaken = errors.New("auth: email already registered")

// ErrUserNotFound is returned when no user exists for the requested id.
var ErrUserNotFound = errors.New("auth: user not found")

// Directory manages user accounts and credential checks.
type Directory interface {
	// Register creates an account. Emails are unique, case-insensitive.
	Register(ctx context.Context, displayName, email, password string) (models.User, error)
	// Authenticate verifies credentials and returns the matching user.
	Authenticate(ctx context.Context, email, password string) (models.User, error)
	// Get fetches a user by id.
	Get(ctx context.Context, id string) (models.User, error)
}

// NewMemoryDirectory initialises an in-process directory.
func NewMemoryDirectory() Directory {
	return &memoryDirectory{
		users:   make(map[string]directoryRecord),
		byEmail: make(map[string]string),
	}
}

type directoryRecord struct {
	user         models.User
	passwordHash string
}

type memoryDirectory struct {
	mu      sync.RWMutex
	users   map[string]directoryRecord
	byEmail map[string]string
}

func (d *memoryDirectory) Register(ctx context.Context, displayName, email, password string) (models.User, error) {
	displayName = strings.TrimSpace(displayName)
	email = strings.ToLower(strings.TrimSpace(email))
	if displayName == "" {
		return models.User{}, errors.New("display name is required")
	}
	if email == "" {
		return models.User{}, errors.New("email is required")
	}
	if len(password) < 8 {
		return models.User{}, errors.New("password must be at least 8 characters")
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return models.User{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.byEmail[email]; exists {
		return models.User{}, ErrEmailTaken
	}
	user := models.User{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		Email:       email,
		CreatedAt:   time.Now().UTC(),
	}
	d.users[user.ID] = directoryRecord{user: user, passwordHash: hashed}
	d.byEmail[email] = user.ID
	return user, nil
}

func (d *memoryDirectory) Authenticate(ctx context.Context, email, password string) (models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	d.mu.RLock()
	id, ok := d.byEmail[email]
	record := d.users[id]
	d.mu.RUnlock()
	if !ok {
		return models.User{}, ErrInvalidCredentials
	}
	if err := verifyPassword(record.passwordHash, password); err != nil {
		return models.User{}, err
	}
	return record.user, nil
}

func (d *memoryDirectory) Get(ctx context.Context, id string) (models.User, error) {
	d.mu.RLock()
	record, ok := d.users[id]
	d.mu.RUnlock()
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	return record.user, nil
}
