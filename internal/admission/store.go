// Package admission gates room entry behind creator approval, coordinated
// across processes through a key-value store and the admission event bus.
package admission

import (
	"context"
	"errors"
	"sync"

	"github.com/Naveenravi07/Avara/internal/models"
)

// ErrEntryNotFound indicates no waiting entry exists for the (room, user)
// pair.
var ErrEntryNotFound = errors.New("admission: waiting entry not found")

// Store persists waiting entries keyed by (room id, user id). Entries live
// until explicitly deleted; there is no TTL.
type Store interface {
	// Put creates or overwrites the entry.
	Put(ctx context.Context, entry models.WaitingEntry) error
	// Get fetches one entry.
	Get(ctx context.Context, roomID, userID string) (models.WaitingEntry, bool, error)
	// SetStatus flips the status of an existing entry.
	SetStatus(ctx context.Context, roomID, userID, status string) error
	// Delete removes the entry unconditionally.
	Delete(ctx context.Context, roomID, userID string) error
	// DeleteIfWaiting removes the entry only while its status is still
	// waiting, reporting whether a delete happened. Admitted entries are
	// preserved so a reconnect does not force re-approval.
	DeleteIfWaiting(ctx context.Context, roomID, userID string) (bool, error)
	// List returns every entry for the room.
	List(ctx context.Context, roomID string) ([]models.WaitingEntry, error)
}

// NewMemoryStore initialises an in-process store for tests and
// single-process deployments.
func NewMemoryStore() Store {
	return &memoryStore{rooms: make(map[string]map[string]models.WaitingEntry)}
}

type memoryStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]models.WaitingEntry
}

func (s *memoryStore) Put(ctx context.Context, entry models.WaitingEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.rooms[entry.RoomID]
	if room == nil {
		room = make(map[string]models.WaitingEntry)
		s.rooms[entry.RoomID] = room
	}
	room[entry.UserID] = entry
	return nil
}

func (s *memoryStore) Get(ctx context.Context, roomID, userID string) (models.WaitingEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.rooms[roomID][userID]
	return entry, ok, nil
}

func (s *memoryStore) SetStatus(ctx context.Context, roomID, userID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.rooms[roomID][userID]
	if !ok {
		return ErrEntryNotFound
	}
	entry.Status = status
	s.rooms[roomID][userID] = entry
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms[roomID], userID)
	return nil
}

func (s *memoryStore) DeleteIfWaiting(ctx context.Context, roomID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.rooms[roomID][userID]
	if !ok || entry.Status != models.WaitingStatusWaiting {
		return false, nil
	}
	delete(s.rooms[roomID], userID)
	return true, nil
}

func (s *memoryStore) List(ctx context.Context, roomID string) ([]models.WaitingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.rooms[roomID]
	entries := make([]models.WaitingEntry, 0, len(room))
	for _, entry := range room {
		entries = append(entries, entry)
	}
	return entries, nil
}
