// Package meet stores meeting records: the durable fact that a room exists
// and who created it. Rooms themselves are runtime state owned by the session
// coordinator; a meeting only anchors the room id and the approval authority.
package meet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Naveenravi07/Avara/internal/models"
)

// ErrMeetingNotFound indicates no meeting exists for the requested id.
var ErrMeetingNotFound = errors.New("meet: meeting not found")

// Repository persists meetings.
type Repository interface {
	// Create mints a meeting id and records the creator.
	Create(ctx context.Context, creatorID string) (models.Meeting, error)
	// Get fetches one meeting by id.
	Get(ctx context.Context, id string) (models.Meeting, bool, error)
	// Close releases the backing resources.
	Close(ctx context.Context) error
}

// NewMemoryRepository initialises an in-process repository for tests and
// single-process deployments.
func NewMemoryRepository() Repository {
	return &memoryRepository{meetings: make(map[string]models.Meeting)}
}

type memoryRepository struct {
	mu       sync.Mutex
	meetings map[string]models.Meeting
}

func (r *memoryRepository) Create(ctx context.Context, creatorID string) (models.Meeting, error) {
	meeting := models.Meeting{
		ID:        uuid.NewString(),
		CreatorID: creatorID,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.meetings[meeting.ID] = meeting
	r.mu.Unlock()
	return meeting, nil
}

func (r *memoryRepository) Get(ctx context.Context, id string) (models.Meeting, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	meeting, ok := r.meetings[id]
	return meeting, ok, nil
}

func (r *memoryRepository) Close(ctx context.Context) error { return nil }
