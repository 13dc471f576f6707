// Package pending holds phase-one confirmation values between the
// question and the user's answer.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Vilis322/sleepBot/internal"
)

var ErrNotFound = errors.New("pending: confirmation not found")

// Store keeps at most one pending confirmation per (user, session, field).
type Store interface {
	// Put replaces any earlier confirmation with the same key. It expires at p.ExpiresAt.
	Put(ctx context.Context, p internal.PendingConfirmation) error
	// Take returns and removes the confirmation, or ErrNotFound.
	Take(ctx context.Context, userID, sessionID string, field internal.Field) (*internal.PendingConfirmation, error)
	Discard(ctx context.Context, userID, sessionID string, field internal.Field) error
	Close() error
}

func Key(userID, sessionID string, field internal.Field) string {
	return fmt.Sprintf("pending:%s:%s:%s", userID, sessionID, field)
}

type memoryEntry struct {
	value     internal.PendingConfirmation
	expiresAt time.Time
}

type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	now   func() time.Time
}

// NewMemoryStore keeps confirmations in process. now is used for expiry.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{items: make(map[string]memoryEntry), now: now}
}

func (m *MemoryStore) Put(ctx context.Context, p internal.PendingConfirmation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweep(now)
	m.items[Key(p.UserID, p.SessionID, p.Field)] = memoryEntry{value: p, expiresAt: p.ExpiresAt}
	return nil
}

func (m *MemoryStore) Take(ctx context.Context, userID, sessionID string, field internal.Field) (*internal.PendingConfirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Key(userID, sessionID, field)
	e, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.items, key)
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		return nil, ErrNotFound
	}
	v := e.value
	return &v, nil
}

func (m *MemoryStore) Discard(ctx context.Context, userID, sessionID string, field internal.Field) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.items, Key(userID, sessionID, field))
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Len reports live entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep(m.now())
	return len(m.items)
}

// sweep drops expired entries; callers hold mu.
func (m *MemoryStore) sweep(now time.Time) {
	for k, e := range m.items {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(m.items, k)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
