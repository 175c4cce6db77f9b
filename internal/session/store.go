package session

import (
	"context"
	"log"

	"voicetime/internal/models"
)

// Store tracks currently-open voice sessions keyed by user ID.
// This abstraction allows different backends (in-process map, Redis, both)
// while keeping the accumulator logic clean.
type Store interface {
	// Get retrieves the open session for a user. The second return value is
	// false when the user has no open session.
	Get(ctx context.Context, userID string) (models.VoiceSession, bool, error)

	// Set stores an open session, replacing any existing one.
	Set(ctx context.Context, sess models.VoiceSession) error

	// Delete removes a user's open session if present.
	Delete(ctx context.Context, userID string) error

	// OpenSessions returns all open sessions. Order is not guaranteed.
	OpenSessions(ctx context.Context) ([]models.VoiceSession, error)
}

// DualStore writes sessions to a primary backend (the fast cache) and an
// in-process fallback. Reads prefer the primary; any primary failure is
// logged and degraded to the fallback so the hot path never blocks on the
// cache.
type DualStore struct {
	primary  Store
	fallback Store
}

// NewDualStore creates a store backed by primary with fallback behind it.
func NewDualStore(primary, fallback Store) *DualStore {
	return &DualStore{primary: primary, fallback: fallback}
}

func (d *DualStore) Get(ctx context.Context, userID string) (models.VoiceSession, bool, error) {
	sess, ok, err := d.primary.Get(ctx, userID)
	if err != nil {
		log.Printf("session cache get failed, using fallback: %v", err)
		return d.fallback.Get(ctx, userID)
	}
	if !ok {
		return d.fallback.Get(ctx, userID)
	}
	return sess, true, nil
}

func (d *DualStore) Set(ctx context.Context, sess models.VoiceSession) error {
	if err := d.primary.Set(ctx, sess); err != nil {
		log.Printf("session cache set failed: %v", err)
	}
	return d.fallback.Set(ctx, sess)
}

func (d *DualStore) Delete(ctx context.Context, userID string) error {
	if err := d.primary.Delete(ctx, userID); err != nil {
		log.Printf("session cache delete failed: %v", err)
	}
	return d.fallback.Delete(ctx, userID)
}

func (d *DualStore) OpenSessions(ctx context.Context) ([]models.VoiceSession, error) {
	sessions, err := d.primary.OpenSessions(ctx)
	if err != nil {
		log.Printf("session cache scan failed, using fallback: %v", err)
		return d.fallback.OpenSessions(ctx)
	}
	if len(sessions) == 0 {
		return d.fallback.OpenSessions(ctx)
	}
	return sessions, nil
}
