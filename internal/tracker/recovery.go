package tracker

import (
	"context"
	"fmt"
	"log"
	"time"

	"voicetime/internal/models"
	"voicetime/internal/session"
)

// RecoveryGateway is the durable-store slice recovery reconciles against.
type RecoveryGateway interface {
	OpenDurableSessions(ctx context.Context) ([]models.VoiceSession, error)
	ClearDurableSession(ctx context.Context, userID string) error
	AppendLogEntry(ctx context.Context, e models.ActivityLogEntry) error
}

// Recovery reconciles the session store with the durable store on startup.
// Without it a restart would either zero every open session or double-count
// time that was already flushed.
type Recovery struct {
	store      session.Store
	gw         RecoveryGateway
	acc        *Accumulator
	staleAfter time.Duration
}

// NewRecovery creates a recovery coordinator with the given staleness bound.
func NewRecovery(store session.Store, gw RecoveryGateway, acc *Accumulator, staleAfter time.Duration) *Recovery {
	return &Recovery{store: store, gw: gw, acc: acc, staleAfter: staleAfter}
}

// Recover enumerates open sessions from the cache and the durable store,
// discards any older than the staleness bound, and re-adopts the remainder as
// ACTIVE with their original start times. Returns counts of adopted and
// discarded sessions.
func (r *Recovery) Recover(ctx context.Context, now time.Time) (adopted, discarded int, err error) {
	byUser := make(map[string]models.VoiceSession)

	durable, err := r.gw.OpenDurableSessions(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to enumerate durable sessions: %w", err)
	}
	for _, sess := range durable {
		byUser[sess.UserID] = sess
	}

	// Cached sessions win: they carry the channel ID the durable row lacks.
	cached, err := r.store.OpenSessions(ctx)
	if err != nil {
		log.Printf("recovery: cache enumeration failed, using durable sessions only: %v", err)
	}
	for _, sess := range cached {
		byUser[sess.UserID] = sess
	}

	for _, sess := range byUser {
		if now.Sub(sess.Start) > r.staleAfter {
			log.Printf("recovery: discarding stale session user=%s started=%s",
				sess.UserID, sess.Start.UTC().Format(time.RFC3339))
			if err := r.store.Delete(ctx, sess.UserID); err != nil {
				log.Printf("recovery: stale session delete failed for %s: %v", sess.UserID, err)
			}
			if err := r.gw.ClearDurableSession(ctx, sess.UserID); err != nil {
				log.Printf("recovery: stale session clear failed for %s: %v", sess.UserID, err)
			}
			// close the session in the log too, at the staleness cutoff, so
			// windowed queries never treat it as still open
			if err := r.gw.AppendLogEntry(ctx, models.ActivityLogEntry{
				UserID:    sess.UserID,
				EventType: models.EventLeave,
				ChannelID: sess.ChannelID,
				Timestamp: sess.Start.Add(r.staleAfter),
			}); err != nil {
				log.Printf("recovery: stale session log close failed for %s: %v", sess.UserID, err)
			}
			discarded++
			continue
		}
		if err := r.acc.Adopt(ctx, sess); err != nil {
			return adopted, discarded, err
		}
		adopted++
	}

	log.Printf("recovery: adopted=%d discarded=%d", adopted, discarded)
	return adopted, discarded, nil
}
