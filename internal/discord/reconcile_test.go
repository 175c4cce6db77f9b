package discord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voicetime/internal/models"
	"voicetime/internal/session"
	"voicetime/internal/tracker"
)

type stubGateway struct {
	mu      sync.Mutex
	flushes []models.ActivityFlush
	logs    []models.ActivityLogEntry
}

func (s *stubGateway) FlushActivity(_ context.Context, updates []models.ActivityFlush) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes = append(s.flushes, updates...)
	return nil
}

func (s *stubGateway) AppendLogEntry(_ context.Context, e models.ActivityLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, e)
	return nil
}

func (s *stubGateway) UpsertUser(_ context.Context, _, _ string) error { return nil }

func (s *stubGateway) deltaMs(userID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, u := range s.flushes {
		if u.UserID == userID {
			total += u.DeltaMs
		}
	}
	return total
}

func TestCloseDepartedSessions(t *testing.T) {
	gw := &stubGateway{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	acc := tracker.New(session.NewMemoryStore(), gw, tracker.Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	// two recovered sessions, but only "here" is still in the member list
	require.NoError(t, acc.Adopt(ctx, models.VoiceSession{UserID: "gone", ChannelID: "general", Start: now.Add(-time.Hour)}))
	require.NoError(t, acc.Adopt(ctx, models.VoiceSession{UserID: "here", ChannelID: "general", Start: now.Add(-time.Hour)}))

	closeDepartedSessions(ctx, acc, map[string]struct{}{"here": {}})

	require.False(t, acc.HasOpenSession(ctx, "gone"))
	require.True(t, acc.HasOpenSession(ctx, "here"))

	// the departed user's hour is closed and flushed once, then never grows
	require.NoError(t, acc.Flush(ctx))
	require.Equal(t, time.Hour.Milliseconds(), gw.deltaMs("gone"))
	now = now.Add(time.Hour)
	require.NoError(t, acc.Flush(ctx))
	require.Equal(t, time.Hour.Milliseconds(), gw.deltaMs("gone"))
}
