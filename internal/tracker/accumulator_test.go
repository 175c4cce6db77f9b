package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voicetime/internal/models"
	"voicetime/internal/session"
)

type fakeGateway struct {
	mu        sync.Mutex
	flushes   [][]models.ActivityFlush
	logs      []models.ActivityLogEntry
	users     map[string]string
	resets    []resetCall
	failFlush bool
}

type resetCall struct {
	groupName string
	members   []models.ResetMember
	reason    string
	now       time.Time
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{users: make(map[string]string)}
}

func (f *fakeGateway) FlushActivity(_ context.Context, updates []models.ActivityFlush) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFlush {
		return errors.New("database down")
	}
	cp := make([]models.ActivityFlush, len(updates))
	copy(cp, updates)
	f.flushes = append(f.flushes, cp)
	return nil
}

func (f *fakeGateway) AppendLogEntry(_ context.Context, e models.ActivityLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, e)
	return nil
}

func (f *fakeGateway) ResetGroup(_ context.Context, groupName string, members []models.ResetMember, reason string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, resetCall{groupName: groupName, members: members, reason: reason, now: now})
	return nil
}

func (f *fakeGateway) UpsertUser(_ context.Context, userID, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[userID] = displayName
	return nil
}

// flushedMs sums every flushed delta for a user across all cycles.
func (f *fakeGateway) flushedMs(userID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, cycle := range f.flushes {
		for _, u := range cycle {
			if u.UserID == userID {
				total += u.DeltaMs
			}
		}
	}
	return total
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock { return &clock{now: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestAccumulator(t *testing.T, opts Options) (*Accumulator, *fakeGateway, *clock) {
	t.Helper()
	gw := newFakeGateway()
	clk := newClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	opts.Now = clk.Now
	acc := New(session.NewMemoryStore(), gw, opts)
	return acc, gw, clk
}

func join(userID, channelID string) models.VoiceEvent {
	return models.VoiceEvent{UserID: userID, NewChannelID: channelID, DisplayName: userID}
}

func move(userID, from, to string) models.VoiceEvent {
	return models.VoiceEvent{UserID: userID, OldChannelID: from, NewChannelID: to, DisplayName: userID}
}

func leave(userID, from string) models.VoiceEvent {
	return models.VoiceEvent{UserID: userID, OldChannelID: from, DisplayName: userID}
}

func TestJoinLeaveAccumulates(t *testing.T) {
	acc, gw, clk := newTestAccumulator(t, Options{})
	ctx := context.Background()

	acc.HandleVoice(join("u1", "general"))
	clk.Advance(5 * time.Minute)
	acc.HandleVoice(leave("u1", "general"))

	require.NoError(t, acc.Flush(ctx))
	require.Equal(t, int64(5*60*1000), gw.flushedMs("u1"))

	// idle user flushed with a nil start
	require.Len(t, gw.flushes, 1)
	require.Nil(t, gw.flushes[0][0].StartTime)
}

func TestMoveContinuesSession(t *testing.T) {
	acc, gw, clk := newTestAccumulator(t, Options{})
	ctx := context.Background()

	acc.HandleVoice(join("u1", "a"))
	clk.Advance(100 * time.Millisecond)
	acc.HandleVoice(move("u1", "a", "b"))
	clk.Advance(200 * time.Millisecond)
	acc.HandleVoice(leave("u1", "b"))

	require.NoError(t, acc.Flush(ctx))
	require.Equal(t, int64(300), gw.flushedMs("u1"))

	// one continuous session: a single JOIN and a single LEAVE
	require.Len(t, gw.logs, 2)
	require.Equal(t, models.EventJoin, gw.logs[0].EventType)
	require.Equal(t, "a", gw.logs[0].ChannelID)
	require.Equal(t, models.EventLeave, gw.logs[1].EventType)
	require.Equal(t, "b", gw.logs[1].ChannelID)
}

func TestRepeatedEventIsNoop(t *testing.T) {
	acc, gw, clk := newTestAccumulator(t, Options{})
	ctx := context.Background()

	acc.HandleVoice(join("u1", "general"))
	clk.Advance(time.Minute)
	acc.HandleVoice(move("u1", "general", "general"))
	clk.Advance(time.Minute)
	acc.HandleVoice(leave("u1", "general"))
	acc.HandleVoice(leave("u1", "general"))

	require.NoError(t, acc.Flush(ctx))
	require.Equal(t, int64(2*60*1000), gw.flushedMs("u1"))
	require.Len(t, gw.logs, 2)
}

func TestExcludedChannelNeverCounts(t *testing.T) {
	acc, gw, clk := newTestAccumulator(t, Options{ExcludedChannels: []string{"afk"}})
	ctx := context.Background()

	acc.HandleVoice(join("u1", "afk"))
	clk.Advance(time.Hour)
	acc.HandleVoice(leave("u1", "afk"))

	require.NoError(t, acc.Flush(ctx))
	require.Equal(t, int64(0), gw.flushedMs("u1"))
	require.Empty(t, gw.logs)
}

func TestExcludedChannelMovesActAsBoundaries(t *testing.T) {
	acc, gw, clk := newTestAccumulator(t, Options{ExcludedChannels: []string{"afk"}})
	ctx := context.Background()

	// excluded -> tracked is a join
	acc.HandleVoice(join("u1", "afk"))
	clk.Advance(10 * time.Minute)
	acc.HandleVoice(move("u1", "afk", "general"))
	clk.Advance(5 * time.Minute)
	// tracked -> excluded is a leave
	acc.HandleVoice(move("u1", "general", "afk"))
	clk.Advance(10 * time.Minute)
	acc.HandleVoice(leave("u1", "afk"))

	require.NoError(t, acc.Flush(ctx))
	require.Equal(t, int64(5*60*1000), gw.flushedMs("u1"))
}

func TestSuspensionGatesAccrual(t *testing.T) {
	acc, _, clk := newTestAccumulator(t, Options{AwayMarker: "[away]"})
	ctx := context.Background()

	acc.HandleVoice(join("u1", "general"))
	clk.Advance(100 * time.Millisecond)

	// entering suspension flushes elapsed time exactly as a leave would
	acc.HandleMemberUpdate("u1", "u1 [away]", nil)
	require.Equal(t, int64(100), acc.LiveMs(ctx, "u1", clk.Now()))

	// suspended time does not accrue
	clk.Advance(50 * time.Millisecond)
	require.Equal(t, int64(100), acc.LiveMs(ctx, "u1", clk.Now()))

	// clearing the marker while connected resumes from now
	acc.HandleMemberUpdate("u1", "u1", nil)
	clk.Advance(25 * time.Millisecond)
	require.Equal(t, int64(125), acc.LiveMs(ctx, "u1", clk.Now()))
}

func TestExemptGroupSuspends(t *testing.T) {
	acc, gw, clk := newTestAccumulator(t, Options{ExemptGroups: []string{"Observer"}})
	ctx := context.Background()

	ev := join("u1", "general")
	ev.GroupNames = []string{"Observer"}
	acc.HandleVoice(ev)
	clk.Advance(time.Hour)

	require.NoError(t, acc.Flush(ctx))
	require.Equal(t, int64(0), gw.flushedMs("u1"))
}

func TestFlushRearmsOpenSession(t *testing.T) {
	acc, gw, clk := newTestAccumulator(t, Options{})
	ctx := context.Background()

	acc.HandleVoice(join("u1", "general"))
	clk.Advance(100 * time.Second)
	require.NoError(t, acc.Flush(ctx))

	require.Len(t, gw.flushes, 1)
	u := gw.flushes[0][0]
	require.Equal(t, int64(100*1000), u.DeltaMs)
	require.NotNil(t, u.StartTime)
	require.Equal(t, clk.Now(), *u.StartTime)

	// the next cycle covers only the interval since the re-arm
	clk.Advance(40 * time.Second)
	require.NoError(t, acc.Flush(ctx))
	require.Equal(t, int64(140*1000), gw.flushedMs("u1"))
}

func TestFlushFailureRetainsState(t *testing.T) {
	acc, gw, clk := newTestAccumulator(t, Options{})
	ctx := context.Background()

	acc.HandleVoice(join("u1", "general"))
	clk.Advance(time.Minute)
	acc.HandleVoice(leave("u1", "general"))

	gw.failFlush = true
	require.Error(t, acc.Flush(ctx))
	require.Equal(t, int64(0), gw.flushedMs("u1"))

	// nothing dropped: the retried cycle carries the full delta
	gw.failFlush = false
	require.NoError(t, acc.Flush(ctx))
	require.Equal(t, int64(60*1000), gw.flushedMs("u1"))
}

func TestConservationAcrossSessions(t *testing.T) {
	acc, gw, clk := newTestAccumulator(t, Options{})
	ctx := context.Background()

	intervals := []time.Duration{90 * time.Second, 30 * time.Second, 11 * time.Minute}
	var want int64
	for _, d := range intervals {
		acc.HandleVoice(join("u1", "general"))
		clk.Advance(d)
		acc.HandleVoice(leave("u1", "general"))
		clk.Advance(time.Minute) // idle gap
		want += d.Milliseconds()
	}

	require.NoError(t, acc.Flush(ctx))
	require.Equal(t, want, gw.flushedMs("u1"))
}

func TestLiveMsIncludesPendingAndOpen(t *testing.T) {
	acc, _, clk := newTestAccumulator(t, Options{})
	ctx := context.Background()

	acc.HandleVoice(join("u1", "general"))
	clk.Advance(time.Minute)
	acc.HandleVoice(leave("u1", "general"))
	acc.HandleVoice(join("u1", "general"))
	clk.Advance(30 * time.Second)

	require.Equal(t, int64(90*1000), acc.LiveMs(ctx, "u1", clk.Now()))
}

func TestResetRebasesLiveState(t *testing.T) {
	acc, gw, clk := newTestAccumulator(t, Options{})
	ctx := context.Background()

	acc.HandleVoice(join("u1", "general"))
	clk.Advance(time.Minute)
	require.NoError(t, acc.Flush(ctx))
	require.Equal(t, int64(60*1000), gw.flushedMs("u1"))

	// three more minutes accrue, then the group resets mid-session
	clk.Advance(3 * time.Minute)
	require.NoError(t, acc.ResetGroup(ctx, gw, "Member", []string{"u1"}, "weekly"))

	require.Len(t, gw.resets, 1)
	require.Equal(t, "Member", gw.resets[0].groupName)
	require.Equal(t, "weekly", gw.resets[0].reason)
	require.Equal(t, []models.ResetMember{{UserID: "u1", Connected: true}}, gw.resets[0].members)

	// only post-reset time flushes: the open session restarted at the reset
	clk.Advance(2 * time.Minute)
	require.NoError(t, acc.Flush(ctx))
	last := gw.flushes[len(gw.flushes)-1]
	require.Equal(t, int64(2*60*1000), last[0].DeltaMs)
}

func TestResetClearsPendingTime(t *testing.T) {
	acc, gw, clk := newTestAccumulator(t, Options{})
	ctx := context.Background()

	acc.HandleVoice(join("u1", "general"))
	clk.Advance(time.Minute)
	acc.HandleVoice(leave("u1", "general"))

	require.NoError(t, acc.ResetGroup(ctx, gw, "Member", []string{"u1"}, "weekly"))
	require.Equal(t, []models.ResetMember{{UserID: "u1", Connected: false}}, gw.resets[0].members)
	require.Equal(t, int64(0), acc.LiveMs(ctx, "u1", clk.Now()))

	// the closed-but-unflushed minute is gone, not deferred
	require.NoError(t, acc.Flush(ctx))
	require.Empty(t, gw.flushes)
}

func TestLeaveWithoutOpenSessionIsIgnored(t *testing.T) {
	acc, gw, _ := newTestAccumulator(t, Options{})
	ctx := context.Background()

	acc.HandleVoice(leave("u1", "general"))

	require.NoError(t, acc.Flush(ctx))
	require.Empty(t, gw.flushes)
	require.Empty(t, gw.logs)
}

func TestUpsertOnFirstJoin(t *testing.T) {
	acc, gw, _ := newTestAccumulator(t, Options{})

	ev := join("u1", "general")
	ev.DisplayName = "Alice"
	acc.HandleVoice(ev)

	require.Equal(t, "Alice", gw.users["u1"])
}
