package tracker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"voicetime/internal/models"
	"voicetime/internal/session"
)

// Gateway is the slice of the persistence layer the accumulator needs.
type Gateway interface {
	FlushActivity(ctx context.Context, updates []models.ActivityFlush) error
	AppendLogEntry(ctx context.Context, e models.ActivityLogEntry) error
	UpsertUser(ctx context.Context, userID, displayName string) error
}

// ResetGateway is the persistence slice a group reset needs.
type ResetGateway interface {
	ResetGroup(ctx context.Context, groupName string, members []models.ResetMember, reason string, now time.Time) error
}

// ChannelInfo supplies channel names and member snapshots for log entries.
type ChannelInfo interface {
	ChannelName(channelID string) string
	MemberSnapshot(channelID string) []string
}

// Options configures an Accumulator.
type Options struct {
	ExcludedChannels []string
	ExemptGroups     []string
	AwayMarker       string
	FlushInterval    time.Duration
	Channels         ChannelInfo      // optional
	Now              func() time.Time // defaults to time.Now
}

// Accumulator is the join/leave/move state machine. A user is ACTIVE exactly
// when they have an open session in the store; closed-but-unflushed time sits
// in the pending ledger until the next durable flush drains it.
type Accumulator struct {
	store session.Store
	gw    Gateway

	mu        sync.Mutex
	pendingMs map[string]int64
	dirty     map[string]struct{}
	names     map[string]string
	suspended map[string]bool
	connected map[string]string // userID -> current channel, tracked or not

	excluded      map[string]struct{}
	exempt        map[string]struct{}
	awayMarker    string
	flushInterval time.Duration
	channels      ChannelInfo
	now           func() time.Time
}

// New creates an accumulator over the given session store and gateway.
func New(store session.Store, gw Gateway, opts Options) *Accumulator {
	a := &Accumulator{
		store:         store,
		gw:            gw,
		pendingMs:     make(map[string]int64),
		dirty:         make(map[string]struct{}),
		names:         make(map[string]string),
		suspended:     make(map[string]bool),
		connected:     make(map[string]string),
		excluded:      make(map[string]struct{}),
		exempt:        make(map[string]struct{}),
		awayMarker:    opts.AwayMarker,
		flushInterval: opts.FlushInterval,
		channels:      opts.Channels,
		now:           opts.Now,
	}
	for _, ch := range opts.ExcludedChannels {
		a.excluded[ch] = struct{}{}
	}
	for _, g := range opts.ExemptGroups {
		a.exempt[g] = struct{}{}
	}
	if a.flushInterval <= 0 {
		a.flushInterval = 5 * time.Minute
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a
}

// SetChannels wires the channel info provider after construction. The
// gateway adapter needs the accumulator first, so this breaks the cycle.
func (a *Accumulator) SetChannels(channels ChannelInfo) {
	a.mu.Lock()
	a.channels = channels
	a.mu.Unlock()
}

// trackable reports whether time accrues in the given channel.
func (a *Accumulator) trackable(channelID string) bool {
	if channelID == "" {
		return false
	}
	_, excluded := a.excluded[channelID]
	return !excluded
}

// isSuspended derives the suspension flag from the member's display marker
// and group membership.
func (a *Accumulator) isSuspended(displayName string, groups []string) bool {
	if a.awayMarker != "" && strings.Contains(displayName, a.awayMarker) {
		return true
	}
	for _, g := range groups {
		if _, ok := a.exempt[g]; ok {
			return true
		}
	}
	return false
}

// HandleVoice consumes one connection-state change. Events are serialized
// behind the accumulator mutex, preserving source delivery order; nothing in
// here waits on a durable flush.
func (a *Accumulator) HandleVoice(ev models.VoiceEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx := context.Background()
	now := a.now()

	if ev.DisplayName != "" {
		a.names[ev.UserID] = ev.DisplayName
	}
	susp := a.isSuspended(ev.DisplayName, ev.GroupNames)
	a.suspended[ev.UserID] = susp
	if ev.NewChannelID == "" {
		delete(a.connected, ev.UserID)
	} else {
		a.connected[ev.UserID] = ev.NewChannelID
	}

	sess, open, err := a.store.Get(ctx, ev.UserID)
	if err != nil {
		log.Printf("voice: session lookup failed for %s: %v", ev.UserID, err)
	}
	shouldBeActive := a.trackable(ev.NewChannelID) && !susp

	switch {
	case open && !shouldBeActive:
		// leave, move into an excluded channel, or suspension while connected
		a.closeSessionLocked(ctx, sess, now)
	case !open && shouldBeActive:
		// join, or move out of an excluded channel
		a.openSessionLocked(ctx, ev.UserID, ev.NewChannelID, now)
	case open && shouldBeActive && sess.ChannelID != ev.NewChannelID:
		// move between tracked channels: the session continues uninterrupted
		sess.ChannelID = ev.NewChannelID
		if err := a.store.Set(ctx, sess); err != nil {
			log.Printf("voice: session update failed for %s: %v", ev.UserID, err)
		}
	default:
		// no effective change; repeated events are no-ops. A trackable old
		// channel with no open session means the source saw a session this
		// process never opened; nothing accrues without a start time.
		if !open && !susp && a.trackable(ev.OldChannelID) {
			log.Printf("voice: leave without open session user=%s channel=%s", ev.UserID, ev.OldChannelID)
		}
	}
}

// HandleMemberUpdate re-evaluates suspension after a profile change. Entering
// suspension while connected flushes elapsed time exactly as a leave would;
// leaving it while connected to a tracked channel resumes accrual from now.
func (a *Accumulator) HandleMemberUpdate(userID, displayName string, groups []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx := context.Background()
	now := a.now()

	if displayName != "" {
		a.names[userID] = displayName
	}
	susp := a.isSuspended(displayName, groups)
	prev := a.suspended[userID]
	a.suspended[userID] = susp
	if susp == prev {
		return
	}

	if susp {
		if sess, open, _ := a.store.Get(ctx, userID); open {
			a.closeSessionLocked(ctx, sess, now)
		}
		return
	}
	if ch := a.connected[userID]; a.trackable(ch) {
		if _, open, _ := a.store.Get(ctx, userID); !open {
			a.openSessionLocked(ctx, userID, ch, now)
		}
	}
}

// openSessionLocked transitions IDLE -> ACTIVE. Callers hold the mutex.
func (a *Accumulator) openSessionLocked(ctx context.Context, userID, channelID string, now time.Time) {
	sess := models.VoiceSession{UserID: userID, ChannelID: channelID, Start: now}
	if err := a.store.Set(ctx, sess); err != nil {
		log.Printf("voice: session open failed for %s: %v", userID, err)
	}
	a.dirty[userID] = struct{}{}
	if err := a.gw.UpsertUser(ctx, userID, a.names[userID]); err != nil {
		log.Printf("voice: user upsert failed for %s: %v", userID, err)
	}
	a.appendLogLocked(ctx, userID, models.EventJoin, channelID, now)
	log.Printf("join: user=%s channel=%s", userID, channelID)
}

// closeSessionLocked transitions ACTIVE -> IDLE, moving the elapsed interval
// into the pending ledger. Callers hold the mutex.
func (a *Accumulator) closeSessionLocked(ctx context.Context, sess models.VoiceSession, now time.Time) {
	elapsed := now.Sub(sess.Start).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	a.pendingMs[sess.UserID] += elapsed
	a.dirty[sess.UserID] = struct{}{}
	if err := a.store.Delete(ctx, sess.UserID); err != nil {
		log.Printf("voice: session close failed for %s: %v", sess.UserID, err)
	}
	a.appendLogLocked(ctx, sess.UserID, models.EventLeave, sess.ChannelID, now)
	log.Printf("leave: user=%s channel=%s +%dms", sess.UserID, sess.ChannelID, elapsed)
}

func (a *Accumulator) appendLogLocked(ctx context.Context, userID string, kind models.EventType, channelID string, now time.Time) {
	entry := models.ActivityLogEntry{
		UserID:    userID,
		EventType: kind,
		ChannelID: channelID,
		Timestamp: now,
	}
	if a.channels != nil {
		entry.ChannelName = a.channels.ChannelName(channelID)
		entry.MemberSnapshot = a.channels.MemberSnapshot(channelID)
	}
	if err := a.gw.AppendLogEntry(ctx, entry); err != nil {
		log.Printf("voice: log append failed for %s: %v", userID, err)
	}
}

// Adopt re-registers a recovered session as ACTIVE with its original start.
func (a *Accumulator) Adopt(ctx context.Context, sess models.VoiceSession) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.store.Set(ctx, sess); err != nil {
		return fmt.Errorf("failed to adopt session: %w", err)
	}
	a.dirty[sess.UserID] = struct{}{}
	if sess.ChannelID != "" {
		a.connected[sess.UserID] = sess.ChannelID
	}
	return nil
}

// HasOpenSession reports whether the user currently has an open session.
func (a *Accumulator) HasOpenSession(ctx context.Context, userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, open, _ := a.store.Get(ctx, userID)
	return open
}

// OpenSessions lists the currently-open sessions.
func (a *Accumulator) OpenSessions(ctx context.Context) ([]models.VoiceSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.OpenSessions(ctx)
}

// Rebase discards the users' accrued-but-unflushed time: the pending ledger
// is cleared and open session starts move to now. Returns which users were
// connected. Must run at the reset instant, before the durable reset
// commits, so no later flush can carry pre-reset time into a zeroed total.
func (a *Accumulator) Rebase(ctx context.Context, userIDs []string, now time.Time) []models.ResetMember {
	a.mu.Lock()
	defer a.mu.Unlock()
	members := make([]models.ResetMember, 0, len(userIDs))
	for _, userID := range userIDs {
		delete(a.pendingMs, userID)
		sess, open, err := a.store.Get(ctx, userID)
		if err != nil {
			log.Printf("reset: session lookup failed for %s: %v", userID, err)
		}
		if open {
			sess.Start = now
			if err := a.store.Set(ctx, sess); err != nil {
				log.Printf("reset: session re-arm failed for %s: %v", userID, err)
			}
		} else {
			delete(a.dirty, userID)
		}
		members = append(members, models.ResetMember{UserID: userID, Connected: open})
	}
	return members
}

// ResetGroup re-bases the members' live state and then zeroes the group in
// the durable store, in that order: the reset transaction always commits
// after the live state it invalidates is gone.
func (a *Accumulator) ResetGroup(ctx context.Context, gw ResetGateway, groupName string, userIDs []string, reason string) error {
	now := a.now()
	members := a.Rebase(ctx, userIDs, now)
	if err := gw.ResetGroup(ctx, groupName, members, reason, now); err != nil {
		return fmt.Errorf("failed to reset group: %w", err)
	}
	return nil
}

// LiveMs returns the user's accrued-but-unflushed milliseconds: the pending
// ledger plus the elapsed portion of any open session.
func (a *Accumulator) LiveMs(ctx context.Context, userID string, now time.Time) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	live := a.pendingMs[userID]
	if sess, open, _ := a.store.Get(ctx, userID); open {
		if d := now.Sub(sess.Start).Milliseconds(); d > 0 {
			live += d
		}
	}
	return live
}

// Flush drains the dirty set into one durable transaction. Open sessions are
// re-armed at the snapshot instant before the database call, so concurrent
// event handling never overlaps the flushed interval. On failure the drained
// deltas are merged back and retried next cycle; no accrued time is dropped.
func (a *Accumulator) Flush(ctx context.Context) error {
	a.mu.Lock()
	now := a.now()
	updates := make([]models.ActivityFlush, 0, len(a.dirty))
	for userID := range a.dirty {
		delta := a.pendingMs[userID]
		delete(a.pendingMs, userID)
		u := models.ActivityFlush{UserID: userID, DisplayName: a.names[userID], DeltaMs: delta}
		if sess, open, _ := a.store.Get(ctx, userID); open {
			if d := now.Sub(sess.Start).Milliseconds(); d > 0 {
				u.DeltaMs += d
			}
			sess.Start = now
			if err := a.store.Set(ctx, sess); err != nil {
				log.Printf("flush: session re-arm failed for %s: %v", userID, err)
			}
			t := now
			u.StartTime = &t
			// open sessions stay dirty so every cycle flushes their elapsed
		} else {
			delete(a.dirty, userID)
		}
		updates = append(updates, u)
	}
	a.mu.Unlock()

	if len(updates) == 0 {
		return nil
	}
	if err := a.gw.FlushActivity(ctx, updates); err != nil {
		a.mu.Lock()
		for _, u := range updates {
			a.pendingMs[u.UserID] += u.DeltaMs
			a.dirty[u.UserID] = struct{}{}
		}
		a.mu.Unlock()
		return fmt.Errorf("failed to flush activity: %w", err)
	}
	return nil
}

// Run drives the fixed-period flush cycle until ctx is cancelled. The period
// does not reset on mutation, which bounds the worst-case loss window.
func (a *Accumulator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				log.Printf("flush: will retry next cycle: %v", err)
			}
		}
	}
}

// Close forces one final flush under the given grace period so shutdown does
// not silently lose accrued time.
func (a *Accumulator) Close(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return a.Flush(ctx)
}
