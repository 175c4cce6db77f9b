package models

import "time"

// UserActivity is the durable per-user activity record. TotalMs covers all
// time fully accounted for through the last flush; StartTime marks the start
// of the current unflushed interval and is non-nil exactly when the user has
// an open session.
type UserActivity struct {
	UserID      string
	DisplayName string
	TotalMs     int64
	StartTime   *time.Time
}

// GroupConfig holds the activity threshold for one tracked group.
type GroupConfig struct {
	GroupName string
	MinHours  float64
	ResetTime *time.Time
}

// EventType is the kind of session boundary recorded in the activity log.
type EventType string

const (
	EventJoin  EventType = "JOIN"
	EventLeave EventType = "LEAVE"
)

// ActivityLogEntry is one append-only session boundary record.
type ActivityLogEntry struct {
	UserID         string
	EventType      EventType
	ChannelID      string
	ChannelName    string
	Timestamp      time.Time
	MemberSnapshot []string
}

// VoiceSession is an open session. It lives in the session store and is
// reconstructible from the durable store after a restart.
type VoiceSession struct {
	UserID    string
	ChannelID string
	Start     time.Time
}

// ResetHistoryEntry records one explicit zeroing of a group's totals.
type ResetHistoryEntry struct {
	GroupName string
	ResetTime time.Time
	Reason    string
}

// VoiceEvent is a connection-state change delivered by the event source.
// Empty channel IDs mean not connected on that side of the change.
type VoiceEvent struct {
	UserID       string
	OldChannelID string
	NewChannelID string
	DisplayName  string
	GroupNames   []string
}

// ResetMember identifies one group member for a reset and whether they are
// currently connected (connected members get their open interval re-based).
type ResetMember struct {
	UserID    string
	Connected bool
}

// Member is one roster entry used as classifier input.
type Member struct {
	UserID      string
	DisplayName string
	Exempt      bool
}

// ActivityFlush is one user's pending durable update: the milliseconds to add
// to the stored total and the re-armed open-session start (nil when idle).
type ActivityFlush struct {
	UserID      string
	DisplayName string
	DeltaMs     int64
	StartTime   *time.Time
}
