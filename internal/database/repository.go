package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"

	"voicetime/internal/models"
)

// flushBatchSize bounds how many user updates go into one statement batch so
// a large dirty set cannot hold row locks for a whole cycle.
const flushBatchSize = 100

// Repository handles database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// UpsertUser creates the activity row for a user if missing and refreshes the
// display name.
func (r *Repository) UpsertUser(ctx context.Context, userID, displayName string) error {
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO user_activity (user_id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET display_name = EXCLUDED.display_name`,
		userID, displayName)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUserActivity returns one user's activity row. The second return value is
// false when no row exists.
func (r *Repository) GetUserActivity(ctx context.Context, userID string) (models.UserActivity, bool, error) {
	var ua models.UserActivity
	var start sql.NullTime
	err := r.db.conn.QueryRowContext(ctx,
		"SELECT user_id, display_name, total_ms, start_time FROM user_activity WHERE user_id = $1",
		userID).Scan(&ua.UserID, &ua.DisplayName, &ua.TotalMs, &start)
	if err == sql.ErrNoRows {
		return models.UserActivity{}, false, nil
	}
	if err != nil {
		return models.UserActivity{}, false, fmt.Errorf("failed to get user activity: %w", err)
	}
	if start.Valid {
		t := start.Time
		ua.StartTime = &t
	}
	return ua, true, nil
}

// GetTotals returns activity rows for the given users keyed by user ID.
// Users without a row are simply absent from the map.
func (r *Repository) GetTotals(ctx context.Context, userIDs []string) (map[string]models.UserActivity, error) {
	totals := make(map[string]models.UserActivity, len(userIDs))
	if len(userIDs) == 0 {
		return totals, nil
	}
	rows, err := r.db.conn.QueryContext(ctx,
		"SELECT user_id, display_name, total_ms, start_time FROM user_activity WHERE user_id = ANY($1)",
		pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to get totals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ua models.UserActivity
		var start sql.NullTime
		if err := rows.Scan(&ua.UserID, &ua.DisplayName, &ua.TotalMs, &start); err != nil {
			log.Printf("Error scanning activity row: %v", err)
			continue
		}
		if start.Valid {
			t := start.Time
			ua.StartTime = &t
		}
		totals[ua.UserID] = ua
	}
	return totals, rows.Err()
}

// FlushActivity applies one flush cycle: every update adds its delta to the
// stored total and replaces the open-interval start. All updates run inside
// one transaction, in fixed-size batches.
func (r *Repository) FlushActivity(ctx context.Context, updates []models.ActivityFlush) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin flush: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO user_activity (user_id, display_name, total_ms, start_time)
		VALUES ($1, $2, GREATEST($3, 0), $4)
		ON CONFLICT (user_id) DO UPDATE SET
			total_ms = GREATEST(user_activity.total_ms + $3, 0),
			start_time = $4,
			display_name = CASE WHEN $2 = '' THEN user_activity.display_name ELSE $2 END`)
	if err != nil {
		return fmt.Errorf("failed to prepare flush: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < len(updates); i += flushBatchSize {
		end := i + flushBatchSize
		if end > len(updates) {
			end = len(updates)
		}
		for _, u := range updates[i:end] {
			var start sql.NullTime
			if u.StartTime != nil {
				start = sql.NullTime{Time: *u.StartTime, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, u.UserID, u.DisplayName, u.DeltaMs, start); err != nil {
				return fmt.Errorf("failed to flush user %s: %w", u.UserID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flush: %w", err)
	}
	log.Printf("flush: committed %d user update(s) at %s", len(updates), time.Now().UTC().Format(time.RFC3339))
	return nil
}

// AppendLogEntry records one session boundary in the append-only log.
func (r *Repository) AppendLogEntry(ctx context.Context, e models.ActivityLogEntry) error {
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO activity_log (user_id, event_type, channel_id, channel_name, ts, member_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.UserID, string(e.EventType), e.ChannelID, e.ChannelName, e.Timestamp,
		strings.Join(e.MemberSnapshot, ","))
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// SumActivity returns the tracked milliseconds for one user inside the
// half-open window [start, end), reconstructed from the activity log plus the
// still-open live interval. Boundary sessions are clipped, never dropped or
// double counted.
func (r *Repository) SumActivity(ctx context.Context, userID string, start, end time.Time) (int64, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		"SELECT event_type, ts FROM activity_log WHERE user_id = $1 AND ts < $2 ORDER BY ts, id",
		userID, end)
	if err != nil {
		return 0, fmt.Errorf("failed to query activity log: %w", err)
	}
	defer rows.Close()

	var entries []models.ActivityLogEntry
	for rows.Next() {
		var e models.ActivityLogEntry
		var kind string
		if err := rows.Scan(&kind, &e.Timestamp); err != nil {
			return 0, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.EventType = models.EventType(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read activity log: %w", err)
	}

	return sumSessions(entries, start, end, time.Now().UTC()), nil
}

// sumSessions pairs JOIN/LEAVE entries into sessions and sums the portion of
// each that falls inside [start, end). A trailing unmatched JOIN is the open
// session, clipped at now.
func sumSessions(entries []models.ActivityLogEntry, start, end, now time.Time) int64 {
	var total int64
	var open *time.Time
	for i := range entries {
		e := &entries[i]
		switch e.EventType {
		case models.EventJoin:
			t := e.Timestamp
			open = &t
		case models.EventLeave:
			if open != nil {
				total += clipMs(*open, e.Timestamp, start, end)
				open = nil
			}
		}
	}
	if open != nil {
		total += clipMs(*open, now, start, end)
	}
	return total
}

// clipMs returns the milliseconds of [a, b) that fall inside [start, end).
func clipMs(a, b, start, end time.Time) int64 {
	if a.Before(start) {
		a = start
	}
	if b.After(end) {
		b = end
	}
	if !b.After(a) {
		return 0
	}
	return b.Sub(a).Milliseconds()
}

// ResetGroup zeroes every member's total in one transaction, re-bases open
// intervals at now, stamps the group's reset time and appends a reset history
// entry. A flush racing this reset is serialized by the row locks; whichever
// transaction commits last wins. Callers must re-base the live accumulator
// state at the same instant (Accumulator.Rebase) so later flushes carry only
// post-reset time.
func (r *Repository) ResetGroup(ctx context.Context, groupName string, members []models.ResetMember, reason string, now time.Time) error {
	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reset: %w", err)
	}
	defer tx.Rollback()

	for _, m := range members {
		var start sql.NullTime
		if m.Connected {
			start = sql.NullTime{Time: now, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_activity (user_id, total_ms, start_time)
			VALUES ($1, 0, $2)
			ON CONFLICT (user_id) DO UPDATE SET total_ms = 0, start_time = $2`,
			m.UserID, start); err != nil {
			return fmt.Errorf("failed to reset user %s: %w", m.UserID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO group_config (group_name, reset_time)
		VALUES ($1, $2)
		ON CONFLICT (group_name) DO UPDATE SET reset_time = $2`,
		groupName, now); err != nil {
		return fmt.Errorf("failed to stamp reset time: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO reset_history (group_name, reset_time, reason) VALUES ($1, $2, $3)",
		groupName, now, reason); err != nil {
		return fmt.Errorf("failed to record reset history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	log.Printf("reset: group=%s members=%d at %s", groupName, len(members), now.UTC().Format(time.RFC3339))
	return nil
}

// GetGroupConfig returns a group's threshold configuration. The second return
// value is false when the group has never been configured.
func (r *Repository) GetGroupConfig(ctx context.Context, groupName string) (models.GroupConfig, bool, error) {
	var gc models.GroupConfig
	var reset sql.NullTime
	err := r.db.conn.QueryRowContext(ctx,
		"SELECT group_name, min_hours, reset_time FROM group_config WHERE group_name = $1",
		groupName).Scan(&gc.GroupName, &gc.MinHours, &reset)
	if err == sql.ErrNoRows {
		return models.GroupConfig{}, false, nil
	}
	if err != nil {
		return models.GroupConfig{}, false, fmt.Errorf("failed to get group config: %w", err)
	}
	if reset.Valid {
		t := reset.Time
		gc.ResetTime = &t
	}
	return gc, true, nil
}

// SetGroupMinHours sets a group's minimum-activity threshold in hours.
func (r *Repository) SetGroupMinHours(ctx context.Context, groupName string, minHours float64) error {
	if minHours < 0 {
		return fmt.Errorf("min hours must be non-negative, got %v", minHours)
	}
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO group_config (group_name, min_hours)
		VALUES ($1, $2)
		ON CONFLICT (group_name) DO UPDATE SET min_hours = $2`,
		groupName, minHours)
	if err != nil {
		return fmt.Errorf("failed to set group min hours: %w", err)
	}
	return nil
}

// ResetHistory returns the most recent reset entries for a group.
func (r *Repository) ResetHistory(ctx context.Context, groupName string, limit int) ([]models.ResetHistoryEntry, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		"SELECT group_name, reset_time, reason FROM reset_history WHERE group_name = $1 ORDER BY reset_time DESC LIMIT $2",
		groupName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get reset history: %w", err)
	}
	defer rows.Close()

	var history []models.ResetHistoryEntry
	for rows.Next() {
		var e models.ResetHistoryEntry
		if err := rows.Scan(&e.GroupName, &e.ResetTime, &e.Reason); err != nil {
			log.Printf("Error scanning reset history row: %v", err)
			continue
		}
		history = append(history, e)
	}
	return history, rows.Err()
}

// OpenDurableSessions returns sessions recorded as open in the durable store.
// The channel is not persisted durably, so recovered sessions carry an empty
// channel ID until the next voice event for that user.
func (r *Repository) OpenDurableSessions(ctx context.Context) ([]models.VoiceSession, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		"SELECT user_id, start_time FROM user_activity WHERE start_time IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("failed to list open durable sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.VoiceSession
	for rows.Next() {
		var sess models.VoiceSession
		if err := rows.Scan(&sess.UserID, &sess.Start); err != nil {
			log.Printf("Error scanning open session row: %v", err)
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ClearDurableSession nulls a user's open-interval marker, used when a
// recovered session is discarded as stale.
func (r *Repository) ClearDurableSession(ctx context.Context, userID string) error {
	_, err := r.db.conn.ExecContext(ctx,
		"UPDATE user_activity SET start_time = NULL WHERE user_id = $1", userID)
	if err != nil {
		return fmt.Errorf("failed to clear durable session: %w", err)
	}
	return nil
}
