package classify

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"voicetime/internal/models"
)

// Gateway is the slice of the persistence layer the classifier reads.
type Gateway interface {
	GetTotals(ctx context.Context, userIDs []string) (map[string]models.UserActivity, error)
	GetGroupConfig(ctx context.Context, groupName string) (models.GroupConfig, bool, error)
	SumActivity(ctx context.Context, userID string, start, end time.Time) (int64, error)
}

// LiveSource supplies accrued-but-unflushed milliseconds per user.
type LiveSource interface {
	LiveMs(ctx context.Context, userID string, now time.Time) int64
}

// Window is an explicit half-open [Start, End) query range.
type Window struct {
	Start time.Time
	End   time.Time
}

// MemberTotal is one roster entry with its computed live total.
type MemberTotal struct {
	models.Member
	LiveMs int64
}

// Result holds the three ordered buckets plus the resolved group settings.
type Result struct {
	GroupName string
	MinHours  float64
	ResetTime *time.Time
	Exempt    []MemberTotal
	Active    []MemberTotal
	Inactive  []MemberTotal
}

// Classifier partitions a group roster into exempt/active/inactive buckets
// against the group's minimum-activity threshold.
type Classifier struct {
	gw   Gateway
	live LiveSource
	now  func() time.Time
}

// New creates a classifier over the given gateway and live source.
func New(gw Gateway, live LiveSource) *Classifier {
	return &Classifier{gw: gw, live: live, now: func() time.Time { return time.Now().UTC() }}
}

// NewWithClock is New with an injectable clock.
func NewWithClock(gw Gateway, live LiveSource, now func() time.Time) *Classifier {
	return &Classifier{gw: gw, live: live, now: now}
}

// Classify buckets the roster. With a nil window, totals are measured since
// the group's last reset (stored totals are zeroed on reset, so the running
// total plus live time is exactly that); with an explicit window, totals are
// reconstructed from the activity log. All comparisons are in milliseconds
// and the threshold is inclusive. Ordering is deterministic: descending by
// live total, ties broken by roster order.
func (c *Classifier) Classify(ctx context.Context, groupName string, roster []models.Member, window *Window) (Result, error) {
	cfg, found, err := c.gw.GetGroupConfig(ctx, groupName)
	if err != nil {
		log.Printf("Warning: group config unavailable for %s, using zero threshold: %v", groupName, err)
	} else if !found {
		log.Printf("Warning: group %s has no configured threshold, using zero", groupName)
	}

	result := Result{
		GroupName: groupName,
		MinHours:  cfg.MinHours,
		ResetTime: cfg.ResetTime,
	}
	thresholdMs := int64(math.Round(cfg.MinHours * float64(time.Hour/time.Millisecond)))
	now := c.now()

	var totals map[string]models.UserActivity
	if window == nil {
		userIDs := make([]string, len(roster))
		for i, m := range roster {
			userIDs[i] = m.UserID
		}
		totals, err = c.gw.GetTotals(ctx, userIDs)
		if err != nil {
			return Result{}, fmt.Errorf("failed to load totals: %w", err)
		}
	}

	for _, m := range roster {
		mt := MemberTotal{Member: m}
		if window != nil {
			sum, err := c.gw.SumActivity(ctx, m.UserID, window.Start, window.End)
			if err != nil {
				return Result{}, fmt.Errorf("failed to sum activity for %s: %w", m.UserID, err)
			}
			mt.LiveMs = sum
		} else {
			// a member with no stored row is simply zero, not an error
			mt.LiveMs = totals[m.UserID].TotalMs + c.live.LiveMs(ctx, m.UserID, now)
		}

		switch {
		case m.Exempt:
			result.Exempt = append(result.Exempt, mt)
		case mt.LiveMs >= thresholdMs:
			result.Active = append(result.Active, mt)
		default:
			result.Inactive = append(result.Inactive, mt)
		}
	}

	sortBucket(result.Exempt)
	sortBucket(result.Active)
	sortBucket(result.Inactive)
	return result, nil
}

// sortBucket orders descending by live total; the stable sort preserves
// roster order for ties.
func sortBucket(bucket []MemberTotal) {
	sort.SliceStable(bucket, func(i, j int) bool {
		return bucket[i].LiveMs > bucket[j].LiveMs
	})
}
