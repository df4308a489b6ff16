// Package ratelimiter is C4: the multi-window USD and RPM limiter. It is
// consulted before dispatch (check) and updated after the actual cost is
// known (commit), with Key and User quotas interleaved per a fixed
// precedence so the same request always fails on the same window
// regardless of which subject's ceiling is tighter (spec §4.4).
package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coremesh/llmproxy/llm"
)

// ErrLimitExceeded is returned by Check when the first-violated window is
// found; callers should inspect errors.As to get the Violation detail.
var ErrLimitExceeded = errors.New("ratelimiter: limit exceeded")

// WindowKind names one of the limiter's windows, in the fixed precedence
// order spec §4.4 requires.
type WindowKind string

const (
	WindowTotal              WindowKind = "total"
	WindowConcurrentSessions WindowKind = "concurrent_sessions"
	WindowRPM                WindowKind = "rpm"
	Window5h                 WindowKind = "5h"
	WindowDaily              WindowKind = "daily"
	WindowWeekly             WindowKind = "weekly"
	WindowMonthly            WindowKind = "monthly"
)

// Violation describes the first window that rejected a request.
type Violation struct {
	Subject string // "key" or "user"
	Window  WindowKind
	Limit   float64
	Current float64
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s %s limit exceeded: %.4f >= %.4f", v.Subject, v.Window, v.Current, v.Limit)
}

// limitErr wraps ErrLimitExceeded with a Violation so callers can both do a
// plain errors.Is(err, ErrLimitExceeded) and extract the detail.
type limitErr struct {
	Violation
}

func (e *limitErr) Error() string { return e.Violation.Error() }
func (e *limitErr) Unwrap() error { return ErrLimitExceeded }

// Limits is the subset of Provider/Key/User quota fields the limiter
// consults for one subject (Key or User).
type Limits struct {
	TotalUsd                *float64
	TotalCostResetAt        time.Time
	Usd5h                   *float64
	DailyUsd                *float64
	DailyMode               llm.LimitMode
	DailyResetTime          string // "HH:MM:SS", fixed-mode anchor, local IANA zone
	Location                *time.Location
	WeeklyUsd               *float64
	MonthlyUsd              *float64
	ConcurrentSessions      *int
	RPM                     *int
}

// CheckInput bundles both subjects' limits plus the values that live outside
// this package (the concurrent session count from C3).
type CheckInput struct {
	KeyID            uint
	UserID           uint
	KeyLimits        Limits
	UserLimits       Limits
	KeySessionCount  int64
	EstimatedCostUsd float64
}

// Limiter is the C4 rate limiter.
type Limiter struct {
	redis  *redis.Client
	logger *zap.Logger
}

// New builds a Limiter over redisClient.
func New(redisClient *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{redis: redisClient, logger: logger.With(zap.String("component", "ratelimiter"))}
}

// --- window key helpers -----------------------------------------------------

func totalKey(subject string, id uint, resetAt time.Time) string {
	return fmt.Sprintf("rl:total:%s:%d:%d", subject, id, resetAt.Unix())
}

func dailyKey(subject string, id uint, mode llm.LimitMode, resetTime string, loc *time.Location, now time.Time) string {
	anchor := dailyAnchor(mode, resetTime, loc, now)
	return fmt.Sprintf("rl:daily:%s:%d:%s", subject, id, anchor.Format("2006-01-02"))
}

// dailyAnchor computes the start of the current daily bucket. Fixed mode
// anchors on Provider.DailyResetTime in its local IANA zone; rolling mode
// anchors on UTC midnight (DESIGN.md Open Question #3).
func dailyAnchor(mode llm.LimitMode, resetTime string, loc *time.Location, now time.Time) time.Time {
	if mode == llm.LimitModeRolling || loc == nil {
		u := now.UTC()
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	}
	h, m, s := parseHMS(resetTime)
	local := now.In(loc)
	anchor := time.Date(local.Year(), local.Month(), local.Day(), h, m, s, 0, loc)
	if local.Before(anchor) {
		anchor = anchor.AddDate(0, 0, -1)
	}
	return anchor
}

func parseHMS(s string) (int, int, int) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0, 0
	}
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	sec, _ := strconv.Atoi(parts[2])
	return h, m, sec
}

func weeklyKey(subject string, id uint, now time.Time) string {
	year, week := now.UTC().ISOWeek()
	return fmt.Sprintf("rl:weekly:%s:%d:%d-W%02d", subject, id, year, week)
}

func monthlyKey(subject string, id uint, now time.Time) string {
	u := now.UTC()
	return fmt.Sprintf("rl:monthly:%s:%d:%04d-%02d", subject, id, u.Year(), u.Month())
}

func slidingKey(window WindowKind, subject string, id uint) string {
	return fmt.Sprintf("rl:sliding:%s:%s:%d", window, subject, id)
}

// --- reads -------------------------------------------------------------------

func (l *Limiter) fixedSum(ctx context.Context, key string) float64 {
	v, err := l.redis.Get(ctx, key).Float64()
	if err != nil {
		return 0
	}
	return v
}

// slidingSum sums the cost of every entry in window [now-lookback, now]. Each
// entry is recorded at commit time as a sorted-set member "seq:cost" scored
// by its commit timestamp.
func (l *Limiter) slidingSum(ctx context.Context, key string, lookback time.Duration, now time.Time) float64 {
	cutoff := now.Add(-lookback).Unix()
	members, err := l.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: strconv.FormatInt(cutoff, 10), Max: "+inf"}).Result()
	if err != nil {
		return 0
	}
	var sum float64
	for _, m := range members {
		parts := strings.SplitN(m, ":", 2)
		if len(parts) != 2 {
			continue
		}
		v, _ := strconv.ParseFloat(parts[1], 64)
		sum += v
	}
	return sum
}

func (l *Limiter) slidingCount(ctx context.Context, key string, lookback time.Duration, now time.Time) int64 {
	cutoff := now.Add(-lookback).Unix()
	n, err := l.redis.ZCount(ctx, key, strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return 0
	}
	return n
}

// --- check -------------------------------------------------------------------

// Check walks the fixed precedence order and returns the first violated
// window as an error satisfying errors.Is(err, ErrLimitExceeded). A nil
// return means in.EstimatedCostUsd may proceed under every configured
// ceiling.
func (l *Limiter) Check(ctx context.Context, in CheckInput) error {
	now := time.Now()

	type step struct {
		subject string
		window  WindowKind
		limit   *float64
		current func() float64
	}

	steps := []step{
		{"key", WindowTotal, in.KeyLimits.TotalUsd, func() float64 {
			return l.fixedSum(ctx, totalKey("key", in.KeyID, in.KeyLimits.TotalCostResetAt))
		}},
		{"user", WindowTotal, in.UserLimits.TotalUsd, func() float64 {
			return l.fixedSum(ctx, totalKey("user", in.UserID, in.UserLimits.TotalCostResetAt))
		}},
	}

	// Key concurrent sessions: compared against a count, not a cost.
	if in.KeyLimits.ConcurrentSessions != nil && in.KeySessionCount >= int64(*in.KeyLimits.ConcurrentSessions) {
		return &limitErr{Violation{"key", WindowConcurrentSessions, float64(*in.KeyLimits.ConcurrentSessions), float64(in.KeySessionCount)}}
	}

	// User RPM: sliding 60s request count, not cost.
	if in.UserLimits.RPM != nil {
		count := l.slidingCount(ctx, slidingKey(WindowRPM, "user", in.UserID), time.Minute, now)
		if count >= int64(*in.UserLimits.RPM) {
			return &limitErr{Violation{"user", WindowRPM, float64(*in.UserLimits.RPM), float64(count)}}
		}
	}

	steps = append(steps,
		step{"key", Window5h, in.KeyLimits.Usd5h, func() float64 {
			return l.slidingSum(ctx, slidingKey(Window5h, "key", in.KeyID), 5*time.Hour, now)
		}},
		step{"user", Window5h, in.UserLimits.Usd5h, func() float64 {
			return l.slidingSum(ctx, slidingKey(Window5h, "user", in.UserID), 5*time.Hour, now)
		}},
		step{"key", WindowDaily, in.KeyLimits.DailyUsd, func() float64 {
			return l.fixedSum(ctx, dailyKey("key", in.KeyID, in.KeyLimits.DailyMode, in.KeyLimits.DailyResetTime, in.KeyLimits.Location, now))
		}},
		step{"user", WindowDaily, in.UserLimits.DailyUsd, func() float64 {
			return l.fixedSum(ctx, dailyKey("user", in.UserID, in.UserLimits.DailyMode, in.UserLimits.DailyResetTime, in.UserLimits.Location, now))
		}},
		step{"key", WindowWeekly, in.KeyLimits.WeeklyUsd, func() float64 {
			return l.fixedSum(ctx, weeklyKey("key", in.KeyID, now))
		}},
		step{"user", WindowWeekly, in.UserLimits.WeeklyUsd, func() float64 {
			return l.fixedSum(ctx, weeklyKey("user", in.UserID, now))
		}},
		step{"key", WindowMonthly, in.KeyLimits.MonthlyUsd, func() float64 {
			return l.fixedSum(ctx, monthlyKey("key", in.KeyID, now))
		}},
		step{"user", WindowMonthly, in.UserLimits.MonthlyUsd, func() float64 {
			return l.fixedSum(ctx, monthlyKey("user", in.UserID, now))
		}},
	)

	for _, s := range steps {
		if s.limit == nil {
			continue
		}
		current := s.current()
		if current+in.EstimatedCostUsd > *s.limit {
			return &limitErr{Violation{s.subject, s.window, *s.limit, current}}
		}
	}
	return nil
}

// Commit records costUsd against every window for both subjects. It should
// be called once the actual cost is known (after C10 computes it), never on
// the pre-check estimate.
func (l *Limiter) Commit(ctx context.Context, in CheckInput, costUsd float64) error {
	now := time.Now()
	member := fmt.Sprintf("%d:%f", now.UnixNano(), costUsd)

	pipe := l.redis.TxPipeline()

	pipe.IncrByFloat(ctx, totalKey("key", in.KeyID, in.KeyLimits.TotalCostResetAt), costUsd)
	pipe.IncrByFloat(ctx, totalKey("user", in.UserID, in.UserLimits.TotalCostResetAt), costUsd)

	pipe.ZAdd(ctx, slidingKey(Window5h, "key", in.KeyID), redis.Z{Score: float64(now.Unix()), Member: member})
	pipe.Expire(ctx, slidingKey(Window5h, "key", in.KeyID), 5*time.Hour+time.Minute)
	pipe.ZAdd(ctx, slidingKey(Window5h, "user", in.UserID), redis.Z{Score: float64(now.Unix()), Member: member})
	pipe.Expire(ctx, slidingKey(Window5h, "user", in.UserID), 5*time.Hour+time.Minute)

	pipe.ZAdd(ctx, slidingKey(WindowRPM, "user", in.UserID), redis.Z{Score: float64(now.UnixNano()), Member: strconv.FormatInt(now.UnixNano(), 10) + ":0"})
	pipe.Expire(ctx, slidingKey(WindowRPM, "user", in.UserID), 2*time.Minute)

	dKey := dailyKey("key", in.KeyID, in.KeyLimits.DailyMode, in.KeyLimits.DailyResetTime, in.KeyLimits.Location, now)
	pipe.IncrByFloat(ctx, dKey, costUsd)
	pipe.Expire(ctx, dKey, 48*time.Hour)
	dUserKey := dailyKey("user", in.UserID, in.UserLimits.DailyMode, in.UserLimits.DailyResetTime, in.UserLimits.Location, now)
	pipe.IncrByFloat(ctx, dUserKey, costUsd)
	pipe.Expire(ctx, dUserKey, 48*time.Hour)

	wKey := weeklyKey("key", in.KeyID, now)
	pipe.IncrByFloat(ctx, wKey, costUsd)
	pipe.Expire(ctx, wKey, 9*24*time.Hour)
	wUserKey := weeklyKey("user", in.UserID, now)
	pipe.IncrByFloat(ctx, wUserKey, costUsd)
	pipe.Expire(ctx, wUserKey, 9*24*time.Hour)

	mKey := monthlyKey("key", in.KeyID, now)
	pipe.IncrByFloat(ctx, mKey, costUsd)
	pipe.Expire(ctx, mKey, 35*24*time.Hour)
	mUserKey := monthlyKey("user", in.UserID, now)
	pipe.IncrByFloat(ctx, mUserKey, costUsd)
	pipe.Expire(ctx, mUserKey, 35*24*time.Hour)

	_, err := pipe.Exec(ctx)
	if err != nil {
		l.logger.Warn("ratelimiter commit failed", zap.Uint("key_id", in.KeyID), zap.Uint("user_id", in.UserID), zap.Error(err))
	}
	return err
}

// GetCurrentCostBatch returns the current value of every USD window for one
// subject, for diagnostics/admin display (spec §4.4 getCurrentCostBatch).
func (l *Limiter) GetCurrentCostBatch(ctx context.Context, subject string, id uint, limits Limits) map[WindowKind]float64 {
	now := time.Now()
	return map[WindowKind]float64{
		WindowTotal:   l.fixedSum(ctx, totalKey(subject, id, limits.TotalCostResetAt)),
		Window5h:      l.slidingSum(ctx, slidingKey(Window5h, subject, id), 5*time.Hour, now),
		WindowDaily:   l.fixedSum(ctx, dailyKey(subject, id, limits.DailyMode, limits.DailyResetTime, limits.Location, now)),
		WindowWeekly:  l.fixedSum(ctx, weeklyKey(subject, id, now)),
		WindowMonthly: l.fixedSum(ctx, monthlyKey(subject, id, now)),
	}
}
