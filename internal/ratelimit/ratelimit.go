// Package ratelimit implements a per-domain rate limiter: a daily quota
// enforced in Redis plus a minimum spacing between requests to the same
// domain enforced with an in-process mutex.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"kxpipe/internal/errs"
)

// RateLimitExceeded carries the structured detail behind a
// KindRateLimitExceeded error: which domain tripped its quota, what that
// quota was, and how long until the daily counter resets.
type RateLimitExceeded struct {
	Domain         string
	Limit          int64
	ResetInSeconds int64
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("domain %s exceeded daily limit of %d, resets in %ds", e.Domain, e.Limit, e.ResetInSeconds)
}

// Config controls per-domain pacing and quota.
type Config struct {
	DelayMin       time.Duration
	DelayMax       time.Duration
	DailyLimit     int64
	QuotaKeyPrefix string
}

func (c Config) withDefaults() Config {
	if c.DelayMin == 0 {
		c.DelayMin = 1 * time.Second
	}
	if c.DelayMax == 0 {
		c.DelayMax = 3 * time.Second
	}
	if c.QuotaKeyPrefix == "" {
		c.QuotaKeyPrefix = "ratelimit"
	}
	return c
}

// Limiter paces and quotas requests per domain. One Limiter is shared
// across all workers touching a given project; per-domain locks are
// created lazily and kept for the Limiter's lifetime.
type Limiter struct {
	rdb *redis.Client
	cfg Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Limiter backed by rdb.
func New(rdb *redis.Client, cfg Config) *Limiter {
	return &Limiter{
		rdb:   rdb,
		cfg:   cfg.withDefaults(),
		locks: make(map[string]*sync.Mutex),
	}
}

func (l *Limiter) domainLock(domain string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[domain]
	if !ok {
		m = &sync.Mutex{}
		l.locks[domain] = m
	}
	return m
}

func (l *Limiter) lastRequestKey(domain string) string {
	return fmt.Sprintf("%s:%s:last_request", l.cfg.QuotaKeyPrefix, domain)
}

func (l *Limiter) dailyCountKey(domain, date string) string {
	return fmt.Sprintf("%s:%s:daily_count:%s", l.cfg.QuotaKeyPrefix, domain, date)
}

// Acquire blocks until it is this caller's turn to hit domain, enforcing
// both the daily quota and the minimum inter-request spacing. It returns
// a tagged KindRateLimitExceeded error if the daily quota is already
// exhausted; callers should treat that as non-retryable within the
// current day and re-queue the job rather than drop it.
func (l *Limiter) Acquire(ctx context.Context, domain string) error {
	if err := l.checkDailyLimit(ctx, domain); err != nil {
		return err
	}
	if err := l.waitIfNeeded(ctx, domain); err != nil {
		return err
	}
	return l.incrementDailyCount(ctx, domain)
}

func (l *Limiter) checkDailyLimit(ctx context.Context, domain string) error {
	if l.cfg.DailyLimit <= 0 {
		return nil
	}
	date := time.Now().UTC().Format("2006-01-02")
	key := l.dailyCountKey(domain, date)
	n, err := l.rdb.Get(ctx, key).Int64()
	if err != nil && err != redis.Nil {
		return errs.New(errs.KindDBError, "ratelimit.checkDailyLimit", err)
	}
	if n >= l.cfg.DailyLimit {
		resetIn := l.secondsUntilReset(ctx, key)
		return errs.New(errs.KindRateLimitExceeded, "ratelimit.checkDailyLimit",
			&RateLimitExceeded{Domain: domain, Limit: l.cfg.DailyLimit, ResetInSeconds: resetIn})
	}
	return nil
}

// secondsUntilReset reads the daily-count key's own TTL, falling back to
// the time until UTC midnight if the key carries no TTL yet.
func (l *Limiter) secondsUntilReset(ctx context.Context, key string) int64 {
	ttl, err := l.rdb.TTL(ctx, key).Result()
	if err == nil && ttl > 0 {
		return int64(ttl.Seconds())
	}
	midnight := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return int64(time.Until(midnight).Seconds())
}

func (l *Limiter) waitIfNeeded(ctx context.Context, domain string) error {
	m := l.domainLock(domain)
	m.Lock()
	defer m.Unlock()

	lastStr, err := l.rdb.Get(ctx, l.lastRequestKey(domain)).Result()
	if err != nil && err != redis.Nil {
		return errs.New(errs.KindDBError, "ratelimit.waitIfNeeded", err)
	}
	if err == nil {
		lastUnix, parseErr := time.Parse(time.RFC3339Nano, lastStr)
		if parseErr == nil {
			elapsed := time.Since(lastUnix)
			want := l.cfg.DelayMin + time.Duration(rand.Float64()*float64(l.cfg.DelayMax-l.cfg.DelayMin))
			if elapsed < want {
				t := time.NewTimer(want - elapsed)
				defer t.Stop()
				select {
				case <-t.C:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := l.rdb.Set(ctx, l.lastRequestKey(domain), now, 1*time.Hour).Err(); err != nil {
		return errs.New(errs.KindDBError, "ratelimit.waitIfNeeded", err)
	}
	return nil
}

func (l *Limiter) incrementDailyCount(ctx context.Context, domain string) error {
	date := time.Now().UTC().Format("2006-01-02")
	key := l.dailyCountKey(domain, date)

	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return errs.New(errs.KindDBError, "ratelimit.incrementDailyCount", err)
	}
	if n == 1 {
		midnight := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		if err := l.rdb.ExpireAt(ctx, key, midnight).Err(); err != nil {
			return errs.New(errs.KindDBError, "ratelimit.incrementDailyCount", err)
		}
	}
	return nil
}
