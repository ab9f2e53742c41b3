package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	loginWindow      = 15 * time.Minute
	lockDuration     = 10 * time.Minute
	maxLoginAttempts = 5
)

// Limiter はキー（通常はクライアントIP）ごとのログイン失敗回数を管理します。
type Limiter interface {
	// Check はロック中であれば残り時間を返します。
	Check(ctx context.Context, key string) (time.Duration, error)
	// RecordFailure は失敗を記録し、残り試行回数を返します。
	RecordFailure(ctx context.Context, key string) (int, error)
	// Reset は記録を消去します。
	Reset(ctx context.Context, key string) error
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// MemoryLimiter はプロセス内で失敗回数を保持する Limiter です。
type MemoryLimiter struct {
	lock     sync.Mutex
	attempts map[string]*attemptState
	now      func() time.Time
}

// NewMemoryLimiter は MemoryLimiter を作成します。
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		attempts: make(map[string]*attemptState),
		now:      time.Now,
	}
}

// Check はロック中であれば残り時間を返します。
func (m *MemoryLimiter) Check(_ context.Context, key string) (time.Duration, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[key]
	if !ok {
		return 0, nil
	}
	now := m.now()
	if !now.Before(state.lockedUntil) {
		return 0, nil
	}
	return state.lockedUntil.Sub(now), nil
}

// RecordFailure は失敗を記録し、残り試行回数を返します。
func (m *MemoryLimiter) RecordFailure(_ context.Context, key string) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	state, ok := m.attempts[key]
	expiredLock := ok && !state.lockedUntil.IsZero() && !now.Before(state.lockedUntil)
	if !ok || expiredLock || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[key] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	remaining := maxLoginAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset は記録を消去します。
func (m *MemoryLimiter) Reset(_ context.Context, key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, key)
	return nil
}

const (
	attemptsKeyPrefix = "authz:attempts:"
	lockKeyPrefix     = "authz:lock:"
)

// RedisLimiter は複数インスタンスで失敗回数を共有するための Limiter です。
type RedisLimiter struct {
	rdb *redis.Client
}

// NewRedisLimiter は RedisLimiter を作成します。
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

// Check はロックキーの残り TTL を返します。
func (r *RedisLimiter) Check(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.rdb.PTTL(ctx, lockKeyPrefix+key).Result()
	if err != nil {
		return 0, err
	}
	// キーが無い場合は負の値が返る
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

// RecordFailure は INCR で失敗回数を数え、上限に達したらロックキーを作成します。
func (r *RedisLimiter) RecordFailure(ctx context.Context, key string) (int, error) {
	attemptsKey := attemptsKeyPrefix + key
	count, err := r.rdb.Incr(ctx, attemptsKey).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := r.rdb.Expire(ctx, attemptsKey, loginWindow).Err(); err != nil {
			return 0, err
		}
	}

	if count >= int64(maxLoginAttempts) {
		pipe := r.rdb.TxPipeline()
		pipe.Set(ctx, lockKeyPrefix+key, 1, lockDuration)
		pipe.Del(ctx, attemptsKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("lock %s: %w", key, err)
		}
		return 0, nil
	}
	return maxLoginAttempts - int(count), nil
}

// Reset は失敗回数とロックを削除します。
func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, attemptsKeyPrefix+key, lockKeyPrefix+key).Err()
}
