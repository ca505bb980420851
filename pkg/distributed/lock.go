package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockNotHeld = errors.New("lock was not held by this instance")

// unlockScript deletes the key only if it still carries our token.
var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// renewScript extends the TTL only if the key still carries our token.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// DistributedLock is a Redis lease held by one process at a time. It can be
// acquired and released repeatedly; each acquisition uses a fresh token and
// renews itself at half the TTL until Unlock.
type DistributedLock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration

	mu        sync.Mutex
	token     string
	stopRenew chan struct{}
}

func NewDistributedLock(client redis.UniversalClient, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    key,
		ttl:    ttl,
	}
}

func (l *DistributedLock) Key() string { return l.key }

// Lock acquires the lock, retrying until it's available or ctx is done
func (l *DistributedLock) Lock(ctx context.Context) error {
	for {
		acquired, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// TryLock attempts to acquire the lock without blocking
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token != "" {
		return true, nil
	}

	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to try lock: %w", err)
	}
	if !acquired {
		return false, nil
	}

	l.token = token
	l.stopRenew = make(chan struct{})
	go l.renew(token, l.stopRenew)
	return true, nil
}

// Unlock releases the lock if this instance still holds it
func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	stop := l.stopRenew
	l.token = ""
	l.stopRenew = nil
	l.mu.Unlock()

	if token == "" {
		return ErrLockNotHeld
	}
	close(stop)

	result, err := unlockScript.Run(ctx, l.client, []string{l.key}, token).Int64()
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *DistributedLock) renew(token string, stop <-chan struct{}) {
	interval := l.ttl / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := renewScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || ok == 0 {
				// lease lost; the next TryLock starts over
				l.mu.Lock()
				if l.token == token {
					l.token = ""
				}
				l.mu.Unlock()
				return
			}
		case <-stop:
			return
		}
	}
}

// IsLocked checks if anyone currently holds the lock
func (l *DistributedLock) IsLocked(ctx context.Context) (bool, error) {
	exists, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// LockManager hands out locks under a common key prefix
type LockManager struct {
	client redis.UniversalClient
	prefix string
}

func NewLockManager(client redis.UniversalClient, prefix string) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
	}
}

func (lm *LockManager) NewLock(name string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(lm.client, lm.prefix+name, ttl)
}
