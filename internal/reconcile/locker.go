package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when a document lock cannot be obtained in time
var ErrLocked = errors.New("document is locked")

// Locker serialises work on one document. Different documents never
// contend with each other.
type Locker interface {
	// Lock blocks until the document is held or ctx is done. The returned
	// function releases it.
	Lock(ctx context.Context, documentID string) (func(), error)
}

// KeyedMutex is an in-process Locker
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{} // holds one token while locked
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *KeyedMutex) Lock(ctx context.Context, documentID string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[documentID]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[documentID] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(documentID, l, false)
		return nil, fmt.Errorf("%w: %s: %w", ErrLocked, documentID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.release(documentID, l, true) })
	}, nil
}

func (k *KeyedMutex) release(documentID string, l *keyedLock, held bool) {
	if held {
		<-l.ch
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, documentID)
	}
}

// RedisLocker holds document locks in Redis so several processes sharing
// a store do not reconcile the same document at once. A held lock is
// refreshed every half TTL until it is released, so a slow extraction does
// not outlive it.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

// NewRedisLocker creates a Redis-backed Locker. ttl bounds how long a
// crashed holder can block others.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: redislock.New(client),
		ttl:    ttl,
		retry:  redislock.LinearBackoff(100 * time.Millisecond),
	}
}

func (r *RedisLocker) Lock(ctx context.Context, documentID string) (func(), error) {
	lock, err := r.client.Obtain(ctx, "lock:invoice:"+documentID, r.ttl, &redislock.Options{RetryStrategy: r.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("obtaining lock for %s: %w", documentID, err)
	}
	// Refresh and release on a fresh context so a cancelled caller still
	// keeps and frees the key
	return keepAlive(context.WithoutCancel(ctx), lock, r.ttl), nil
}

// heldLock is the part of *redislock.Lock a holder uses
type heldLock interface {
	Key() string
	Refresh(ctx context.Context, ttl time.Duration, opt *redislock.Options) error
	Release(ctx context.Context) error
}

// keepAlive refreshes lock every ttl/2 until the returned function is
// called, which stops refreshing and releases the lock
func keepAlive(ctx context.Context, lock heldLock, ttl time.Duration) func() {
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lock.Refresh(ctx, ttl, nil); err != nil {
					slog.Warn("Could not refresh document lock", "key", lock.Key(), "error", err)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-stopped
			if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				slog.Warn("Could not release document lock", "key", lock.Key(), "error", err)
			}
		})
	}
}
