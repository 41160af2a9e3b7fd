package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/propchat-ingest/pkg/logging"
)

const (
	senderLockPrefix      = "chat:sender:"
	defaultSenderLockTTL  = 15 * time.Second
	defaultSenderLockWait = 5 * time.Second
	senderLockRetry       = 25 * time.Millisecond
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SenderLockConfig tunes lock expiry and how long Acquire waits for a busy key.
type SenderLockConfig struct {
	TTL  time.Duration
	Wait time.Duration
}

// SenderLock serializes processing per sender phone. With a Redis client it uses
// SET NX PX so every replica shares the lock; without one it falls back to an
// in-process keyed mutex. Acquire fails open: when the lock cannot be obtained
// processing continues and the unique external id index keeps storage correct.
type SenderLock struct {
	redis  *redis.Client
	ttl    time.Duration
	wait   time.Duration
	local  *keyedMutex
	logger *logging.Logger
}

func NewSenderLock(client *redis.Client, cfg SenderLockConfig, logger *logging.Logger) *SenderLock {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultSenderLockTTL
	}
	if cfg.Wait <= 0 {
		cfg.Wait = defaultSenderLockWait
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SenderLock{
		redis:  client,
		ttl:    cfg.TTL,
		wait:   cfg.Wait,
		local:  newKeyedMutex(),
		logger: logger,
	}
}

// Acquire blocks until the sender's lock is held, the wait budget runs out or ctx
// ends. The returned release func is always safe to call.
func (l *SenderLock) Acquire(ctx context.Context, phone string) func() {
	if l == nil || phone == "" {
		return func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	if l.redis == nil {
		release, err := l.local.lock(ctx, phone)
		if err != nil {
			l.logger.Warn("sender lock wait expired, continuing unlocked", "phone", phone, "error", err)
			return func() {}
		}
		return release
	}

	key := senderLockPrefix + phone
	token := uuid.NewString()
	for {
		ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			l.logger.Warn("sender lock unavailable, continuing unlocked", "phone", phone, "error", err)
			return func() {}
		}
		if ok {
			return func() {
				// The request context may already be done; release on a short budget of its own.
				rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
				defer rcancel()
				if err := releaseScript.Run(rctx, l.redis, []string{key}, token).Err(); err != nil {
					l.logger.Warn("sender lock release failed", "phone", phone, "error", err)
				}
			}
		}
		select {
		case <-ctx.Done():
			l.logger.Warn("sender lock wait expired, continuing unlocked", "phone", phone, "error", ctx.Err())
			return func() {}
		case <-time.After(senderLockRetry):
		}
	}
}

// keyedMutex hands out one slot per key and drops idle keys.
type keyedMutex struct {
	mu    sync.Mutex
	slots map[string]*keySlot
}

type keySlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{slots: make(map[string]*keySlot)}
}

func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	slot, ok := k.slots[key]
	if !ok {
		slot = &keySlot{ch: make(chan struct{}, 1)}
		k.slots[key] = slot
	}
	slot.refs++
	k.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.ch
				k.unref(key, slot)
			})
		}, nil
	case <-ctx.Done():
		k.unref(key, slot)
		return nil, fmt.Errorf("ingest: sender lock %s: %w", key, ctx.Err())
	}
}

func (k *keyedMutex) unref(key string, slot *keySlot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot.refs--
	if slot.refs == 0 && k.slots[key] == slot {
		delete(k.slots, key)
	}
}
