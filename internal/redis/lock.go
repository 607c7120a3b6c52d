package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chanitypham/medcare-sub001/internal/clinical"
)

var (
	ErrLockWaitTimeout = errors.New("medication lock wait timed out")
)

type redisMedicationLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
}

// NewRedisMedicationLocker returns a clinical.Locker backed by a per
// medication Redis key. Acquisition polls SetNX until it succeeds or the
// caller's context expires, so concurrent issuances against one medication
// queue up instead of failing fast; each eventually gets the lease as
// holders release. The TTL must exceed the longest issuance transaction so
// the lease never lapses while held.
func NewRedisMedicationLocker(client *redis.Client, ttl, retryInterval time.Duration) clinical.Locker {
	if retryInterval <= 0 {
		retryInterval = 25 * time.Millisecond
	}
	return &redisMedicationLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: retryInterval,
	}
}

func (l *redisMedicationLocker) WithMedicationLock(ctx context.Context, medicationID uuid.UUID, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:medication:%s", medicationID.String())
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	// Release on a detached context: the caller's context may already have
	// expired, and the lease must not outlive the operation until the TTL.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.release(releaseCtx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *redisMedicationLocker) acquire(ctx context.Context, key, token string) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrLockWaitTimeout, ctx.Err())
		case <-timer.C:
		}

		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire medication lock: %w", err)
		}
		if ok {
			return nil
		}

		timer.Reset(l.retryInterval)
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisMedicationLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release medication lock: %w", err)
	}
	return nil
}
