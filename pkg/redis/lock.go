package redis

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	apperrors "github.com/osmtools/osm2es/pkg/errors"
)

// RunLock guards an index family against concurrent ingest runs. The lock is
// a best-effort SET NX with a TTL so a crashed run cannot block forever.
type RunLock struct {
	client *Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRunLock creates a lock scoped to one {prefix}_{task} index family.
func NewRunLock(client *Client, prefix, task string, ttl time.Duration) *RunLock {
	return &RunLock{
		client: client,
		key:    fmt.Sprintf("osm2es:lock:%s_%s", prefix, task),
		token:  fmt.Sprintf("%d-%d", time.Now().UnixNano(), rand.Int63()),
		ttl:    ttl,
	}
}

// Acquire takes the lock, failing with ErrLockHeld when another run owns it.
func (l *RunLock) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return fmt.Errorf("acquiring run lock %s: %w", l.key, err)
	}
	if !ok {
		return apperrors.Newf(apperrors.ErrLockHeld, "", "lock %s", l.key)
	}
	return nil
}

// Release frees the lock if this run still owns it. A lock that expired and
// was taken by another run is left alone.
func (l *RunLock) Release(ctx context.Context) error {
	val, err := l.client.Get(ctx, l.key)
	if err != nil {
		if IsNilError(err) {
			return nil
		}
		return fmt.Errorf("reading run lock %s: %w", l.key, err)
	}
	if val != l.token {
		return nil
	}
	return l.client.Del(ctx, l.key)
}
