package ports

import (
	"context"
	"time"
)

// LockStore is a cooperative steal-on-timeout named mutex. TryAcquire
// returns false while another runner holds a live lock; a held lock whose
// last acquisition is older than ttl is stolen. This is a best-effort
// single-runner hint, not a consensus lock: protected work must stay
// idempotent and finish within ttl.
type LockStore interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) (bool, error)
}
