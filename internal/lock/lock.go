// Package lock provides advisory locks backed by a database table, so
// multiple server instances can coordinate work on shared rows.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotAcquired is returned when the lock is held by another owner.
var ErrNotAcquired = errors.New("lock not acquired")

type Manager struct {
	db *sqlx.DB
}

func NewManager(db *sqlx.DB) *Manager {
	return &Manager{db: db}
}

// Guard represents a held lock. Release it when the protected work is done;
// an expired guard may have been taken over and its release is then a no-op.
type Guard struct {
	mgr   *Manager
	key   string
	token string
}

// Acquire takes the named lock for at most ttl. A lock whose ttl elapsed is
// considered abandoned and can be taken over by any caller.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Guard, error) {
	token := uuid.New().String()
	now := time.Now().UTC()
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO locks (key, token, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET token = $2, expires_at = $3
		 WHERE locks.expires_at <= $4`,
		key, token, now.Add(ttl), now)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %q: %w", key, err)
	}
	if n == 0 {
		return nil, ErrNotAcquired
	}
	return &Guard{mgr: m, key: key, token: token}, nil
}

// Release frees the lock if this guard still owns it.
func (g *Guard) Release(ctx context.Context) error {
	if g.mgr == nil {
		return nil
	}
	_, err := g.mgr.db.ExecContext(ctx,
		`DELETE FROM locks WHERE key = $1 AND token = $2`, g.key, g.token)
	if err != nil {
		return fmt.Errorf("releasing lock %q: %w", g.key, err)
	}
	return nil
}
