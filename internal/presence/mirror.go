package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	radix "github.com/mediocregopher/radix/v3"

	"github.com/capitalize-ai/messaging-core/internal/store"
)

// StoreMirror writes the flag to the users table.
type StoreMirror struct {
	users store.Users
}

// NewStoreMirror wraps the user store.
func NewStoreMirror(users store.Users) *StoreMirror {
	return &StoreMirror{users: users}
}

// Name implements Mirror.
func (m *StoreMirror) Name() string { return "store" }

// SetOnline implements Mirror.
func (m *StoreMirror) SetOnline(ctx context.Context, userID string, online bool, lastSeen *time.Time) error {
	return m.users.SetOnline(ctx, userID, online, lastSeen)
}

// RedisMirror keeps a presence hash per user so other services can read
// presence without touching the database:
//
//	presence:<user_id>  online=1|0  last_seen_at=<unix seconds>
type RedisMirror struct {
	client radix.Client
	ttl    time.Duration
}

// NewRedisMirror creates a mirror over a radix client. Entries expire
// after ttl when positive, so a crashed process does not leave users
// online forever.
func NewRedisMirror(client radix.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{client: client, ttl: ttl}
}

// Name implements Mirror.
func (m *RedisMirror) Name() string { return "redis" }

func presenceKey(userID string) string { return "presence:" + userID }

// SetOnline implements Mirror.
func (m *RedisMirror) SetOnline(ctx context.Context, userID string, online bool, lastSeen *time.Time) error {
	key := presenceKey(userID)
	flag := "0"
	if online {
		flag = "1"
	}
	args := []string{key, "online", flag}
	if lastSeen != nil {
		args = append(args, "last_seen_at", strconv.FormatInt(lastSeen.Unix(), 10))
	}
	if err := m.client.Do(radix.Cmd(nil, "HSET", args...)); err != nil {
		return err
	}
	if m.ttl > 0 {
		return m.client.Do(radix.FlatCmd(nil, "EXPIRE", key, int(m.ttl.Seconds())))
	}
	return nil
}

// Mirrors fans one write out to several mirrors. Every mirror is
// attempted; the errors are joined.
type Mirrors []Mirror

// Name implements Mirror.
func (ms Mirrors) Name() string { return "multi" }

// SetOnline implements Mirror.
func (ms Mirrors) SetOnline(ctx context.Context, userID string, online bool, lastSeen *time.Time) error {
	var errs []error
	for _, m := range ms {
		if err := m.SetOnline(ctx, userID, online, lastSeen); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}
