package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// CounterIndex tracks the join order of sessions in a room: an append-only
// list of session ids. A session's position in it is the stable "counter"
// clients use to refer to each other (moderation targets by position, not by
// session id).
type CounterIndex struct {
	rdb *redis.Client
}

func NewCounterIndex(rdb *redis.Client) *CounterIndex {
	return &CounterIndex{rdb: rdb}
}

func counterKey(room string) string { return "chat." + room + ".counter" }

// Join appends the session to the room's join list and returns its 0-based
// position. Joining is unconditional; a session that rejoins gets a new
// position.
func (c *CounterIndex) Join(ctx context.Context, room, session string) (int64, error) {
	n, err := c.rdb.RPush(ctx, counterKey(room), session).Result()
	if err != nil {
		return 0, fmt.Errorf("join %s: %w", room, err)
	}
	return n - 1, nil
}

// PositionOf returns the session's first position in the join list, or
// ErrNotFound if it never joined.
func (c *CounterIndex) PositionOf(ctx context.Context, room, session string) (int64, error) {
	members, err := c.rdb.LRange(ctx, counterKey(room), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("positions %s: %w", room, err)
	}
	for i, member := range members {
		if member == session {
			return int64(i), nil
		}
	}
	return 0, ErrNotFound
}

// SessionAt resolves a join-list position back to a session id, or
// ErrInvalidTarget if the position is out of range.
func (c *CounterIndex) SessionAt(ctx context.Context, room string, position int64) (string, error) {
	session, err := c.rdb.LIndex(ctx, counterKey(room), position).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidTarget
	}
	if err != nil {
		return "", fmt.Errorf("session at %s[%d]: %w", room, position, err)
	}
	return session, nil
}
