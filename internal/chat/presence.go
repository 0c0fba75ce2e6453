package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence states a session can advertise while alive.
const (
	StateOnline = "online"
	StateIdle   = "idle"
)

// ValidState reports whether s is a client-settable presence state.
func ValidState(s string) bool {
	return s == StateOnline || s == StateIdle
}

// Presence tracks which sessions are alive in a room. Liveness is a zset of
// deadlines (last ping plus the timeout); a member past its deadline has
// lapsed and counts as gone even before anything removes it.
type Presence struct {
	rdb     *redis.Client
	timeout time.Duration
	now     func() time.Time
}

func NewPresence(rdb *redis.Client, timeout time.Duration) *Presence {
	return &Presence{rdb: rdb, timeout: timeout, now: time.Now}
}

func aliveKey(room string) string { return "chat." + room + ".alive" }
func stateKey(room string) string { return "chat." + room + ".state" }

// Ping pushes the session's deadline forward and reports whether the
// session was absent or lapsed before this ping, which is what drives the
// rejoin notice. Concurrent pings on one session can both observe a lapse;
// that only costs a duplicate notice, never a lost one.
func (p *Presence) Ping(ctx context.Context, room, session string) (rejoined bool, err error) {
	now := p.now()
	score, err := p.rdb.ZScore(ctx, aliveKey(room), session).Result()
	switch {
	case errors.Is(err, redis.Nil):
		rejoined = true
	case err != nil:
		return false, fmt.Errorf("ping %s: %w", room, err)
	default:
		rejoined = score < float64(now.Unix())
	}

	deadline := float64(now.Add(p.timeout).Unix())
	if err := p.rdb.ZAdd(ctx, aliveKey(room), redis.Z{Score: deadline, Member: session}).Err(); err != nil {
		return false, fmt.Errorf("ping %s: %w", room, err)
	}
	if rejoined {
		if err := p.rdb.HSet(ctx, stateKey(room), session, StateOnline).Err(); err != nil {
			return false, fmt.Errorf("ping %s: %w", room, err)
		}
	}
	return rejoined, nil
}

// SetState records the session's advertised state. Callers gate on
// ValidState.
func (p *Presence) SetState(ctx context.Context, room, session, state string) error {
	if err := p.rdb.HSet(ctx, stateKey(room), session, state).Err(); err != nil {
		return fmt.Errorf("set state %s: %w", room, err)
	}
	return nil
}

// Remove drops the session from the room's presence on disconnect.
func (p *Presence) Remove(ctx context.Context, room, session string) error {
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, aliveKey(room), session)
		pipe.HDel(ctx, stateKey(room), session)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", room, err)
	}
	return nil
}

// Online returns session id -> state for every unexpired session in the
// room. Sessions without a recorded state default to online.
func (p *Presence) Online(ctx context.Context, room string) (map[string]string, error) {
	min := strconv.FormatInt(p.now().Unix(), 10)
	ids, err := p.rdb.ZRangeByScore(ctx, aliveKey(room), &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("online %s: %w", room, err)
	}
	states, err := p.rdb.HGetAll(ctx, stateKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("online %s: %w", room, err)
	}
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		state := states[id]
		if state == "" {
			state = StateOnline
		}
		out[id] = state
	}
	return out, nil
}
