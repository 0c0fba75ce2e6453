package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// MessageLog is the append-only per-room message sequence.
//
// Messages live in the Redis list chat.<room>; the ordinal of a message is
// its list index plus the room's eviction offset. Appending past the
// retention limit trims the oldest entries and advances the offset, so old
// messages become unreachable but ordinals are never reused.
type MessageLog struct {
	rdb   *redis.Client
	bus   *Bus
	limit int64
	now   func() time.Time
}

func NewMessageLog(rdb *redis.Client, bus *Bus, limit int64) *MessageLog {
	return &MessageLog{rdb: rdb, bus: bus, limit: limit, now: time.Now}
}

func messagesKey(room string) string { return "chat." + room }
func evictedKey(room string) string  { return "chat." + room + ".evicted" }

// appendScript pushes one record and trims to the retention limit in a
// single step. It returns the ordinal of the pushed record: eviction offset
// before this call plus the new list length minus one. Running it as a
// script keeps the offset and the list consistent under concurrent appends.
var appendScript = redis.NewScript(`
local off = tonumber(redis.call('GET', KEYS[2]) or '0')
local n = redis.call('RPUSH', KEYS[1], ARGV[1])
local limit = tonumber(ARGV[2])
if limit > 0 and n > limit then
	local excess = n - limit
	redis.call('LTRIM', KEYS[1], excess, -1)
	redis.call('INCRBY', KEYS[2], excess)
end
return off + n - 1
`)

// stored mirrors Message minus the ordinal, which is positional.
type storedMessage struct {
	Timestamp int64  `json:"timestamp"`
	Counter   int64  `json:"counter"`
	Kind      string `json:"kind"`
	Name      string `json:"name,omitempty"`
	Acronym   string `json:"acronym,omitempty"`
	Color     string `json:"color,omitempty"`
	Line      string `json:"line,omitempty"`
	Audience  string `json:"audience,omitempty"`
}

// Append stores the message, assigns its ordinal and publishes it on the
// channels its kind routes to. The store happens before the publish: a
// reader that calls ReadAfter once Append returned sees the message, and a
// listener subscribed before Append returned sees the publish.
func (l *MessageLog) Append(ctx context.Context, room string, msg Message) (Message, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = l.now().Unix()
	}
	record, err := json.Marshal(storedMessage{
		Timestamp: msg.Timestamp,
		Counter:   msg.Counter,
		Kind:      msg.Kind,
		Name:      msg.Name,
		Acronym:   msg.Acronym,
		Color:     msg.Color,
		Line:      msg.Line,
		Audience:  msg.Audience,
	})
	if err != nil {
		return Message{}, fmt.Errorf("marshal message: %w", err)
	}

	keys := []string{messagesKey(room), evictedKey(room)}
	ordinal, err := appendScript.Run(ctx, l.rdb, keys, record, l.limit).Int64()
	if err != nil {
		return Message{}, fmt.Errorf("append %s: %w", room, err)
	}
	msg.ID = ordinal

	payload, err := json.Marshal(envelope{Messages: []Message{msg}})
	if err != nil {
		return Message{}, fmt.Errorf("marshal envelope: %w", err)
	}
	for _, channel := range routeChannels(room, msg) {
		if err := l.bus.Publish(ctx, channel, payload); err != nil {
			return Message{}, err
		}
	}
	return msg, nil
}

// routeChannels resolves the channels a message is published on: private
// messages go only to the audience's own channel, user changes go to main
// and, with identical payload, to the moderator channel, everything else to
// main.
func routeChannels(room string, msg Message) []string {
	cs := RoomChannels(room, msg.Audience)
	switch msg.Kind {
	case KindPrivate:
		return []string{cs.Self}
	case KindUserChange:
		return []string{cs.Main, cs.Mod}
	default:
		return []string{cs.Main}
	}
}

// ReadAfter returns every retained message with ordinal greater than after,
// in ordinal order. Private messages addressed to a different session than
// viewer are skipped. An empty result is not an error.
func (l *MessageLog) ReadAfter(ctx context.Context, room string, after int64, viewer string) ([]Message, error) {
	var offsetCmd *redis.StringCmd
	var rangeCmd *redis.StringSliceCmd
	// MULTI/EXEC so the offset and the list are a consistent snapshot even
	// if an append trims between the two reads.
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		offsetCmd = pipe.Get(ctx, evictedKey(room))
		rangeCmd = pipe.LRange(ctx, messagesKey(room), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read %s after %d: %w", room, after, err)
	}
	offset, _ := offsetCmd.Int64()

	var out []Message
	for i, raw := range rangeCmd.Val() {
		ordinal := offset + int64(i)
		if ordinal <= after {
			continue
		}
		var stored storedMessage
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			return nil, fmt.Errorf("decode message %d in %s: %w", ordinal, room, err)
		}
		if stored.Kind == KindPrivate && stored.Audience != viewer {
			continue
		}
		out = append(out, Message{
			ID:        ordinal,
			Timestamp: stored.Timestamp,
			Counter:   stored.Counter,
			Kind:      stored.Kind,
			Name:      stored.Name,
			Acronym:   stored.Acronym,
			Color:     stored.Color,
			Line:      stored.Line,
			Audience:  stored.Audience,
		})
	}
	return out, nil
}
