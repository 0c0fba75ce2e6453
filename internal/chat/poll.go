package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// PollRequest is one client's wait for messages.
type PollRequest struct {
	Room    string
	Session *Session
	// After is the last ordinal the client has seen; only newer messages
	// resolve the poll.
	After int64
	// FreshlyJoined is set when the keep-alive probe found the session
	// lapsed and recreated it; the poll then resolves with a synthetic
	// join notice instead of touching the log.
	FreshlyJoined bool
}

// Poll blocks until something the session wants to see exists.
//
// The order of business: synthesize a rejoin notice if flagged, otherwise
// serve any backlog immediately, otherwise subscribe and wait for a single
// qualifying event. The wait subscribes to all four room channels no matter
// the session's group: role changes arrive on the refresh channel, and a
// subscription change cannot be propagated fast enough to be sure of
// catching the very message that motivated it, so we over-subscribe and
// filter in process. The session's group snapshot is updated only from
// refresh events naming it, never by re-reading the store.
//
// There is no timeout at this layer. Cancel ctx to abandon the wait; the
// subscription is released on every exit path.
func (c *Core) Poll(ctx context.Context, req PollRequest) ([]Message, error) {
	sess := req.Session

	if req.FreshlyJoined {
		// Never stored and never given a real ordinal, so it cannot race
		// real traffic or reappear in a later fetch.
		return []Message{{
			ID:        req.After,
			Timestamp: c.now().Unix(),
			Counter:   -1,
			Kind:      KindJoin,
			Color:     sess.Color,
			Line:      fmt.Sprintf("%s [%s] joined chat.", sess.Name, sess.Acronym),
		}}, nil
	}

	backlog, err := c.log.ReadAfter(ctx, req.Room, req.After, sess.ID)
	if err != nil {
		return nil, err
	}
	if len(backlog) > 0 {
		return backlog, nil
	}

	cs := RoomChannels(req.Room, sess.ID)
	sub, err := c.bus.Subscribe(ctx, cs.All()...)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	wanted := cs.Wanted(sess.Group)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil, ErrBusClosed
			}
			if ev.Channel == cs.Refresh {
				if target, group, ok := parseRefresh(ev.Payload); ok && target == sess.ID {
					// Our group changed mid-wait. Retune the filter and
					// keep waiting.
					sess.Group = group
					wanted = cs.Wanted(group)
				}
				continue
			}
			if !wanted[ev.Channel] {
				continue
			}
			msgs := decodeNewer(ev.Payload, req.After)
			if len(msgs) == 0 {
				// Already-seen ordinals, e.g. the mod-channel copy of a
				// user change we were handed on main. Keep waiting.
				continue
			}
			return msgs, nil
		}
	}
}

// parseRefresh splits a "<session>#<group>" refresh payload.
func parseRefresh(payload []byte) (session, group string, ok bool) {
	return strings.Cut(string(payload), "#")
}

// decodeNewer unpacks a published envelope, keeping only messages with an
// ordinal the client has not seen.
func decodeNewer(payload []byte, after int64) []Message {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil
	}
	var fresh []Message
	for _, msg := range env.Messages {
		if msg.ID > after {
			fresh = append(fresh, msg)
		}
	}
	return fresh
}
