package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configure the core.
type Options struct {
	// SessionTTL is how long a session token stays registered without being
	// seen.
	SessionTTL time.Duration
	// PingTimeout is how long a session stays alive in a room after its
	// last keep-alive.
	PingTimeout time.Duration
	// RetentionLimit caps retained messages per room; zero or negative
	// means unbounded.
	RetentionLimit int64
	// NotifySilenced sends a private notice to sessions moved into or out
	// of the silent group.
	NotifySilenced bool
}

// Core ties the room state together: sessions, join counters, the message
// log, the broadcast bus and presence. One Core serves every room; all
// shared state lives in Redis, so any number of processes can front the
// same rooms.
type Core struct {
	store          *SessionStore
	counter        *CounterIndex
	log            *MessageLog
	bus            *Bus
	presence       *Presence
	notifySilenced bool
	now            func() time.Time
}

func NewCore(rdb *redis.Client, opts Options) *Core {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 30 * time.Second
	}
	bus := NewBus(rdb)
	return &Core{
		store:          NewSessionStore(rdb, opts.SessionTTL),
		counter:        NewCounterIndex(rdb),
		log:            NewMessageLog(rdb, bus, opts.RetentionLimit),
		bus:            bus,
		presence:       NewPresence(rdb, opts.PingTimeout),
		notifySilenced: opts.NotifySilenced,
		now:            time.Now,
	}
}

// Sessions exposes the session store to the transport layer (cookie
// middleware and profile saves).
func (c *Core) Sessions() *SessionStore { return c.store }

// MarkAlive is the keep-alive probe run before every room request. A
// session seen in this room for the first time is joined for real: a
// position in the join list and a public join message. A session that was
// here before but lapsed gets no log entry; the caller is told to
// synthesize a join notice instead (see Poll).
func (c *Core) MarkAlive(ctx context.Context, room string, sess *Session) (freshlyJoined bool, err error) {
	rejoined, err := c.presence.Ping(ctx, room, sess.ID)
	if err != nil || !rejoined {
		return false, err
	}

	if _, err := c.counter.PositionOf(ctx, room, sess.ID); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return false, err
		}
		if _, err := c.counter.Join(ctx, room, sess.ID); err != nil {
			return false, err
		}
		if sess.Group != GroupSilent {
			_, err = c.log.Append(ctx, room, Message{
				Counter: -1,
				Kind:    KindJoin,
				Color:   sess.Color,
				Line:    fmt.Sprintf("%s [%s] joined chat.", sess.Name, sess.Acronym),
			})
			if err != nil {
				return false, err
			}
		}
		return false, nil
	}
	return true, nil
}

// SendLine appends a chat line. Silenced senders talk to themselves: their
// lines become private messages addressed to their own session.
func (c *Core) SendLine(ctx context.Context, room string, sess *Session, line string) (Message, error) {
	position, err := c.counter.PositionOf(ctx, room, sess.ID)
	if errors.Is(err, ErrNotFound) {
		position = -1
	} else if err != nil {
		return Message{}, err
	}

	msg := Message{
		Counter: position,
		Kind:    KindMessage,
		Acronym: sess.Acronym,
		Color:   sess.Color,
		Line:    line,
	}
	if sess.Group == GroupSilent {
		msg.Kind = KindPrivate
		msg.Audience = sess.ID
	}
	return c.log.Append(ctx, room, msg)
}

// SetState records an online/idle state change.
func (c *Core) SetState(ctx context.Context, room string, sess *Session, state string) error {
	return c.presence.SetState(ctx, room, sess.ID, state)
}

// Disconnect removes the session from the room's presence and announces the
// departure unless the session is silenced.
func (c *Core) Disconnect(ctx context.Context, room string, sess *Session) error {
	if err := c.presence.Remove(ctx, room, sess.ID); err != nil {
		return err
	}
	if sess.Group == GroupSilent {
		return nil
	}
	_, err := c.log.Append(ctx, room, Message{
		Counter: -1,
		Kind:    KindUserChange,
		Color:   "000000",
		Line:    fmt.Sprintf("%s [%s] disconnected.", sess.Name, sess.Acronym),
	})
	return err
}

// PresenceEntry is one row of the online list returned with each poll.
type PresenceEntry struct {
	Counter   int64  `json:"counter"`
	Name      string `json:"name"`
	Acronym   string `json:"acronym"`
	Color     string `json:"color"`
	Character string `json:"character"`
	Group     string `json:"group"`
	State     string `json:"state"`
}

// UserList lists the room's live sessions, filtered to what the viewer may
// see: silenced sessions are hidden from non-moderators, except that a
// silenced viewer always sees itself, with its group masked so it is not
// told it has been silenced.
func (c *Core) UserList(ctx context.Context, room string, viewer *Session) ([]PresenceEntry, error) {
	online, err := c.presence.Online(ctx, room)
	if err != nil {
		return nil, err
	}

	entries := make([]PresenceEntry, 0, len(online))
	for id, state := range online {
		profile, err := c.store.RoomProfile(ctx, id, room)
		if err != nil {
			return nil, err
		}
		group := profile.Group
		if group == GroupSilent && viewer.Group != GroupMod {
			if id != viewer.ID {
				continue
			}
			group = GroupUser
		}
		position, err := c.counter.PositionOf(ctx, room, id)
		if errors.Is(err, ErrNotFound) {
			position = -1
		} else if err != nil {
			return nil, err
		}
		entries = append(entries, PresenceEntry{
			Counter:   position,
			Name:      profile.Name,
			Acronym:   profile.Acronym,
			Color:     profile.Color,
			Character: profile.Character,
			Group:     group,
			State:     state,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Counter < entries[j].Counter })
	return entries, nil
}

// Counter resolves the session's own join-list position.
func (c *Core) Counter(ctx context.Context, room string, sess *Session) (int64, error) {
	return c.counter.PositionOf(ctx, room, sess.ID)
}

// SaveProfile persists a profile edit and announces it to the room: renames
// are spelled out, color-only changes produce a body-less user change so
// clients refresh their lists. A silenced session's rename is spelled out
// to that session alone.
func (c *Core) SaveProfile(ctx context.Context, room string, sess *Session, form ProfileForm) error {
	oldName, oldAcronym, oldColor := sess.Name, sess.Acronym, sess.Color
	if err := c.store.SaveProfile(ctx, sess, room, form); err != nil {
		return err
	}
	if room == "" {
		return nil
	}

	switch {
	case sess.Name != oldName || sess.Acronym != oldAcronym:
		line := fmt.Sprintf("%s [%s] is now %s [%s].", oldName, oldAcronym, sess.Name, sess.Acronym)
		if sess.Group == GroupSilent {
			if _, err := c.log.Append(ctx, room, Message{
				Counter:  -1,
				Kind:     KindPrivate,
				Color:    sess.Color,
				Line:     line,
				Audience: sess.ID,
			}); err != nil {
				return err
			}
			_, err := c.log.Append(ctx, room, Message{Counter: -1, Kind: KindUserChange})
			return err
		}
		_, err := c.log.Append(ctx, room, Message{Counter: -1, Kind: KindUserChange, Color: sess.Color, Line: line})
		return err
	case sess.Color != oldColor:
		_, err := c.log.Append(ctx, room, Message{Counter: -1, Kind: KindUserChange})
		return err
	}
	return nil
}
