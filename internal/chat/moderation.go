package chat

import (
	"context"
	"fmt"
)

// SetGroup applies a moderation role change to the session at the given
// join-list position.
//
// Only moderators may call it. Changing to the current group or to an
// unknown group is a no-op. An effective change persists the new group,
// broadcasts a refresh event so every pending poll in the room retunes its
// filter, and announces transitions between user and mod with both display
// names. Transitions into or out of silent are never announced publicly;
// with NotifySilenced set, the target alone receives a private notice.
func (c *Core) SetGroup(ctx context.Context, room string, actor *Session, position int64, group string) error {
	if actor.Group != GroupMod {
		return ErrForbidden
	}
	target, err := c.counter.SessionAt(ctx, room, position)
	if err != nil {
		return err
	}
	profile, err := c.store.RoomProfile(ctx, target, room)
	if err != nil {
		return err
	}
	if !ValidGroup(group) || profile.Group == group {
		return nil
	}

	if err := c.store.SetRoomGroup(ctx, target, room, group); err != nil {
		return err
	}

	// Refresh goes out before any announcement so a pending poll has
	// retuned its wanted set by the time the announcement lands.
	cs := RoomChannels(room, target)
	if err := c.bus.Publish(ctx, cs.Refresh, []byte(target+"#"+group)); err != nil {
		return err
	}

	switch {
	case profile.Group == GroupUser && group == GroupMod:
		line := fmt.Sprintf("%s [%s] gave moderator status to %s [%s].",
			actor.Name, actor.Acronym, profile.Name, profile.Acronym)
		_, err := c.log.Append(ctx, room, Message{Counter: -1, Kind: KindUserChange, Color: "000000", Line: line})
		return err
	case profile.Group == GroupMod && group == GroupUser:
		line := fmt.Sprintf("%s [%s] removed moderator status from %s [%s].",
			actor.Name, actor.Acronym, profile.Name, profile.Acronym)
		_, err := c.log.Append(ctx, room, Message{Counter: -1, Kind: KindUserChange, Color: "000000", Line: line})
		return err
	case c.notifySilenced && (group == GroupSilent || profile.Group == GroupSilent):
		line := "A moderator has silenced you."
		if group != GroupSilent {
			line = "A moderator has unsilenced you."
		}
		_, err := c.log.Append(ctx, room, Message{Counter: -1, Kind: KindPrivate, Color: "000000", Line: line, Audience: target})
		return err
	}
	return nil
}
