package chat

// ChannelSet holds the four logical channels of one (room, session) pair.
// Channels are pure routing keys derived from ids; they are never stored.
type ChannelSet struct {
	Main    string
	Mod     string
	Self    string
	Refresh string
}

// RoomChannels derives the channel names for a session in a room.
func RoomChannels(room, session string) ChannelSet {
	main := "channel." + room
	return ChannelSet{
		Main:    main,
		Mod:     main + ".mod",
		Self:    main + "." + session,
		Refresh: main + ".refresh",
	}
}

// All returns the channels a long-poll subscribes to, wanted or not.
func (s ChannelSet) All() []string {
	return []string{s.Main, s.Mod, s.Self, s.Refresh}
}

// Wanted returns the channels a session with the given group surfaces to its
// caller. Main is always wanted, moderators additionally see the mod channel
// and silenced sessions their own private channel.
func (s ChannelSet) Wanted(group string) map[string]bool {
	wanted := map[string]bool{s.Main: true}
	switch group {
	case GroupMod:
		wanted[s.Mod] = true
	case GroupSilent:
		wanted[s.Self] = true
	}
	return wanted
}
