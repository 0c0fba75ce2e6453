package chat

// Message kinds as they appear on the wire.
const (
	KindMessage    = "message"     // ordinary chat line
	KindPrivate    = "private"     // visible to a single audience session
	KindUserChange = "user_change" // name/color/group notification, body optional
	KindJoin       = "join"        // session joined the room
)

// Message is one entry in a room's ordered log.
//
// ID is the room ordinal. It is assigned on append and never stored in the
// record itself: ordinals are recovered from list position plus the room's
// eviction offset (see MessageLog).
type Message struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Counter   int64  `json:"counter"` // sender's join-list position, -1 for system messages
	Kind      string `json:"kind"`
	Name      string `json:"name,omitempty"`
	Acronym   string `json:"acronym,omitempty"`
	Color     string `json:"color,omitempty"`
	Line      string `json:"line,omitempty"`
	Audience  string `json:"audience,omitempty"` // target session id, private kind only
}

// envelope is the payload published on pub/sub channels: a one-element
// messages array, so a resolved poll and a backlog read look the same to
// clients.
type envelope struct {
	Messages []Message `json:"messages"`
}
