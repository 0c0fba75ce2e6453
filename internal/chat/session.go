package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Role tiers. A session holds one group per room; user is the default.
const (
	GroupUser   = "user"
	GroupMod    = "mod"
	GroupSilent = "silent"
)

// ValidGroup reports whether g is one of the three role tiers.
func ValidGroup(g string) bool {
	return g == GroupUser || g == GroupMod || g == GroupSilent
}

// caseOptions are the accepted text-quirk case styles.
var caseOptions = map[string]bool{
	"normal":      true,
	"upper":       true,
	"lower":       true,
	"title":       true,
	"inverted":    true,
	"alternating": true,
}

var colorPattern = regexp.MustCompile(`^[0-9a-fA-F]{6}$`)

var sessionDefaults = map[string]string{
	"name":         "Anonymous",
	"acronym":      "??",
	"color":        "000000",
	"character":    "anonymous/other",
	"quirk_prefix": "",
	"case":         "normal",
	"replacements": "[]",
	"group":        GroupUser,
}

// Session is one logical participant: a durable token plus display and role
// attributes. After LoadRoom the attributes reflect the room-scoped profile.
type Session struct {
	ID           string
	Name         string
	Acronym      string
	Color        string
	Character    string
	QuirkPrefix  string
	Case         string
	Replacements string
	Group        string
}

func (s *Session) apply(data map[string]string) {
	for field, value := range data {
		switch field {
		case "name":
			s.Name = value
		case "acronym":
			s.Acronym = value
		case "color":
			s.Color = value
		case "character":
			s.Character = value
		case "quirk_prefix":
			s.QuirkPrefix = value
		case "case":
			s.Case = value
		case "replacements":
			s.Replacements = value
		case "group":
			s.Group = value
		}
	}
}

func (s *Session) values() map[string]string {
	return map[string]string{
		"name":         s.Name,
		"acronym":      s.Acronym,
		"color":        s.Color,
		"character":    s.Character,
		"quirk_prefix": s.QuirkPrefix,
		"case":         s.Case,
		"replacements": s.Replacements,
		"group":        s.Group,
	}
}

// SessionStore persists sessions as Redis hashes: session.<id> for the
// global record, session.<id>.chat.<room> for the room-scoped profile the
// routing layer reads the group from.
type SessionStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewSessionStore(rdb *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{rdb: rdb, ttl: ttl, now: time.Now}
}

func sessionKey(id string) string           { return "session." + id }
func roomProfileKey(id, room string) string { return "session." + id + ".chat." + room }
func pickyKey(id string) string             { return "session." + id + ".picky" }

// GetOrCreate loads the session for a token, creating it with defaults when
// the token is empty or unknown, and pushes the session's expiry deadline
// forward by the store TTL.
func (s *SessionStore) GetOrCreate(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		token = uuid.NewString()
	}
	sess := &Session{ID: token}
	sess.apply(sessionDefaults)

	data, err := s.rdb.HGetAll(ctx, sessionKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if len(data) == 0 {
		if err := s.rdb.HSet(ctx, sessionKey(token), sessionDefaults).Err(); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	} else {
		sess.apply(data)
	}

	deadline := float64(s.now().Add(s.ttl).Unix())
	if err := s.rdb.ZAdd(ctx, "all-sessions", redis.Z{Score: deadline, Member: token}).Err(); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	return sess, nil
}

// LoadRoom overlays the room-scoped profile onto the session, seeding it
// from the current attributes on first visit.
func (s *SessionStore) LoadRoom(ctx context.Context, sess *Session, room string) error {
	key := roomProfileKey(sess.ID, room)
	data, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("load room profile: %w", err)
	}
	if len(data) == 0 {
		if err := s.rdb.HSet(ctx, key, sess.values()).Err(); err != nil {
			return fmt.Errorf("seed room profile: %w", err)
		}
		return nil
	}
	sess.apply(data)
	return nil
}

// RoomProfile reads another session's room-scoped profile without touching
// the caller's snapshot. Missing fields fall back to defaults.
func (s *SessionStore) RoomProfile(ctx context.Context, id, room string) (*Session, error) {
	sess := &Session{ID: id}
	sess.apply(sessionDefaults)
	data, err := s.rdb.HGetAll(ctx, roomProfileKey(id, room)).Result()
	if err != nil {
		return nil, fmt.Errorf("load room profile: %w", err)
	}
	sess.apply(data)
	return sess, nil
}

// SetRoomGroup persists a role change on the room-scoped record only; the
// session's global record keeps its own group.
func (s *SessionStore) SetRoomGroup(ctx context.Context, id, room, group string) error {
	if err := s.rdb.HSet(ctx, roomProfileKey(id, room), "group", group).Err(); err != nil {
		return fmt.Errorf("set group: %w", err)
	}
	return nil
}

// ProfileForm carries a profile save request. QuirkFrom and QuirkTo are
// parallel replacement columns.
type ProfileForm struct {
	Name        string
	Acronym     string
	Color       string
	Character   string
	QuirkPrefix string
	Case        string
	QuirkFrom   []string
	QuirkTo     []string
}

// SaveProfile validates the form, mutates the session in place and persists
// it to the global record and, when room is non-empty, the room profile.
// Validation failures wrap ErrInvalidProfile and name the offending field.
func (s *SessionStore) SaveProfile(ctx context.Context, sess *Session, room string, form ProfileForm) error {
	if form.Name == "" {
		return fmt.Errorf("%w: name", ErrInvalidProfile)
	}
	if !colorPattern.MatchString(form.Color) {
		return fmt.Errorf("%w: color", ErrInvalidProfile)
	}
	if !caseOptions[form.Case] {
		return fmt.Errorf("%w: case", ErrInvalidProfile)
	}

	sess.Name = truncateRunes(form.Name, 50)
	sess.Acronym = truncateRunes(form.Acronym, 10)
	sess.Color = form.Color
	sess.Character = form.Character
	sess.QuirkPrefix = form.QuirkPrefix
	sess.Case = form.Case

	// Drop replacement rows that are blank or map a token to itself.
	replacements := make([][2]string, 0, len(form.QuirkFrom))
	for i, from := range form.QuirkFrom {
		var to string
		if i < len(form.QuirkTo) {
			to = form.QuirkTo[i]
		}
		if from == "" || from == to {
			continue
		}
		replacements = append(replacements, [2]string{from, to})
	}
	encoded, err := json.Marshal(replacements)
	if err != nil {
		return fmt.Errorf("encode replacements: %w", err)
	}
	sess.Replacements = string(encoded)

	if err := s.rdb.HSet(ctx, sessionKey(sess.ID), sess.values()).Err(); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if room != "" {
		if err := s.rdb.HSet(ctx, roomProfileKey(sess.ID, room), sess.values()).Err(); err != nil {
			return fmt.Errorf("save room profile: %w", err)
		}
	}
	return nil
}

// Picky returns the set of peer characters the session accepts.
func (s *SessionStore) Picky(ctx context.Context, id string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, pickyKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load picky: %w", err)
	}
	return members, nil
}

// SavePicky replaces the picky set. An empty set is a validation error, the
// filter is opt-in and meaningless without members.
func (s *SessionStore) SavePicky(ctx context.Context, id string, characters []string) error {
	if len(characters) == 0 {
		return fmt.Errorf("%w: no characters", ErrInvalidProfile)
	}
	members := make([]interface{}, len(characters))
	for i, c := range characters {
		members[i] = c
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, pickyKey(id))
		pipe.SAdd(ctx, pickyKey(id), members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save picky: %w", err)
	}
	return nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
