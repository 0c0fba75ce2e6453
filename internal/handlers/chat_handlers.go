package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/pelusa-v/charat-server/internal/chat"
)

const sessionCookie = "session"

// Handler binds the chat core to Fiber routes.
type Handler struct {
	core *chat.Core
	// pollTimeout bounds one /messages wait; zero means wait until the
	// client goes away.
	pollTimeout time.Duration
}

func New(core *chat.Core, pollTimeout time.Duration) *Handler {
	return &Handler{core: core, pollTimeout: pollTimeout}
}

// Session is the cookie middleware: every request runs under a session,
// created on first contact, and the cookie is reissued on each response.
func (h *Handler) Session(c *fiber.Ctx) error {
	sess, err := h.core.Sessions().GetOrCreate(c.Context(), c.Cookies(sessionCookie))
	if err != nil {
		return fiber.ErrInternalServerError
	}
	c.Locals(sessionCookie, sess)
	c.Cookie(&fiber.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Expires:  time.Now().Add(365 * 24 * time.Hour),
		HTTPOnly: true,
	})
	return c.Next()
}

// roomSession resolves the request's session with its room profile applied.
func (h *Handler) roomSession(c *fiber.Ctx) (*chat.Session, string, error) {
	sess := c.Locals(sessionCookie).(*chat.Session)
	room := c.FormValue("chat")
	if room == "" {
		return nil, "", fiber.ErrBadRequest
	}
	if err := h.core.Sessions().LoadRoom(c.Context(), sess, room); err != nil {
		return nil, "", fiber.ErrInternalServerError
	}
	return sess, room, nil
}

// Post handles POST /post: a chat line, a state change and/or a moderation
// action, any combination in one request.
func (h *Handler) Post(c *fiber.Ctx) error {
	sess, room, err := h.roomSession(c)
	if err != nil {
		return err
	}
	if _, err := h.core.MarkAlive(c.Context(), room, sess); err != nil {
		return fiber.ErrInternalServerError
	}

	if line := c.FormValue("line"); line != "" {
		if _, err := h.core.SendLine(c.Context(), room, sess, sanitizeLine(line)); err != nil {
			return fiber.ErrInternalServerError
		}
	}

	if state := c.FormValue("state"); chat.ValidState(state) {
		if err := h.core.SetState(c.Context(), room, sess, state); err != nil {
			return fiber.ErrInternalServerError
		}
	}

	if group := c.FormValue("set_group"); group != "" {
		position, err := strconv.ParseInt(c.FormValue("counter"), 10, 64)
		if err != nil {
			return fiber.ErrBadRequest
		}
		switch err := h.core.SetGroup(c.Context(), room, sess, position, group); {
		case errors.Is(err, chat.ErrForbidden):
			return fiber.ErrForbidden
		case errors.Is(err, chat.ErrInvalidTarget):
			return fiber.ErrBadRequest
		case err != nil:
			return fiber.ErrInternalServerError
		}
	}

	return c.SendString("ok")
}

// Ping handles POST /ping, the bare keep-alive.
func (h *Handler) Ping(c *fiber.Ctx) error {
	sess, room, err := h.roomSession(c)
	if err != nil {
		return err
	}
	if _, err := h.core.MarkAlive(c.Context(), room, sess); err != nil {
		return fiber.ErrInternalServerError
	}
	return c.SendString("ok")
}

type pollResponse struct {
	Messages []chat.Message       `json:"messages"`
	Online   []chat.PresenceEntry `json:"online"`
	Counter  *int64               `json:"counter,omitempty"`
}

// Messages handles POST /messages: the long-poll. Returns immediately when
// backlog newer than the client's cursor exists, otherwise blocks until a
// qualifying message arrives or the poll window closes.
func (h *Handler) Messages(c *fiber.Ctx) error {
	sess, room, err := h.roomSession(c)
	if err != nil {
		return err
	}
	freshlyJoined, err := h.core.MarkAlive(c.Context(), room, sess)
	if err != nil {
		return fiber.ErrInternalServerError
	}
	after, err := strconv.ParseInt(c.FormValue("after"), 10, 64)
	if err != nil {
		return fiber.ErrBadRequest
	}

	var ctx context.Context = c.Context()
	if h.pollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.pollTimeout)
		defer cancel()
	}

	msgs, err := h.core.Poll(ctx, chat.PollRequest{
		Room:          room,
		Session:       sess,
		After:         after,
		FreshlyJoined: freshlyJoined,
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// Quiet window; the client re-polls with the same cursor.
	case err != nil:
		return fiber.ErrInternalServerError
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}

	online, err := h.core.UserList(c.Context(), room, sess)
	if err != nil {
		return fiber.ErrInternalServerError
	}
	resp := pollResponse{Messages: msgs, Online: online}

	if c.FormValue("fetchCounter") != "" {
		position, err := h.core.Counter(c.Context(), room, sess)
		if err == nil {
			resp.Counter = &position
		} else if !errors.Is(err, chat.ErrNotFound) {
			return fiber.ErrInternalServerError
		}
	}
	return c.JSON(resp)
}

// Quit handles POST /quit: leave the room and announce it.
func (h *Handler) Quit(c *fiber.Ctx) error {
	sess, room, err := h.roomSession(c)
	if err != nil {
		return err
	}
	if err := h.core.Disconnect(c.Context(), room, sess); err != nil {
		return fiber.ErrInternalServerError
	}
	return c.SendString("ok")
}

// Save handles POST /save: profile edit plus optional picky filter. The
// room field is optional; with it set, the edit is announced there.
func (h *Handler) Save(c *fiber.Ctx) error {
	sess := c.Locals(sessionCookie).(*chat.Session)
	room := c.FormValue("chat")
	if room != "" {
		if err := h.core.Sessions().LoadRoom(c.Context(), sess, room); err != nil {
			return fiber.ErrInternalServerError
		}
	}

	args := c.Request().PostArgs()
	form := chat.ProfileForm{
		Name:        c.FormValue("name"),
		Acronym:     c.FormValue("acronym"),
		Color:       c.FormValue("color"),
		Character:   c.FormValue("character"),
		QuirkPrefix: c.FormValue("quirk_prefix"),
		Case:        c.FormValue("case"),
		QuirkFrom:   formValues(args, "quirk_from"),
		QuirkTo:     formValues(args, "quirk_to"),
	}
	if err := h.core.SaveProfile(c.Context(), room, sess, form); err != nil {
		if errors.Is(err, chat.ErrInvalidProfile) {
			return fiber.ErrBadRequest
		}
		return fiber.ErrInternalServerError
	}

	if args.Has("picky") {
		var characters []string
		args.VisitAll(func(key, _ []byte) {
			if k := string(key); strings.HasPrefix(k, "picky-") {
				characters = append(characters, strings.TrimPrefix(k, "picky-"))
			}
		})
		if err := h.core.Sessions().SavePicky(c.Context(), sess.ID, characters); err != nil {
			if errors.Is(err, chat.ErrInvalidProfile) {
				return fiber.ErrBadRequest
			}
			return fiber.ErrInternalServerError
		}
	}
	return c.SendString("ok")
}

// sanitizeLine flattens linebreaks and truncates to 1500 characters; body
// shaping stays out of the core.
func sanitizeLine(line string) string {
	line = strings.ReplaceAll(line, "\n", " ")
	runes := []rune(line)
	if len(runes) > 1500 {
		line = string(runes[:1500])
	}
	return line
}

func formValues(args *fasthttp.Args, key string) []string {
	values := args.PeekMulti(key)
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
