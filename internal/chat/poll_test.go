package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

type pollResult struct {
	msgs []Message
	err  error
}

func startPoll(ctx context.Context, core *Core, req PollRequest) chan pollResult {
	done := make(chan pollResult, 1)
	go func() {
		msgs, err := core.Poll(ctx, req)
		done <- pollResult{msgs: msgs, err: err}
	}()
	// Give the poll time to pass the backlog check and subscribe.
	time.Sleep(100 * time.Millisecond)
	return done
}

func waitPoll(t *testing.T, done chan pollResult) []Message {
	t.Helper()
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("poll: %v", res.err)
		}
		return res.msgs
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not resolve")
	}
	return nil
}

func publishEnvelope(t *testing.T, core *Core, channel string, msgs ...Message) {
	t.Helper()
	payload, err := json.Marshal(envelope{Messages: msgs})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := core.bus.Publish(context.Background(), channel, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestPollBacklogShortCircuits(t *testing.T) {
	core := newTestCore(t, Options{})
	ctx := context.Background()
	alice := testSession("a", "Alice", "AA", GroupUser)

	for _, line := range []string{"one", "two"} {
		if _, err := core.log.Append(ctx, "r1", Message{Kind: KindMessage, Line: line}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// No subscription, no waiting: the backlog satisfies the request.
	msgs, err := core.Poll(ctx, PollRequest{Room: "r1", Session: alice, After: 0})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Line != "two" {
		t.Fatalf("expected backlog window after 0, got %+v", msgs)
	}
}

func TestPollResolvesOnPublish(t *testing.T) {
	core := newTestCore(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alice := testSession("a", "Alice", "AA", GroupUser)

	done := startPoll(ctx, core, PollRequest{Room: "r1", Session: alice, After: -1})
	if _, err := core.log.Append(context.Background(), "r1", Message{Kind: KindMessage, Line: "hey"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs := waitPoll(t, done)
	if len(msgs) != 1 || msgs[0].Line != "hey" || msgs[0].ID != 0 {
		t.Fatalf("expected the published message, got %+v", msgs)
	}
}

func TestPollRoleChangeMidWaitCatchesModMessage(t *testing.T) {
	core := newTestCore(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alice := testSession("a", "Alice", "AA", GroupUser)
	cs := RoomChannels("r1", "a")

	done := startPoll(ctx, core, PollRequest{Room: "r1", Session: alice, After: -1})

	// Promote mid-wait, then send something only moderators receive. The
	// poll must retune its filter without resubscribing and still catch it.
	if err := core.bus.Publish(context.Background(), cs.Refresh, []byte("a#mod")); err != nil {
		t.Fatalf("publish refresh: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	publishEnvelope(t, core, cs.Mod, Message{ID: 0, Kind: KindMessage, Line: "mod only"})

	msgs := waitPoll(t, done)
	if len(msgs) != 1 || msgs[0].Line != "mod only" {
		t.Fatalf("expected the moderator message, got %+v", msgs)
	}
	if alice.Group != GroupMod {
		t.Fatalf("session snapshot not updated, group is %s", alice.Group)
	}
}

func TestPollIgnoresUnwantedChannels(t *testing.T) {
	core := newTestCore(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alice := testSession("a", "Alice", "AA", GroupUser)
	cs := RoomChannels("r1", "a")

	done := startPoll(ctx, core, PollRequest{Room: "r1", Session: alice, After: -1})

	publishEnvelope(t, core, cs.Mod, Message{ID: 0, Kind: KindMessage, Line: "mod only"})
	select {
	case res := <-done:
		t.Fatalf("plain user resolved on mod channel: %+v", res)
	case <-time.After(300 * time.Millisecond):
	}

	publishEnvelope(t, core, cs.Main, Message{ID: 1, Kind: KindMessage, Line: "for everyone"})
	msgs := waitPoll(t, done)
	if len(msgs) != 1 || msgs[0].Line != "for everyone" {
		t.Fatalf("expected the main-channel message, got %+v", msgs)
	}
}

func TestPollPrivateIsolation(t *testing.T) {
	core := newTestCore(t, Options{})
	alice := testSession("a", "Alice", "AA", GroupUser)
	bob := testSession("b", "Bob", "BB", GroupUser)

	ctxA, cancelA := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelA()
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()

	doneA := startPoll(ctxA, core, PollRequest{Room: "r1", Session: alice, After: -1})
	doneB := startPoll(ctxB, core, PollRequest{Room: "r1", Session: bob, After: -1})

	if _, err := core.log.Append(context.Background(), "r1", Message{Kind: KindPrivate, Line: "psst", Audience: "a"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs := waitPoll(t, doneA)
	if len(msgs) != 1 || msgs[0].Line != "psst" {
		t.Fatalf("audience poll did not resolve with the private: %+v", msgs)
	}

	select {
	case res := <-doneB:
		t.Fatalf("private message resolved a non-audience poll: %+v", res)
	case <-time.After(300 * time.Millisecond):
	}

	cancelB()
	select {
	case res := <-doneB:
		if !errors.Is(res.err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled poll did not return")
	}
}

func TestPollJoinNoticeIsSynthetic(t *testing.T) {
	core := newTestCore(t, Options{})
	ctx := context.Background()
	alice := testSession("a", "Alice", "AA", GroupUser)

	msgs, err := core.Poll(ctx, PollRequest{Room: "r1", Session: alice, After: 7, FreshlyJoined: true})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one notice, got %+v", msgs)
	}
	notice := msgs[0]
	if notice.ID != 7 {
		t.Fatalf("notice must carry the caller's cursor, got ordinal %d", notice.ID)
	}
	if notice.Kind != KindJoin || !strings.Contains(notice.Line, "Alice") {
		t.Fatalf("unexpected notice: %+v", notice)
	}

	// Never stored: the log is still empty.
	stored, err := core.log.ReadAfter(ctx, "r1", -1, "a")
	if err != nil {
		t.Fatalf("read after: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("join notice leaked into the log: %+v", stored)
	}
}

func TestPollStaleEnvelopesDoNotResolve(t *testing.T) {
	core := newTestCore(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mod := testSession("m", "Maya", "MM", GroupMod)
	cs := RoomChannels("r1", "m")

	done := startPoll(ctx, core, PollRequest{Room: "r1", Session: mod, After: 4})

	// A duplicate of something the client already has must not wake it.
	publishEnvelope(t, core, cs.Mod, Message{ID: 4, Kind: KindUserChange, Line: "old news"})
	select {
	case res := <-done:
		t.Fatalf("stale envelope resolved the poll: %+v", res)
	case <-time.After(300 * time.Millisecond):
	}

	publishEnvelope(t, core, cs.Main, Message{ID: 5, Kind: KindMessage, Line: "fresh"})
	msgs := waitPoll(t, done)
	if len(msgs) != 1 || msgs[0].ID != 5 {
		t.Fatalf("expected the fresh message, got %+v", msgs)
	}
}
