package chat

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
)

func TestAppendOrdinalsStrictlyIncrease(t *testing.T) {
	core := newTestCore(t, Options{})
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := core.log.Append(ctx, "r1", Message{Kind: KindMessage, Acronym: "AA", Line: "x"})
			if err != nil {
				t.Errorf("append: %v", err)
				return
			}
			mu.Lock()
			seen[msg.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d distinct ordinals, got %d", n, len(seen))
	}
	for i := int64(0); i < n; i++ {
		if !seen[i] {
			t.Fatalf("ordinal %d missing: set is not contiguous", i)
		}
	}
}

func TestReadAfterIsIdempotent(t *testing.T) {
	core := newTestCore(t, Options{})
	ctx := context.Background()

	for _, line := range []string{"one", "two", "three"} {
		if _, err := core.log.Append(ctx, "r1", Message{Kind: KindMessage, Line: line}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	first, err := core.log.ReadAfter(ctx, "r1", 0, "a")
	if err != nil {
		t.Fatalf("read after: %v", err)
	}
	second, err := core.log.ReadAfter(ctx, "r1", 0, "a")
	if err != nil {
		t.Fatalf("read after: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("same cursor, different results:\n%+v\n%+v", first, second)
	}
	if len(first) != 2 || first[0].Line != "two" || first[1].Line != "three" {
		t.Fatalf("unexpected window: %+v", first)
	}
}

func TestReadAfterEmptyIsNotAnError(t *testing.T) {
	core := newTestCore(t, Options{})
	msgs, err := core.log.ReadAfter(context.Background(), "empty-room", -1, "a")
	if err != nil {
		t.Fatalf("read after: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty result, got %+v", msgs)
	}
}

func TestRetentionEvictsButNeverReusesOrdinals(t *testing.T) {
	core := newTestCore(t, Options{RetentionLimit: 5})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		msg, err := core.log.Append(ctx, "r1", Message{Kind: KindMessage, Line: "m"})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if msg.ID != int64(i) {
			t.Fatalf("expected ordinal %d, got %d", i, msg.ID)
		}
	}

	msgs, err := core.log.ReadAfter(ctx, "r1", -1, "a")
	if err != nil {
		t.Fatalf("read after: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 retained messages, got %d", len(msgs))
	}
	if msgs[0].ID != 3 || msgs[4].ID != 7 {
		t.Fatalf("expected ordinals 3..7, got %d..%d", msgs[0].ID, msgs[4].ID)
	}

	msgs, err = core.log.ReadAfter(ctx, "r1", 5, "a")
	if err != nil {
		t.Fatalf("read after: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != 6 {
		t.Fatalf("expected ordinals 6..7, got %+v", msgs)
	}
}

func TestReadAfterHidesOthersPrivates(t *testing.T) {
	core := newTestCore(t, Options{})
	ctx := context.Background()

	if _, err := core.log.Append(ctx, "r1", Message{Kind: KindPrivate, Line: "psst", Audience: "a"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := core.log.Append(ctx, "r1", Message{Kind: KindMessage, Line: "public"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	forA, err := core.log.ReadAfter(ctx, "r1", -1, "a")
	if err != nil {
		t.Fatalf("read after: %v", err)
	}
	if len(forA) != 2 {
		t.Fatalf("audience must see its private, got %+v", forA)
	}

	forB, err := core.log.ReadAfter(ctx, "r1", -1, "b")
	if err != nil {
		t.Fatalf("read after: %v", err)
	}
	if len(forB) != 1 || forB[0].Line != "public" {
		t.Fatalf("private leaked to non-audience: %+v", forB)
	}
}

func TestAppendRouting(t *testing.T) {
	core := newTestCore(t, Options{})
	ctx := context.Background()
	cs := RoomChannels("r1", "a")

	sub, err := core.bus.Subscribe(ctx, cs.All()...)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := core.log.Append(ctx, "r1", Message{Kind: KindMessage, Line: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := core.log.Append(ctx, "r1", Message{Kind: KindUserChange, Line: "change"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := core.log.Append(ctx, "r1", Message{Kind: KindPrivate, Line: "psst", Audience: "a"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// message -> main; user_change -> main and mod; private -> self.
	expect := []string{cs.Main, cs.Main, cs.Mod, cs.Self}
	for i, want := range expect {
		ev := waitEvent(t, sub)
		if ev.Channel != want {
			t.Fatalf("event %d on %s, want %s", i, ev.Channel, want)
		}
		var env envelope
		if err := json.Unmarshal(ev.Payload, &env); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if len(env.Messages) != 1 {
			t.Fatalf("expected single-message envelope, got %+v", env)
		}
	}
}
