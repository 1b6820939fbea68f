package chatsync

import (
	"math/rand"
	"testing"
	"time"
)

func typing(room, id string, st SenderType, on bool) TypingIndicator {
	return TypingIndicator{RoomID: room, SenderID: id, SenderName: "n-" + id, SenderType: st, IsTyping: on}
}

func TestShouldSuppress(t *testing.T) {
	if !ShouldSuppress(typing("r", "me", SenderCustomer, true), "me", SenderStaff) {
		t.Fatal("own echo must be suppressed")
	}
	if !ShouldSuppress(typing("r", "colleague", SenderStaff, true), "me", SenderStaff) {
		t.Fatal("same side must be suppressed")
	}
	if ShouldSuppress(typing("r", "cust", SenderCustomer, true), "me", SenderStaff) {
		t.Fatal("other side must be shown")
	}
}

func TestTypingTracker(t *testing.T) {
	now := time.Unix(1000, 0)

	t.Run("start and stop", func(t *testing.T) {
		tr := NewTypingTracker(0)
		if !tr.Apply(typing("r1", "c1", SenderCustomer, true), "me", SenderStaff, now) {
			t.Fatal("start should change state")
		}
		if tr.Apply(typing("r1", "c1", SenderCustomer, true), "me", SenderStaff, now) {
			t.Fatal("refresh should not change surfaced state")
		}
		got := tr.Typists("r1")
		if len(got) != 1 || got[0].Name != "n-c1" {
			t.Fatalf("typists = %+v", got)
		}
		if !tr.Apply(typing("r1", "c1", SenderCustomer, false), "me", SenderStaff, now) {
			t.Fatal("stop should change state")
		}
		if tr.Apply(typing("r1", "c1", SenderCustomer, false), "me", SenderStaff, now) {
			t.Fatal("stop for unknown typist is a no-op")
		}
		if len(tr.Typists("r1")) != 0 {
			t.Fatal("expected no typists")
		}
	})

	t.Run("default name", func(t *testing.T) {
		tr := NewTypingTracker(0)
		ind := typing("r1", "c1", SenderCustomer, true)
		ind.SenderName = ""
		tr.Apply(ind, "me", SenderStaff, now)
		if got := tr.Typists("r1"); got[0].Name != DefaultTypistName {
			t.Fatalf("name = %q", got[0].Name)
		}
	})

	t.Run("rooms are independent", func(t *testing.T) {
		tr := NewTypingTracker(0)
		tr.Apply(typing("r1", "a", SenderCustomer, true), "me", SenderStaff, now)
		tr.Apply(typing("r2", "b", SenderDriver, true), "me", SenderStaff, now)
		if !tr.Clear("r1") || tr.Clear("r1") {
			t.Fatal("Clear mismatch")
		}
		if len(tr.Typists("r2")) != 1 {
			t.Fatal("r2 should be untouched")
		}
		tr.Reset()
		if len(tr.Typists("r2")) != 0 {
			t.Fatal("Reset should clear everything")
		}
	})

	t.Run("sorted by id", func(t *testing.T) {
		tr := NewTypingTracker(0)
		for _, id := range []string{"c", "a", "b"} {
			tr.Apply(typing("r1", id, SenderCustomer, true), "me", SenderStaff, now)
		}
		got := tr.Typists("r1")
		if got[0].SenderID != "a" || got[1].SenderID != "b" || got[2].SenderID != "c" {
			t.Fatalf("typists = %+v", got)
		}
	})

	t.Run("expiry", func(t *testing.T) {
		tr := NewTypingTracker(time.Second)
		tr.Apply(typing("r1", "a", SenderCustomer, true), "me", SenderStaff, now)
		tr.Apply(typing("r1", "b", SenderCustomer, true), "me", SenderStaff, now.Add(800*time.Millisecond))
		if changed := tr.Sweep(now.Add(900 * time.Millisecond)); len(changed) != 0 {
			t.Fatalf("nothing should expire yet: %v", changed)
		}
		changed := tr.Sweep(now.Add(time.Second))
		if len(changed) != 1 || changed[0] != "r1" {
			t.Fatalf("changed = %v", changed)
		}
		if got := tr.Typists("r1"); len(got) != 1 || got[0].SenderID != "b" {
			t.Fatalf("typists = %+v", got)
		}
	})

	t.Run("negative ttl disables expiry", func(t *testing.T) {
		tr := NewTypingTracker(-1)
		tr.Apply(typing("r1", "a", SenderCustomer, true), "me", SenderStaff, now)
		if tr.Sweep(now.Add(time.Hour)) != nil {
			t.Fatal("expected no expiry")
		}
	})

	t.Run("incomplete indicators ignored", func(t *testing.T) {
		tr := NewTypingTracker(0)
		if tr.Apply(typing("", "a", SenderCustomer, true), "me", SenderStaff, now) {
			t.Fatal("missing room accepted")
		}
		if tr.Apply(typing("r1", "", SenderCustomer, true), "me", SenderStaff, now) {
			t.Fatal("missing sender accepted")
		}
	})
}

// Self and same-side indicators never surface, whatever the arrival order.
func TestTypingTrackerSuppressionOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	senders := []TypingIndicator{
		typing("r1", "me", SenderCustomer, true),
		typing("r1", "peer", SenderStaff, true),
		typing("r1", "cust", SenderCustomer, true),
		typing("r1", "drv", SenderDriver, true),
	}

	for run := 0; run < 100; run++ {
		tr := NewTypingTracker(-1)
		for step := 0; step < 20; step++ {
			ind := senders[rng.Intn(len(senders))]
			ind.IsTyping = rng.Intn(3) > 0
			tr.Apply(ind, "me", SenderStaff, time.Unix(int64(step), 0))
			for _, ty := range tr.Typists("r1") {
				if ty.SenderID == "me" || ty.SenderID == "peer" {
					t.Fatalf("suppressed typist %s surfaced", ty.SenderID)
				}
			}
		}
	}
}
