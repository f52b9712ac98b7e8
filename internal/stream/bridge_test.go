package stream_test

import (
	"encoding/json"
	"testing"

	"github.com/loopwire/loopwire/internal/stream"
)

// ─── Delivery Routing ────────────────────────────────────────

func TestDeliverRoutesToRegisteredTarget(t *testing.T) {
	b := stream.NewBridge(nil)

	var got []string
	b.Register("c1", "s1", func(kind string, payload json.RawMessage) bool {
		got = append(got, kind)
		return true
	}, func() {})

	if ok := b.Deliver("s1", "delta", nil); !ok {
		t.Fatal("Deliver() = false, want true")
	}
	if len(got) != 1 || got[0] != "delta" {
		t.Errorf("delivered kinds = %v, want [delta]", got)
	}
}

func TestDeliverDropsWhenNoTarget(t *testing.T) {
	b := stream.NewBridge(nil)

	if ok := b.Deliver("unknown", "delta", nil); ok {
		t.Error("Deliver() with no target = true, want false")
	}
}

func TestRegisterLastWins(t *testing.T) {
	b := stream.NewBridge(nil)

	var first, second int
	b.Register("c1", "s1", func(string, json.RawMessage) bool { first++; return true }, func() {})
	b.Register("c2", "s1", func(string, json.RawMessage) bool { second++; return true }, func() {})

	b.Deliver("s1", "delta", nil)

	if first != 0 {
		t.Errorf("superseded target received %d events, want 0", first)
	}
	if second != 1 {
		t.Errorf("live target received %d events, want 1", second)
	}
}

// ─── Unregister ──────────────────────────────────────────────

func TestUnregisterRemovesTarget(t *testing.T) {
	b := stream.NewBridge(nil)
	b.Register("c1", "s1", func(string, json.RawMessage) bool { return true }, func() {})

	b.Unregister("c1")

	if ok := b.Deliver("s1", "delta", nil); ok {
		t.Error("Deliver() after Unregister = true, want false")
	}
}

func TestUnregisterStaleConnKeepsLiveTarget(t *testing.T) {
	b := stream.NewBridge(nil)

	var delivered int
	b.Register("c1", "s1", func(string, json.RawMessage) bool { return true }, func() {})
	b.Register("c2", "s1", func(string, json.RawMessage) bool { delivered++; return true }, func() {})

	// The stale connection detaching must not tear down the session's
	// current target.
	b.Unregister("c1")

	if ok := b.Deliver("s1", "delta", nil); !ok {
		t.Fatal("Deliver() after stale unregister = false, want true")
	}
	if delivered != 1 {
		t.Errorf("live target received %d events, want 1", delivered)
	}
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	b := stream.NewBridge(nil)
	b.Unregister("ghost")
}

// ─── Close ───────────────────────────────────────────────────

func TestCloseInvokesTargetClose(t *testing.T) {
	b := stream.NewBridge(nil)

	closed := 0
	b.Register("c1", "s1", func(string, json.RawMessage) bool { return true }, func() { closed++ })

	b.Close("s1")
	if closed != 1 {
		t.Errorf("close callback fired %d times, want 1", closed)
	}

	b.Close("never-registered")
}
