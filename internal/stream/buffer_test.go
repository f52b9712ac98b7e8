package stream_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/loopwire/loopwire/internal/stream"
)

// ─── Sequence Numbering ──────────────────────────────────────

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	b := stream.NewBuffer(8)

	for i := 1; i <= 5; i++ {
		seq := b.Append("s1", "delta", json.RawMessage(`{}`))
		if seq != uint64(i) {
			t.Errorf("Append() #%d seq = %d, want %d", i, seq, i)
		}
	}
}

func TestSeqIsPerSession(t *testing.T) {
	b := stream.NewBuffer(8)

	b.Append("s1", "delta", nil)
	b.Append("s1", "delta", nil)
	seq := b.Append("s2", "delta", nil)
	if seq != 1 {
		t.Errorf("first Append() for s2 seq = %d, want 1", seq)
	}
}

func TestSeqSurvivesEviction(t *testing.T) {
	b := stream.NewBuffer(3)

	var last uint64
	for i := 0; i < 10; i++ {
		last = b.Append("s1", "delta", nil)
	}
	if last != 10 {
		t.Errorf("seq after 10 appends = %d, want 10 (eviction must not reset numbering)", last)
	}
}

// ─── Replay ──────────────────────────────────────────────────

func TestReplaySinceReturnsStrictlyNewer(t *testing.T) {
	b := stream.NewBuffer(8)
	for i := 1; i <= 5; i++ {
		b.Append("s1", "delta", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
	}

	got := b.ReplaySince("s1", 3)
	if len(got) != 2 {
		t.Fatalf("ReplaySince(3) returned %d events, want 2", len(got))
	}
	if got[0].Seq != 4 || got[1].Seq != 5 {
		t.Errorf("ReplaySince(3) seqs = %d,%d, want 4,5", got[0].Seq, got[1].Seq)
	}
}

func TestReplaySinceIsIdempotent(t *testing.T) {
	b := stream.NewBuffer(8)
	for i := 0; i < 5; i++ {
		b.Append("s1", "delta", nil)
	}

	first := b.ReplaySince("s1", 2)
	second := b.ReplaySince("s1", 2)
	if len(first) != len(second) {
		t.Fatalf("repeated ReplaySince lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Seq != second[i].Seq {
			t.Errorf("event %d seq differs between calls: %d vs %d", i, first[i].Seq, second[i].Seq)
		}
	}
}

func TestReplaySinceZeroReturnsAllBuffered(t *testing.T) {
	b := stream.NewBuffer(8)
	for i := 0; i < 3; i++ {
		b.Append("s1", "delta", nil)
	}

	got := b.ReplaySince("s1", 0)
	if len(got) != 3 {
		t.Errorf("ReplaySince(0) returned %d events, want 3", len(got))
	}
}

func TestReplaySinceUnknownSession(t *testing.T) {
	b := stream.NewBuffer(8)
	if got := b.ReplaySince("nope", 0); len(got) != 0 {
		t.Errorf("ReplaySince on unknown session returned %d events, want 0", len(got))
	}
}

func TestReplayAfterEvictionOmitsEvicted(t *testing.T) {
	b := stream.NewBuffer(3)
	for i := 0; i < 6; i++ {
		b.Append("s1", "delta", nil)
	}

	// Only seqs 4..6 remain; asking from 1 yields just those, in order.
	got := b.ReplaySince("s1", 1)
	if len(got) != 3 {
		t.Fatalf("ReplaySince(1) returned %d events, want 3", len(got))
	}
	for i, ev := range got {
		want := uint64(4 + i)
		if ev.Seq != want {
			t.Errorf("event %d seq = %d, want %d", i, ev.Seq, want)
		}
	}
}

// ─── Lifecycle ───────────────────────────────────────────────

func TestDropDiscardsSession(t *testing.T) {
	b := stream.NewBuffer(8)
	b.Append("s1", "delta", nil)
	b.Drop("s1")

	if n := b.Len("s1"); n != 0 {
		t.Errorf("Len after Drop = %d, want 0", n)
	}
	// A dropped session starts numbering from scratch.
	if seq := b.Append("s1", "delta", nil); seq != 1 {
		t.Errorf("Append after Drop seq = %d, want 1", seq)
	}
}
