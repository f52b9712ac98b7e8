package sessions_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/loopwire/loopwire/internal/sessions"
	"github.com/loopwire/loopwire/pkg/models"
)

func newSession(id string) *models.Session {
	now := time.Now().UTC()
	return &models.Session{
		ID:        id,
		UserID:    "alice",
		OrgID:     "acme",
		AgentID:   "helper",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ─── Session CRUD ────────────────────────────────────────────

func TestCreateAndGetSession(t *testing.T) {
	s := sessions.NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateSession(ctx, newSession("s1")); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.UserID != "alice" {
		t.Errorf("GetSession().UserID = %q, want %q", got.UserID, "alice")
	}
	if got.OrgID != "acme" {
		t.Errorf("GetSession().OrgID = %q, want %q", got.OrgID, "acme")
	}
}

func TestCreateSessionRejectsDuplicate(t *testing.T) {
	s := sessions.NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateSession(ctx, newSession("dup")); err != nil {
		t.Fatalf("CreateSession() first call error = %v", err)
	}
	if err := s.CreateSession(ctx, newSession("dup")); err == nil {
		t.Error("CreateSession() second call succeeded, want error")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := sessions.NewMemoryStore()
	if _, err := s.GetSession(context.Background(), "ghost"); err == nil {
		t.Error("GetSession() on missing session succeeded, want error")
	}
}

func TestListSessionsFiltersByOwner(t *testing.T) {
	s := sessions.NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.CreateSession(ctx, newSession(fmt.Sprintf("s%d", i)))
	}
	other := newSession("other")
	other.UserID = "bob"
	s.CreateSession(ctx, other)

	list, err := s.ListSessions(ctx, "alice", "acme")
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(list) != 3 {
		t.Errorf("ListSessions() returned %d sessions, want 3", len(list))
	}
}

func TestTouchSessionUpdatesTimestamp(t *testing.T) {
	s := sessions.NewMemoryStore()
	ctx := context.Background()

	sess := newSession("s1")
	sess.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	s.CreateSession(ctx, sess)

	if err := s.TouchSession(ctx, "s1"); err != nil {
		t.Fatalf("TouchSession() error = %v", err)
	}

	got, _ := s.GetSession(ctx, "s1")
	if !got.UpdatedAt.After(sess.CreatedAt.Add(-time.Minute)) {
		t.Error("TouchSession() did not advance UpdatedAt")
	}
}

func TestDeleteSessionRemovesHistory(t *testing.T) {
	s := sessions.NewMemoryStore()
	ctx := context.Background()

	s.CreateSession(ctx, newSession("s1"))
	s.AppendMessage(ctx, "s1", models.Message{ID: "m1", SessionID: "s1", Role: models.RoleUser, Content: "hi"})

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := s.GetSession(ctx, "s1"); err == nil {
		t.Error("GetSession() after delete succeeded, want error")
	}
}

// ─── Message History ─────────────────────────────────────────

func TestAppendAndHistory(t *testing.T) {
	s := sessions.NewMemoryStore()
	ctx := context.Background()
	s.CreateSession(ctx, newSession("s1"))

	for i := 0; i < 5; i++ {
		err := s.AppendMessage(ctx, "s1", models.Message{
			ID:        fmt.Sprintf("m%d", i),
			SessionID: "s1",
			Role:      models.RoleUser,
			Content:   fmt.Sprintf("message %d", i),
		})
		if err != nil {
			t.Fatalf("AppendMessage() #%d error = %v", i, err)
		}
	}

	got, err := s.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("History() returned %d messages, want 5", len(got))
	}
	if got[0].Content != "message 0" || got[4].Content != "message 4" {
		t.Error("History() not in chronological order")
	}
}

func TestHistoryLimitKeepsMostRecent(t *testing.T) {
	s := sessions.NewMemoryStore()
	ctx := context.Background()
	s.CreateSession(ctx, newSession("s1"))

	for i := 0; i < 10; i++ {
		s.AppendMessage(ctx, "s1", models.Message{
			ID:      fmt.Sprintf("m%d", i),
			Role:    models.RoleUser,
			Content: fmt.Sprintf("message %d", i),
		})
	}

	got, err := s.History(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("History(3) returned %d messages, want 3", len(got))
	}
	if got[0].Content != "message 7" {
		t.Errorf("History(3) first message = %q, want %q", got[0].Content, "message 7")
	}
}

func TestAppendMessageUnknownSession(t *testing.T) {
	s := sessions.NewMemoryStore()
	err := s.AppendMessage(context.Background(), "ghost", models.Message{ID: "m1"})
	if err == nil {
		t.Error("AppendMessage() on missing session succeeded, want error")
	}
}
