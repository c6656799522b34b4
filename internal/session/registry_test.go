package session

import (
	"testing"
	"time"

	"github.com/offene-werkstatt/maco-core/internal/nfc"
)

func testSession(t *testing.T, uidHex, sessionID string) TokenSession {
	t.Helper()
	uid, err := nfc.ParseUID(uidHex)
	if err != nil {
		t.Fatalf("ParseUID(%q) error = %v", uidHex, err)
	}
	return TokenSession{
		TokenID:     uid,
		SessionID:   sessionID,
		UserID:      "user-1",
		UserLabel:   "Ada",
		Expiration:  time.Now().Add(time.Hour),
		Permissions: []string{"machine:lasersaur"},
	}
}

func TestRegistry_RegisterIdempotent(t *testing.T) {
	r := NewRegistry()
	s := testSession(t, "04c339aa1e1890", "sess-1")

	first := r.Register(s)
	second := r.Register(s)

	if first != second {
		t.Error("re-registration with identical (tag, session id) should return the existing entry")
	}
	if second.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", second.SessionID)
	}
}

func TestRegistry_SupersedingSession(t *testing.T) {
	r := NewRegistry()
	old := r.Register(testSession(t, "04c339aa1e1890", "sess-1"))
	r.Register(testSession(t, "04c339aa1e1890", "sess-2"))

	uid, _ := nfc.ParseUID("04c339aa1e1890")
	current, ok := r.ForTag(uid)
	if !ok {
		t.Fatal("tag lookup failed after superseding registration")
	}
	if current.SessionID != "sess-2" {
		t.Errorf("current session = %q, want sess-2", current.SessionID)
	}

	if !old.NeedsUsageReconciliation {
		t.Error("superseded session should be marked for usage reconciliation")
	}

	// The superseded session stays reachable by id for reconciliation.
	if _, ok := r.ByID("sess-1"); !ok {
		t.Error("superseded session should remain reachable by session id")
	}
}

func TestRegistry_ForTagAbsence(t *testing.T) {
	r := NewRegistry()
	uid, _ := nfc.ParseUID("04c339aa1e1890")
	if _, ok := r.ForTag(uid); ok {
		t.Error("ForTag() on empty registry should report not found")
	}
}

func TestRegistry_InvalidateNotifiesCloseHandler(t *testing.T) {
	r := NewRegistry()
	var closed *TokenSession
	r.SetCloseHandler(func(s *TokenSession) { closed = s })

	r.Register(testSession(t, "04c339aa1e1890", "sess-1"))
	r.Invalidate("sess-1")

	if closed == nil || closed.SessionID != "sess-1" {
		t.Fatalf("close handler got %+v, want sess-1", closed)
	}

	uid, _ := nfc.ParseUID("04c339aa1e1890")
	if _, ok := r.ForTag(uid); ok {
		t.Error("invalidated session should be gone from the tag index")
	}
	if _, ok := r.ByID("sess-1"); ok {
		t.Error("invalidated session should be gone from the id index")
	}
}

func TestRegistry_InvalidateUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	called := false
	r.SetCloseHandler(func(*TokenSession) { called = true })

	r.Invalidate("missing")

	if called {
		t.Error("close handler should not fire for unknown session ids")
	}
}

func TestTokenSession_Permissions(t *testing.T) {
	s := testSession(t, "04c339aa1e1890", "sess-1")

	tests := []struct {
		name     string
		required []string
		want     bool
	}{
		{"empty requirement", nil, true},
		{"granted", []string{"machine:lasersaur"}, true},
		{"missing", []string{"machine:bandsaw"}, false},
		{"partial", []string{"machine:lasersaur", "machine:bandsaw"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.HasAllPermissions(tt.required); got != tt.want {
				t.Errorf("HasAllPermissions(%v) = %v, want %v", tt.required, got, tt.want)
			}
		})
	}
}

func TestTokenSession_IsActive(t *testing.T) {
	s := testSession(t, "04c339aa1e1890", "sess-1")
	if !s.IsActive() {
		t.Error("session expiring in an hour should be active")
	}

	s.Expiration = time.Now().Add(-time.Minute)
	if s.IsActive() {
		t.Error("expired session should not be active")
	}
}
