package session

import (
	"time"

	"github.com/offene-werkstatt/maco-core/internal/nfc"
)

// TokenSession is an authority-issued, time-bounded grant associating a
// user and a permission set with a specific tag.
type TokenSession struct {
	// TokenID is the tag UID the session is bound to.
	TokenID nfc.TagUID

	// SessionID is the authority's identifier for this session.
	SessionID string

	UserID    string
	UserLabel string

	// Expiration is when the session stops being usable.
	Expiration time.Time

	// Permissions the user holds, matched against each machine's
	// required-permission list at check-in.
	Permissions []string

	// NeedsUsageReconciliation is set when this session was superseded
	// by a new session for the same tag while it may still have
	// unflushed usage. Reconciliation is an operator task, not
	// automated here.
	NeedsUsageReconciliation bool
}

// IsActive reports whether the session has not yet expired.
func (s *TokenSession) IsActive() bool {
	return time.Now().Before(s.Expiration)
}

// HasPermission reports whether the session grants the given permission.
func (s *TokenSession) HasPermission(permission string) bool {
	for _, p := range s.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether the session grants every required
// permission. An empty requirement list always passes.
func (s *TokenSession) HasAllPermissions(required []string) bool {
	for _, p := range required {
		if !s.HasPermission(p) {
			return false
		}
	}
	return true
}
