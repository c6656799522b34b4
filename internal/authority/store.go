package authority

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/offene-werkstatt/maco-core/internal/cloud"
	"github.com/offene-werkstatt/maco-core/internal/infrastructure/database"
)

// Token binds a registered tag to a user and their permissions.
type Token struct {
	TagUID      string
	UserID      string
	UserLabel   string
	Permissions []string
	Active      bool
	CreatedAt   time.Time
}

// Session is an issued grant as the authority records it.
type Session struct {
	ID          string
	TagUID      string
	UserID      string
	MachineID   string
	Permissions []string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ClosedAt    time.Time
}

// Closed reports whether the session has been closed.
func (s Session) Closed() bool {
	return !s.ClosedAt.IsZero()
}

// Store is the authority's SQLite persistence layer.
type Store struct {
	db *database.DB
}

// NewStore wraps an opened, migrated database.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// UpsertToken registers or updates a tag token.
func (s *Store) UpsertToken(ctx context.Context, tok Token) error {
	perms, err := json.Marshal(tok.Permissions)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}
	active := 0
	if tok.Active {
		active = 1
	}
	createdAt := tok.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tokens (tag_uid, user_id, user_label, permissions, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tag_uid) DO UPDATE SET
		   user_id = excluded.user_id,
		   user_label = excluded.user_label,
		   permissions = excluded.permissions,
		   active = excluded.active`,
		tok.TagUID, tok.UserID, tok.UserLabel, string(perms), active,
		createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting token %s: %w", tok.TagUID, err)
	}
	return nil
}

// TokenByUID looks up the token registered for a tag.
func (s *Store) TokenByUID(ctx context.Context, tagUID string) (Token, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tag_uid, user_id, user_label, permissions, active, created_at
		 FROM tokens WHERE tag_uid = ?`, tagUID)

	var (
		tok       Token
		perms     string
		active    int
		createdAt string
	)
	err := row.Scan(&tok.TagUID, &tok.UserID, &tok.UserLabel, &perms, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("looking up token %s: %w", tagUID, err)
	}

	if err := json.Unmarshal([]byte(perms), &tok.Permissions); err != nil {
		return Token{}, false, fmt.Errorf("decoding permissions for %s: %w", tagUID, err)
	}
	tok.Active = active != 0
	if tok.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Token{}, false, fmt.Errorf("parsing created_at for %s: %w", tagUID, err)
	}
	return tok, true, nil
}

// CreateSession persists a newly issued session.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	perms, err := json.Marshal(sess.Permissions)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, tag_uid, user_id, machine_id, permissions, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TagUID, sess.UserID, sess.MachineID, string(perms),
		sess.CreatedAt.UTC().Format(time.RFC3339),
		sess.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating session %s: %w", sess.ID, err)
	}
	return nil
}

// SessionByID returns a persisted session.
func (s *Store) SessionByID(ctx context.Context, id string) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tag_uid, user_id, machine_id, permissions, created_at, expires_at, closed_at
		 FROM sessions WHERE id = ?`, id)

	var (
		sess      Session
		perms     string
		createdAt string
		expiresAt string
		closedAt  sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.TagUID, &sess.UserID, &sess.MachineID,
		&perms, &createdAt, &expiresAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("looking up session %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(perms), &sess.Permissions); err != nil {
		return Session{}, false, fmt.Errorf("decoding session %s permissions: %w", id, err)
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Session{}, false, fmt.Errorf("parsing session %s created_at: %w", id, err)
	}
	if sess.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return Session{}, false, fmt.Errorf("parsing session %s expires_at: %w", id, err)
	}
	if closedAt.Valid {
		if sess.ClosedAt, err = time.Parse(time.RFC3339, closedAt.String); err != nil {
			return Session{}, false, fmt.Errorf("parsing session %s closed_at: %w", id, err)
		}
	}
	return sess, true, nil
}

// CloseSession marks a session closed. Returns false when the session is
// unknown or already closed.
func (s *Store) CloseSession(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at = ? WHERE id = ? AND closed_at IS NULL`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, fmt.Errorf("closing session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("closing session %s: %w", id, err)
	}
	return n > 0, nil
}

// RecordAuthentication remembers a completed full authentication for the
// tag, superseding any earlier one.
func (s *Store) RecordAuthentication(ctx context.Context, tagUID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_records (tag_uid, user_id, authenticated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(tag_uid) DO UPDATE SET
		   user_id = excluded.user_id,
		   authenticated_at = excluded.authenticated_at`,
		tagUID, userID, at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording authentication for %s: %w", tagUID, err)
	}
	return nil
}

// SaveUsage stores one uploaded usage batch atomically and returns the
// number of accepted records.
func (s *Store) SaveUsage(ctx context.Context, machineID string, records []cloud.UsageUploadRecord) (int, error) {
	receivedAt := time.Now().UTC().Format(time.RFC3339)
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO usage_uploads (machine_id, session_token, started_at, ended_at, end_reason, received_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				machineID, rec.SessionToken, rec.StartedAt, rec.EndedAt, rec.EndReason, receivedAt,
			); err != nil {
				return fmt.Errorf("saving usage for %s: %w", machineID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Audit appends a security event to the audit log. Best effort: callers
// log the error and continue, an audit failure never blocks the
// operation it describes.
func (s *Store) Audit(ctx context.Context, event, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (at, event, detail) VALUES (?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), event, detail)
	if err != nil {
		return fmt.Errorf("appending audit event %s: %w", event, err)
	}
	return nil
}
