package machine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/offene-werkstatt/maco-core/internal/fault"
	"github.com/offene-werkstatt/maco-core/internal/infrastructure/database"
)

// Record is one machine usage interval.
//
// A record is opened at check-in and closed at check-out. A zero EndedAt
// marks an open record; at most one record per machine is open at a time.
type Record struct {
	ID        int64
	SessionID string
	MachineID string
	StartedAt time.Time
	EndedAt   time.Time
	EndReason string
	Uploaded  bool
}

// Open reports whether the record has not been closed yet.
func (r Record) Open() bool {
	return r.EndedAt.IsZero()
}

// Store persists usage records.
type Store interface {
	// OpenRecord inserts a new open record and returns its id.
	OpenRecord(ctx context.Context, sessionID string, start time.Time) (int64, error)

	// Newest returns the most recent record, open or closed.
	Newest(ctx context.Context) (Record, bool, error)

	// CloseRecord sets the end time and reason on an open record.
	// Returns fault.ErrUnexpectedState if the record is missing or
	// already closed.
	CloseRecord(ctx context.Context, id int64, end time.Time, reason CheckoutReason) error

	// PendingUpload returns closed records not yet acknowledged by the
	// authority.
	PendingUpload(ctx context.Context) ([]Record, error)

	// MarkUploaded flags records as acknowledged.
	MarkUploaded(ctx context.Context, ids []int64) error
}

// SQLiteStore keeps usage records in the terminal's SQLite database.
//
// Timestamps are stored as RFC 3339 UTC strings, matching the upload
// wire format, so records round-trip without conversion.
type SQLiteStore struct {
	db        *database.DB
	machineID string
}

// NewSQLiteStore creates a store writing records for the given machine.
func NewSQLiteStore(db *database.DB, machineID string) *SQLiteStore {
	return &SQLiteStore{db: db, machineID: machineID}
}

// OpenRecord inserts a new open usage record.
func (s *SQLiteStore) OpenRecord(ctx context.Context, sessionID string, start time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (session_token, machine_id, started_at) VALUES (?, ?, ?)`,
		sessionID, s.machineID, start.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("opening usage record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("opening usage record: %w", err)
	}
	return id, nil
}

// Newest returns the most recent record for any machine id, so a
// misconfigured terminal surfaces foreign records instead of silently
// opening a second history.
func (s *SQLiteStore) Newest(ctx context.Context) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_token, machine_id, started_at, ended_at, end_reason, uploaded
		 FROM usage_records ORDER BY id DESC LIMIT 1`,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// CloseRecord closes an open record atomically.
func (s *SQLiteStore) CloseRecord(ctx context.Context, id int64, end time.Time, reason CheckoutReason) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE usage_records SET ended_at = ?, end_reason = ?
			 WHERE id = ? AND ended_at IS NULL`,
			end.UTC().Format(time.RFC3339), string(reason), id,
		)
		if err != nil {
			return fmt.Errorf("closing usage record %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("closing usage record %d: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("closing usage record %d: %w", id, fault.ErrUnexpectedState)
		}
		return nil
	})
}

// PendingUpload returns closed, unacknowledged records in insertion
// order.
func (s *SQLiteStore) PendingUpload(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_token, machine_id, started_at, ended_at, end_reason, uploaded
		 FROM usage_records
		 WHERE uploaded = 0 AND ended_at IS NOT NULL
		 ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing pending uploads: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing pending uploads: %w", err)
	}
	return records, nil
}

// MarkUploaded flags records as acknowledged by the authority.
func (s *SQLiteStore) MarkUploaded(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE usage_records SET uploaded = 1 WHERE id = ?`, id); err != nil {
				return fmt.Errorf("marking record %d uploaded: %w", id, err)
			}
		}
		return nil
	})
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		rec      Record
		started  string
		ended    sql.NullString
		uploaded int
	)
	if err := s.Scan(&rec.ID, &rec.SessionID, &rec.MachineID, &started, &ended, &rec.EndReason, &uploaded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scanning usage record: %w", err)
	}

	start, err := time.Parse(time.RFC3339, started)
	if err != nil {
		return Record{}, fmt.Errorf("parsing started_at %q: %w", started, err)
	}
	rec.StartedAt = start

	if ended.Valid {
		end, err := time.Parse(time.RFC3339, ended.String)
		if err != nil {
			return Record{}, fmt.Errorf("parsing ended_at %q: %w", ended.String, err)
		}
		rec.EndedAt = end
	}
	rec.Uploaded = uploaded != 0
	return rec, nil
}
