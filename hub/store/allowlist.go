package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/hub"
)

// AllowlistEntry is one UUID approved for one-time provisioning.
type AllowlistEntry struct {
	UUID      string     `json:"uuid"`
	Note      string     `json:"note,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// CheckUUID returns the allow-list entry for the given UUID, or a
// uuid_not_whitelisted error when the UUID is unknown.
func (s *Store) CheckUUID(ctx context.Context, uuid string) (*AllowlistEntry, error) {
	entry := AllowlistEntry{UUID: uuid}
	var note sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT note, created_at, used_at FROM uuid_whitelist WHERE uuid=?;`,
		uuid).Scan(&note, &entry.CreatedAt, &entry.UsedAt)
	if err == csql.ErrNoRows {
		return nil, hub.NewError(hub.ErrUUIDNotWhitelisted, "uuid is not whitelisted")
	}
	if err != nil {
		return nil, err
	}
	entry.Note = note.String
	return &entry, nil
}

// MarkUsed marks an allow-list entry as consumed. The call is idempotent:
// marking an already used entry succeeds and keeps the original timestamp.
func (s *Store) MarkUsed(ctx context.Context, uuid string) error {
	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE uuid_whitelist SET used_at=COALESCE(used_at, ?) WHERE uuid=?;`,
			time.Now().UTC(), uuid)
		if err != nil {
			return err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if count == 0 {
			return hub.NewError(hub.ErrUUIDNotWhitelisted, "uuid is not whitelisted")
		}
		return nil
	})
}

// AddToAllowlist creates a new allow-list entry.
func (s *Store) AddToAllowlist(ctx context.Context, uuid, note string) error {
	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO uuid_whitelist(uuid, note, created_at) VALUES(?,?,?);`,
			uuid, note, time.Now().UTC())
		if err != nil {
			return hub.NewError(hub.ErrDuplicate, "uuid is already whitelisted")
		}
		return nil
	})
}

// RemoveFromAllowlist deletes an allow-list entry.
func (s *Store) RemoveFromAllowlist(ctx context.Context, uuid string) error {
	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM uuid_whitelist WHERE uuid=?;`, uuid)
		if err != nil {
			return err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if count == 0 {
			return hub.NewError(hub.ErrNotFound, "uuid is not whitelisted")
		}
		return nil
	})
}

// ListAllowlist returns all allow-list entries.
func (s *Store) ListAllowlist(ctx context.Context) ([]AllowlistEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, note, created_at, used_at FROM uuid_whitelist ORDER BY created_at;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []AllowlistEntry{}
	for rows.Next() {
		var (
			entry AllowlistEntry
			note  sql.NullString
		)
		if err := rows.Scan(&entry.UUID, &note, &entry.CreatedAt, &entry.UsedAt); err != nil {
			return nil, err
		}
		entry.Note = note.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
