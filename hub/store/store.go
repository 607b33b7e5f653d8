/*
Package store implements the identity store of the device hub.

It holds the UUID allow-list, the device registry, the twin document
pairs, the API tokens and the device event log in one embedded database
file. The store is the sole persistence mechanism of the hub; the services
do not share memory.
*/
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/core/registry"
)

// schemaVersion is bumped whenever the table set changes; the migration
// runs when the registry records a different version.
const schemaVersion = "2"

// Store provides access to the identity tables.
type Store struct {
	db *csql.DB
}

// MustNewStore creates the tables if they do not exist, runs the schema
// migrations, and returns the store.
func MustNewStore(db *csql.DB) *Store {
	s, err := NewStore(db)
	if err != nil {
		panic(err)
	}
	return s
}

// NewStore creates the tables if they do not exist, runs the schema
// migrations, and returns the store.
func NewStore(db *csql.DB) (*Store, error) {
	s := &Store{db: db}

	storeRegistry := registry.MustNew(db).Accessor("_store_")
	var currentVersion string
	if _, err := storeRegistry.Read("schema_version", &currentVersion); err != nil {
		return nil, err
	}
	if currentVersion == schemaVersion {
		return s, nil
	}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	if err := storeRegistry.Write("schema_version", schemaVersion); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying database, for services that keep their own
// auxiliary tables.
func (s *Store) DB() *csql.DB {
	return s.db
}

func (s *Store) migrate(ctx context.Context) error {
	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		if err := s.migrateLegacyWhitelist(tx); err != nil {
			return err
		}
		_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS devices
(uuid TEXT PRIMARY KEY,
name TEXT NOT NULL UNIQUE,
meta TEXT NOT NULL DEFAULT '{}',
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS uuid_whitelist
(uuid TEXT PRIMARY KEY,
note TEXT,
created_at TIMESTAMP NOT NULL,
used_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS twin_desired
(device_id TEXT PRIMARY KEY,
version INTEGER NOT NULL,
doc TEXT NOT NULL,
updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS twin_reported
(device_id TEXT PRIMARY KEY,
version INTEGER NOT NULL,
doc TEXT NOT NULL,
updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS device_events
(id INTEGER PRIMARY KEY AUTOINCREMENT,
device_id TEXT NOT NULL,
topic TEXT NOT NULL,
payload TEXT,
ts TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS device_events_device_ts ON device_events(device_id, ts);
CREATE TABLE IF NOT EXISTS api_tokens
(id TEXT PRIMARY KEY,
name TEXT NOT NULL,
token TEXT NOT NULL UNIQUE,
scopes TEXT NOT NULL DEFAULT '',
created_at TIMESTAMP NOT NULL,
last_used TIMESTAMP,
expires_at TIMESTAMP,
active INTEGER NOT NULL DEFAULT 1
);`)
		return err
	})
}

// migrateLegacyWhitelist migrates the old allow-list shape which had a
// mandatory device_id column. The migration copies the rows into a table
// with the relaxed schema and renames it; it is a no-op when the old
// shape is not present.
func (s *Store) migrateLegacyWhitelist(tx *sql.Tx) error {
	rows, err := tx.Query(`PRAGMA table_info(uuid_whitelist);`)
	if err != nil {
		return err
	}
	defer rows.Close()

	hasDeviceID := false
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dflt      sql.NullString
			isPrimary int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &isPrimary); err != nil {
			return err
		}
		if name == "device_id" {
			hasDeviceID = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if !hasDeviceID {
		return nil
	}

	logger.Default().Infoln("migrating legacy uuid_whitelist schema")
	_, err = tx.Exec(`
CREATE TABLE uuid_whitelist_new
(uuid TEXT PRIMARY KEY,
note TEXT,
created_at TIMESTAMP NOT NULL,
used_at TIMESTAMP
);
INSERT INTO uuid_whitelist_new(uuid, note, created_at, used_at)
  SELECT uuid, note, created_at, used_at FROM uuid_whitelist;
DROP TABLE uuid_whitelist;
ALTER TABLE uuid_whitelist_new RENAME TO uuid_whitelist;`)
	if err != nil {
		return fmt.Errorf("cannot migrate uuid_whitelist: %w", err)
	}
	return nil
}
