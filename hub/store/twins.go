package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"

	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/hub/wire"
)

// GetTwin returns the twin pair for a device, lazily creating empty
// documents on first access.
func (s *Store) GetTwin(ctx context.Context, uuid string) (desired, reported wire.TwinDocument, err error) {
	err = s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		if desired, err = loadTwinDocument(tx, "twin_desired", uuid); err != nil {
			return err
		}
		reported, err = loadTwinDocument(tx, "twin_reported", uuid)
		return err
	})
	return
}

// SetDesired shallow-merges a patch into the desired document and advances
// its version. An empty patch is still versioned.
func (s *Store) SetDesired(ctx context.Context, uuid string, patch map[string]any) (wire.TwinDocument, error) {
	return s.setTwinDocument(ctx, "twin_desired", uuid, patch)
}

// SetReported shallow-merges a patch into the reported document and
// advances its version. An empty patch is still versioned.
func (s *Store) SetReported(ctx context.Context, uuid string, patch map[string]any) (wire.TwinDocument, error) {
	return s.setTwinDocument(ctx, "twin_reported", uuid, patch)
}

func (s *Store) setTwinDocument(ctx context.Context, table, uuid string, patch map[string]any) (wire.TwinDocument, error) {
	var doc wire.TwinDocument
	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		current, err := loadTwinDocument(tx, table, uuid)
		if err != nil {
			return err
		}
		for k, v := range patch {
			current.Doc[k] = v
		}
		current.Version++
		current.UpdatedAt = time.Now().UTC()

		docJSON, err := json.Marshal(current.Doc)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO `+table+`(device_id, version, doc, updated_at)
VALUES(?,?,?,?)
ON CONFLICT (device_id) DO UPDATE SET version=excluded.version, doc=excluded.doc, updated_at=excluded.updated_at;`,
			uuid, current.Version, string(docJSON), current.UpdatedAt)
		if err != nil {
			return err
		}
		doc = current
		return nil
	})
	return doc, err
}

// loadTwinDocument reads one twin document inside a transaction, creating
// the empty version 0 document when the device has none yet.
func loadTwinDocument(tx *sql.Tx, table, uuid string) (wire.TwinDocument, error) {
	doc := wire.TwinDocument{Doc: map[string]any{}}
	var docJSON string
	err := tx.QueryRow(
		`SELECT version, doc, updated_at FROM `+table+` WHERE device_id=?;`,
		uuid).Scan(&doc.Version, &docJSON, &doc.UpdatedAt)
	if err == csql.ErrNoRows {
		doc.UpdatedAt = time.Now().UTC()
		_, err = tx.Exec(
			`INSERT INTO `+table+`(device_id, version, doc, updated_at) VALUES(?,0,'{}',?);`,
			uuid, doc.UpdatedAt)
		return doc, err
	}
	if err != nil {
		return doc, err
	}
	err = json.Unmarshal([]byte(docJSON), &doc.Doc)
	if doc.Doc == nil {
		doc.Doc = map[string]any{}
	}
	return doc, err
}
