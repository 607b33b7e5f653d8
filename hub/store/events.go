package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
)

// Event is one recorded device event.
type Event struct {
	ID       int64           `json:"id"`
	DeviceID string          `json:"deviceId"`
	Topic    string          `json:"topic"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	TS       time.Time       `json:"ts"`
}

// EventFilter narrows QueryEvents.
type EventFilter struct {
	DeviceID  string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// RecordEvent appends an event to the device event log.
func (s *Store) RecordEvent(ctx context.Context, deviceID, topic string, payload []byte) error {
	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO device_events(device_id, topic, payload, ts) VALUES(?,?,?,?);`,
			deviceID, topic, string(payload), time.Now().UTC())
		return err
	})
}

// QueryEvents returns events matching the filter, newest first.
func (s *Store) QueryEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	query := `SELECT id, device_id, topic, payload, ts FROM device_events WHERE 1=1`
	args := []any{}
	if filter.DeviceID != "" {
		query += ` AND device_id=?`
		args = append(args, filter.DeviceID)
	}
	if filter.StartTime != nil {
		query += ` AND ts>=?`
		args = append(args, filter.StartTime.UTC())
	}
	if filter.EndTime != nil {
		query += ` AND ts<=?`
		args = append(args, filter.EndTime.UTC())
	}
	query += ` ORDER BY ts DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e       Event
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Topic, &payload, &e.TS); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeviceStats summarizes the device fleet.
type DeviceStats struct {
	Total  int `json:"total"`
	Online int `json:"online"`
}

// Stats returns fleet counters. Online is derived from the latest retained
// status value stored in the device meta document.
func (s *Store) Stats(ctx context.Context) (DeviceStats, error) {
	stats := DeviceStats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
COALESCE(SUM(CASE WHEN json_extract(meta, '$.status')='online' THEN 1 ELSE 0 END), 0)
FROM devices;`).Scan(&stats.Total, &stats.Online)
	return stats, err
}
