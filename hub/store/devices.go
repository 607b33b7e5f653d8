package store

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/hub"
)

// Device is one registered device.
type Device struct {
	UUID      string         `json:"uuid"`
	Name      string         `json:"name"`
	Meta      map[string]any `json:"meta"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Device names are short human identifiers: 4-32 characters, alphanumeric
// plus dash and underscore, beginning alphanumeric.
var nameRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-_]{3,31}$`)

// ValidDeviceName reports whether name is an acceptable device name.
func ValidDeviceName(name string) bool {
	return nameRegexp.MatchString(name)
}

// DefaultDeviceName derives the default name from a device UUID,
// "EDGB-" plus the first four hex digits.
func DefaultDeviceName(uuid string) string {
	hex := strings.ReplaceAll(uuid, "-", "")
	if len(hex) > 4 {
		hex = hex[:4]
	}
	return "EDGB-" + hex
}

// DeviceFilter narrows ListDevices.
type DeviceFilter struct {
	Status    string
	Model     string
	SeenSince *time.Time
	SeenUntil *time.Time
	Limit     int
	Offset    int
}

// UpsertDevice creates or updates a device record. An empty name keeps the
// current name, or derives the default name for a new device. The meta
// document is stored verbatim with the UUID embedded.
func (s *Store) UpsertDevice(ctx context.Context, uuid, name string, meta map[string]any) (*Device, error) {
	if name != "" && !ValidDeviceName(name) {
		return nil, hub.NewError(hub.ErrBadRequest, "invalid device name")
	}

	var device *Device
	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		current, err := scanDevice(tx.QueryRow(
			`SELECT uuid, name, meta, created_at, updated_at FROM devices WHERE uuid=?;`, uuid))
		if err != nil && hub.CodeOf(err) != hub.ErrNotFound {
			return err
		}

		d := Device{UUID: uuid, Name: name, Meta: meta, CreatedAt: now, UpdatedAt: now}
		if current != nil {
			d.CreatedAt = current.CreatedAt
			if d.Name == "" {
				d.Name = current.Name
			}
			if d.Meta == nil {
				d.Meta = current.Meta
			}
		}
		if d.Name == "" {
			d.Name = DefaultDeviceName(uuid)
		}
		if d.Meta == nil {
			d.Meta = map[string]any{}
		}
		d.Meta["uuid"] = uuid

		metaJSON, err := json.Marshal(d.Meta)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO devices(uuid, name, meta, created_at, updated_at)
VALUES(?,?,?,?,?)
ON CONFLICT (uuid) DO UPDATE SET name=excluded.name, meta=excluded.meta, updated_at=excluded.updated_at;`,
			uuid, d.Name, string(metaJSON), d.CreatedAt, d.UpdatedAt)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return hub.NewError(hub.ErrDuplicate, "device name is taken")
			}
			return err
		}
		device = &d
		return nil
	})
	return device, err
}

// GetDevice returns the device with the given UUID.
func (s *Store) GetDevice(ctx context.Context, uuid string) (*Device, error) {
	return scanDevice(s.db.QueryRowContext(ctx,
		`SELECT uuid, name, meta, created_at, updated_at FROM devices WHERE uuid=?;`, uuid))
}

// ResolveUUIDByName returns the UUID of the device with the given name.
func (s *Store) ResolveUUIDByName(ctx context.Context, name string) (string, error) {
	var uuid string
	err := s.db.QueryRowContext(ctx,
		`SELECT uuid FROM devices WHERE name=?;`, name).Scan(&uuid)
	if err == csql.ErrNoRows {
		return "", hub.NewError(hub.ErrNotFound, "no such device")
	}
	return uuid, err
}

// ResolveNameByUUID returns the name of the device with the given UUID.
func (s *Store) ResolveNameByUUID(ctx context.Context, uuid string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM devices WHERE uuid=?;`, uuid).Scan(&name)
	if err == csql.ErrNoRows {
		return "", hub.NewError(hub.ErrNotFound, "no such device")
	}
	return name, err
}

// ListDevices returns devices matching the filter, ordered by name.
func (s *Store) ListDevices(ctx context.Context, filter DeviceFilter) ([]Device, error) {
	query := `SELECT uuid, name, meta, created_at, updated_at FROM devices WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += ` AND json_extract(meta, '$.status')=?`
		args = append(args, filter.Status)
	}
	if filter.Model != "" {
		query += ` AND json_extract(meta, '$.model')=?`
		args = append(args, filter.Model)
	}
	if filter.SeenSince != nil {
		query += ` AND json_extract(meta, '$.last_seen')>=?`
		args = append(args, filter.SeenSince.UTC().Format(time.RFC3339))
	}
	if filter.SeenUntil != nil {
		query += ` AND json_extract(meta, '$.last_seen')<=?`
		args = append(args, filter.SeenUntil.UTC().Format(time.RFC3339))
	}
	query += ` ORDER BY name`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// DeleteDevice removes a device and its twin pair.
func (s *Store) DeleteDevice(ctx context.Context, uuid string) error {
	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM devices WHERE uuid=?;`, uuid)
		if err != nil {
			return err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if count == 0 {
			return hub.NewError(hub.ErrNotFound, "no such device")
		}
		_, err = tx.Exec(`DELETE FROM twin_desired WHERE device_id=?;`, uuid)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM twin_reported WHERE device_id=?;`, uuid)
		return err
	})
}

// UpdateLastSeen stamps the last-seen timestamp in the device meta document.
func (s *Store) UpdateLastSeen(ctx context.Context, uuid string) error {
	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE devices SET meta=json_set(meta, '$.last_seen', ?), updated_at=? WHERE uuid=?;`,
			time.Now().UTC().Format(time.RFC3339), time.Now().UTC(), uuid)
		return err
	})
}

// UpdateDeviceStatus stores the latest retained status value in the device
// meta document.
func (s *Store) UpdateDeviceStatus(ctx context.Context, uuid, status string) error {
	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE devices SET meta=json_set(meta, '$.status', ?), updated_at=? WHERE uuid=?;`,
			status, time.Now().UTC(), uuid)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row *sql.Row) (*Device, error) {
	return scanDeviceRow(row)
}

func scanDeviceRow(row rowScanner) (*Device, error) {
	var (
		d        Device
		metaJSON string
	)
	err := row.Scan(&d.UUID, &d.Name, &metaJSON, &d.CreatedAt, &d.UpdatedAt)
	if err == csql.ErrNoRows {
		return nil, hub.NewError(hub.ErrNotFound, "no such device")
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &d.Meta); err != nil {
		return nil, err
	}
	return &d, nil
}
