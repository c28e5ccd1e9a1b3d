package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/koltyakov/botfleet/internal/domain"
)

// List returns the names of all objects starting with prefix, sorted.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name
FROM objects
WHERE substr(name, 1, length(?)) = ?
ORDER BY name`, prefix, prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Get returns the object data and its version token.
func (s *Store) Get(ctx context.Context, name string) ([]byte, string, error) {
	var data []byte
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT data, version FROM objects WHERE name = ?`, name).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", domain.ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return data, strconv.FormatInt(version, 10), nil
}

// Put writes data under name. An empty version creates the object; any
// other value must match the stored version. Mismatches return
// [domain.ErrVersionConflict].
func (s *Store) Put(ctx context.Context, name string, data []byte, version string) (string, error) {
	now := s.now().UTC()
	if version == "" {
		res, err := s.db.ExecContext(ctx, `
INSERT INTO objects(name, data, version, updated_at)
VALUES(?, ?, 1, ?)
ON CONFLICT(name) DO NOTHING`, name, data, now)
		if err != nil {
			return "", err
		}
		if err := requireAffected(res); err != nil {
			return "", err
		}
		return "1", nil
	}

	current, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return "", domain.ErrVersionConflict
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE objects
SET data = ?, version = version + 1, updated_at = ?
WHERE name = ? AND version = ?`, data, now, name, current)
	if err != nil {
		return "", err
	}
	if err := requireAffected(res); err != nil {
		return "", err
	}
	return strconv.FormatInt(current+1, 10), nil
}

// Delete removes the object called name.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE name = ?`, name)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}
