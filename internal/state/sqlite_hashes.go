package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetContentHash retrieves the content hash for a file path.
func (s *SQLiteStore) GetContentHash(filePath string) (string, error) {
	if s.db == nil {
		return "", fmt.Errorf("database not opened")
	}

	var hash string
	err := s.db.QueryRowContext(ctx(),
		`SELECT content_hash FROM content_hashes WHERE file_path = ?`, filePath).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil // Not found, return empty string
	}
	if err != nil {
		return "", fmt.Errorf("failed to get content hash: %w", err)
	}

	return hash, nil
}

// SetContentHash stores the content hash for a raw input file.
func (s *SQLiteStore) SetContentHash(filePath, hash, dataset string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	_, err := s.db.ExecContext(ctx(),
		`INSERT INTO content_hashes (file_path, content_hash, dataset, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET content_hash = excluded.content_hash,
			dataset = excluded.dataset, updated_at = excluded.updated_at`,
		filePath, hash, dataset, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set content hash: %w", err)
	}
	return nil
}
