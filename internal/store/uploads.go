package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lox/damforecast/internal/models"
)

// Upload is a raw table as received, kept compressed for re-processing.
type Upload struct {
	ID           int64
	Dam          string
	Filename     string
	Format       string
	Payload      []byte
	PayloadHash  string
	RowsAccepted int
	RowsDropped  int
	QualityFlags sql.NullString
	UploadedAt   time.Time
}

// SaveUpload stores the payload compressed and returns the new upload ID.
func (s *Store) SaveUpload(ctx context.Context, u *Upload) (int64, error) {
	compressed, err := compress(u.Payload)
	if err != nil {
		return 0, err
	}
	u.PayloadHash = hashOf(u.Payload)
	u.UploadedAt = s.now()

	err = s.withRetry(ctx, "save_upload", func() error {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO uploads
			(dam, filename, format, payload_compressed, payload_hash, size_bytes, rows_accepted, rows_dropped, quality_flags, uploaded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, u.Dam, u.Filename, u.Format, compressed, u.PayloadHash, len(u.Payload),
			u.RowsAccepted, u.RowsDropped, u.QualityFlags, u.UploadedAt)
		if err != nil {
			return err
		}
		u.ID, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert upload: %w", err)
	}
	return u.ID, nil
}

// LatestUpload returns the most recent upload for dam with its payload
// decompressed.
func (s *Store) LatestUpload(ctx context.Context, dam string) (*Upload, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, dam, filename, format, payload_compressed, payload_hash, rows_accepted, rows_dropped, quality_flags, uploaded_at
		FROM uploads
		WHERE dam = ?
		ORDER BY id DESC
		LIMIT 1
	`, dam)

	var u Upload
	var compressed []byte
	err := row.Scan(&u.ID, &u.Dam, &u.Filename, &u.Format, &compressed, &u.PayloadHash,
		&u.RowsAccepted, &u.RowsDropped, &u.QualityFlags, &u.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no upload for dam %q", models.ErrNotFound, dam)
	}
	if err != nil {
		return nil, fmt.Errorf("query upload: %w", err)
	}
	if u.Payload, err = decompress(compressed); err != nil {
		return nil, err
	}
	return &u, nil
}
