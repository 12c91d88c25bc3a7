package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lox/damforecast/internal/models"
)

// SaveFeatureTable replaces the dam's feature table.
func (s *Store) SaveFeatureTable(ctx context.Context, t *models.FeatureTable, uploadID int64) error {
	if t.Len() == 0 {
		return fmt.Errorf("%w: empty feature table for %s", models.ErrInvalidInput, t.Dam)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode feature table: %w", err)
	}
	compressed, err := compress(raw)
	if err != nil {
		return err
	}
	var upload sql.NullInt64
	if uploadID > 0 {
		upload = sql.NullInt64{Int64: uploadID, Valid: true}
	}

	return s.withRetry(ctx, "save_feature_table", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO feature_tables (dam, upload_id, schema, row_count, first_date, last_date, table_compressed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(dam) DO UPDATE SET
				upload_id = excluded.upload_id,
				schema = excluded.schema,
				row_count = excluded.row_count,
				first_date = excluded.first_date,
				last_date = excluded.last_date,
				table_compressed = excluded.table_compressed,
				created_at = excluded.created_at
		`, t.Dam, upload, t.Schema.String(), t.Len(), t.Dates[0], t.Dates[len(t.Dates)-1], compressed, s.now())
		return err
	})
}

// LoadFeatureTable returns the persisted feature table for dam.
func (s *Store) LoadFeatureTable(ctx context.Context, dam string) (*models.FeatureTable, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx, `SELECT table_compressed FROM feature_tables WHERE dam = ?`, dam).Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no feature table for dam %q", models.ErrNotFound, dam)
	}
	if err != nil {
		return nil, fmt.Errorf("query feature table: %w", err)
	}
	raw, err := decompress(compressed)
	if err != nil {
		return nil, err
	}
	var t models.FeatureTable
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode feature table: %w", err)
	}
	return &t, nil
}
