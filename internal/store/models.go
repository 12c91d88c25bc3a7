package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lox/damforecast/internal/models"
)

// ModelMetadata describes how a model version was trained.
type ModelMetadata struct {
	TrainingRunID int64     `json:"training_run_id,omitempty"`
	TrainRows     int       `json:"train_rows"`
	ValRows       int       `json:"val_rows"`
	TrainWindows  int       `json:"train_windows"`
	ValWindows    int       `json:"val_windows"`
	EpochsRun     int       `json:"epochs_run"`
	BestEpoch     int       `json:"best_epoch"`
	BestLoss      float64   `json:"best_loss"`
	Monitor       string    `json:"monitor"`
	StoppedEarly  bool      `json:"stopped_early"`
	InputLen      int       `json:"input_len"`
	OutputLen     int       `json:"output_len"`
	Target        string    `json:"target"`
	Wavelet       string    `json:"wavelet"`
	WaveletLevel  int       `json:"wavelet_level"`
	Optimizer     string    `json:"optimizer"`
	FirstDate     time.Time `json:"first_date"`
	LastDate      time.Time `json:"last_date"`
}

// ModelVersion is an immutable trained artifact: network weights plus the
// normalization statistics fitted on its training split.
type ModelVersion struct {
	ID        int64
	Dam       string
	Version   int
	Schema    models.Schema
	Stats     models.NormalizationStats
	Network   []byte
	Metadata  ModelMetadata
	CreatedAt time.Time
}

// ModelSummary is one row of the model listing.
type ModelSummary struct {
	Dam       string    `json:"dam"`
	Version   int       `json:"version"`
	Versions  int       `json:"versions"`
	BestLoss  float64   `json:"best_loss"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveModelVersion writes a new version for the dam and points the dam's
// current model at it in one transaction, then prunes old versions beyond
// KeepVersions. Readers see either the previous or the new version, never a
// partial one.
func (s *Store) SaveModelVersion(ctx context.Context, mv *ModelVersion) error {
	if err := mv.Stats.Schema.Check(mv.Schema); err != nil {
		return fmt.Errorf("stats do not match model schema: %w", err)
	}
	statsJSON, err := json.Marshal(mv.Stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	metaJSON, err := json.Marshal(mv.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	network, err := compress(mv.Network)
	if err != nil {
		return err
	}

	return s.withRetry(ctx, "save_model_version", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer rollback(tx)

		var latest sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM model_versions WHERE dam = ?`, mv.Dam).Scan(&latest); err != nil {
			return fmt.Errorf("query latest version: %w", err)
		}
		version := int(latest.Int64) + 1
		createdAt := s.now()

		result, err := tx.ExecContext(ctx, `
			INSERT INTO model_versions (dam, version, schema, stats_json, network_compressed, metadata_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, mv.Dam, version, mv.Schema.String(), string(statsJSON), network, string(metaJSON), createdAt)
		if err != nil {
			return fmt.Errorf("insert model version: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO model_current (dam, model_version_id, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(dam) DO UPDATE SET
				model_version_id = excluded.model_version_id,
				updated_at = excluded.updated_at
		`, mv.Dam, id, createdAt); err != nil {
			return fmt.Errorf("swap current model: %w", err)
		}

		keep := max(s.KeepVersions, 1)
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM model_versions
			WHERE dam = ? AND id NOT IN (
				SELECT id FROM model_versions WHERE dam = ? ORDER BY version DESC LIMIT ?
			)
		`, mv.Dam, mv.Dam, keep); err != nil {
			return fmt.Errorf("prune model versions: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit model version: %w", err)
		}
		mv.ID, mv.Version, mv.CreatedAt = id, version, createdAt
		return nil
	})
}

// LoadCurrentModel returns the version the dam's pointer refers to.
func (s *Store) LoadCurrentModel(ctx context.Context, dam string) (*ModelVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT v.id, v.dam, v.version, v.schema, v.stats_json, v.network_compressed, v.metadata_json, v.created_at
		FROM model_current c
		JOIN model_versions v ON v.id = c.model_version_id
		WHERE c.dam = ?
	`, dam)
	mv, err := scanModelVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no trained model for dam %q", models.ErrNotFound, dam)
	}
	if err != nil {
		return nil, err
	}
	return mv, nil
}

func scanModelVersion(row *sql.Row) (*ModelVersion, error) {
	var mv ModelVersion
	var schema, statsJSON, metaJSON string
	var network []byte
	if err := row.Scan(&mv.ID, &mv.Dam, &mv.Version, &schema, &statsJSON, &network, &metaJSON, &mv.CreatedAt); err != nil {
		return nil, err
	}
	if schema != "" {
		mv.Schema = models.Schema(strings.Split(schema, ","))
	}
	if err := json.Unmarshal([]byte(statsJSON), &mv.Stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &mv.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	var err error
	if mv.Network, err = decompress(network); err != nil {
		return nil, err
	}
	return &mv, nil
}

// ListModels summarises the current model of every dam, ordered by dam.
func (s *Store) ListModels(ctx context.Context) ([]ModelSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.dam, v.version, v.metadata_json, v.created_at,
			(SELECT COUNT(*) FROM model_versions o WHERE o.dam = v.dam)
		FROM model_current c
		JOIN model_versions v ON v.id = c.model_version_id
		ORDER BY v.dam
	`)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	var out []ModelSummary
	for rows.Next() {
		var m ModelSummary
		var metaJSON string
		if err := rows.Scan(&m.Dam, &m.Version, &metaJSON, &m.CreatedAt, &m.Versions); err != nil {
			return nil, err
		}
		var meta ModelMetadata
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", m.Dam, err)
		}
		m.BestLoss = meta.BestLoss
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteModel removes every version of the dam's model and its pointer.
func (s *Store) DeleteModel(ctx context.Context, dam string) error {
	return s.withRetry(ctx, "delete_model", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer rollback(tx)

		if _, err := tx.ExecContext(ctx, `DELETE FROM model_current WHERE dam = ?`, dam); err != nil {
			return fmt.Errorf("delete current pointer: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM model_versions WHERE dam = ?`, dam)
		if err != nil {
			return fmt.Errorf("delete model versions: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: no trained model for dam %q", models.ErrNotFound, dam)
		}
		return tx.Commit()
	})
}
