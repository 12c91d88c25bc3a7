package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TrainingRun is the audit record of one training attempt. A failed run has
// no model version.
type TrainingRun struct {
	ID             int64
	Dam            string
	StartedAt      time.Time
	FinishedAt     sql.NullTime
	Success        bool
	EpochsRun      sql.NullInt64
	BestEpoch      sql.NullInt64
	BestLoss       sql.NullFloat64
	Monitor        sql.NullString
	TrainWindows   sql.NullInt64
	ValWindows     sql.NullInt64
	ModelVersionID sql.NullInt64
	ErrorMessage   sql.NullString
}

// StartTrainingRun creates a new run record and returns it.
func (s *Store) StartTrainingRun(ctx context.Context, dam string) (*TrainingRun, error) {
	run := &TrainingRun{Dam: dam, StartedAt: s.now()}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO training_runs (dam, started_at, success) VALUES (?, ?, FALSE)
	`, run.Dam, run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("insert training run: %w", err)
	}
	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteTrainingRun records the outcome of run.
func (s *Store) CompleteTrainingRun(ctx context.Context, run *TrainingRun) error {
	if run == nil {
		return nil
	}
	run.FinishedAt = sql.NullTime{Time: s.now(), Valid: true}
	_, err := s.db.ExecContext(ctx, `
		UPDATE training_runs SET
			finished_at = ?,
			success = ?,
			epochs_run = ?,
			best_epoch = ?,
			best_loss = ?,
			monitor = ?,
			train_windows = ?,
			val_windows = ?,
			model_version_id = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.Success, run.EpochsRun, run.BestEpoch, run.BestLoss, run.Monitor,
		run.TrainWindows, run.ValWindows, run.ModelVersionID, run.ErrorMessage, run.ID)
	return err
}

// RecentTrainingRuns returns the latest runs for dam, newest first.
func (s *Store) RecentTrainingRuns(ctx context.Context, dam string, limit int) ([]TrainingRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dam, started_at, finished_at, success, epochs_run, best_epoch, best_loss, monitor,
			train_windows, val_windows, model_version_id, error_message
		FROM training_runs
		WHERE dam = ?
		ORDER BY id DESC
		LIMIT ?
	`, dam, limit)
	if err != nil {
		return nil, fmt.Errorf("query training runs: %w", err)
	}
	defer rows.Close()

	var runs []TrainingRun
	for rows.Next() {
		var r TrainingRun
		if err := rows.Scan(&r.ID, &r.Dam, &r.StartedAt, &r.FinishedAt, &r.Success, &r.EpochsRun,
			&r.BestEpoch, &r.BestLoss, &r.Monitor, &r.TrainWindows, &r.ValWindows,
			&r.ModelVersionID, &r.ErrorMessage); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
