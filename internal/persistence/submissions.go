package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/judgebridge/judgebridge/internal/bridge"
)

// Submission lifecycle statuses kept for operational visibility; the
// bridge never reads them back.
const (
	SubmissionQueued   = "queued"
	SubmissionRequeued = "requeued"
	SubmissionFailed   = "failed"
)

// SubmissionRow is the stored metadata for one submission.
type SubmissionRow struct {
	SubmissionID string
	ProblemID    string
	Language     string
	TimeLimit    float64
	MemoryLimit  int64
	ShortCircuit bool
	PretestsOnly bool
	ContestNo    int64
	AttemptNo    int64
	UserID       int64
	Status       string
}

// SubmissionData implements the bridge's SubmissionStore contract.
func (d *DB) SubmissionData(ctx context.Context, submissionID string) (bridge.DispatchRequest, error) {
	trimmed := strings.TrimSpace(submissionID)
	if trimmed == "" {
		return bridge.DispatchRequest{}, bridge.ErrSubmissionNotFound
	}

	row := d.sql.QueryRowContext(ctx, `
		SELECT time_limit, memory_limit, short_circuit, pretests_only,
		       contest_no, attempt_no, user_id
		FROM submissions WHERE submission_id = ?`, trimmed)

	var req bridge.DispatchRequest
	var shortCircuit, pretestsOnly int64
	err := row.Scan(&req.TimeLimit, &req.MemoryLimit, &shortCircuit,
		&pretestsOnly, &req.ContestNo, &req.AttemptNo, &req.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return bridge.DispatchRequest{}, bridge.ErrSubmissionNotFound
	}
	if err != nil {
		return bridge.DispatchRequest{}, fmt.Errorf("load submission %s: %w", trimmed, err)
	}
	req.ShortCircuit = shortCircuit != 0
	req.PretestsOnly = pretestsOnly != 0
	return req, nil
}

func (d *DB) UpsertSubmission(ctx context.Context, row SubmissionRow) error {
	trimmed := strings.TrimSpace(row.SubmissionID)
	if trimmed == "" {
		return errors.New("submission_id is required")
	}
	status := row.Status
	if status == "" {
		status = SubmissionQueued
	}
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO submissions (
			submission_id, problem_id, language, time_limit, memory_limit,
			short_circuit, pretests_only, contest_no, attempt_no, user_id,
			status, updated_at_unix_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (submission_id) DO UPDATE SET
			problem_id = excluded.problem_id,
			language = excluded.language,
			time_limit = excluded.time_limit,
			memory_limit = excluded.memory_limit,
			short_circuit = excluded.short_circuit,
			pretests_only = excluded.pretests_only,
			contest_no = excluded.contest_no,
			attempt_no = excluded.attempt_no,
			user_id = excluded.user_id,
			status = excluded.status,
			updated_at_unix_ms = excluded.updated_at_unix_ms`,
		trimmed, row.ProblemID, row.Language, row.TimeLimit, row.MemoryLimit,
		boolToInt(row.ShortCircuit), boolToInt(row.PretestsOnly),
		row.ContestNo, row.AttemptNo, row.UserID,
		status, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert submission %s: %w", trimmed, err)
	}
	return nil
}

func (d *DB) SetSubmissionStatus(ctx context.Context, submissionID string, status string) error {
	result, err := d.sql.ExecContext(ctx, `
		UPDATE submissions SET status = ?, updated_at_unix_ms = ?
		WHERE submission_id = ?`,
		status, time.Now().UnixMilli(), strings.TrimSpace(submissionID))
	if err != nil {
		return fmt.Errorf("update submission %s status: %w", submissionID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return bridge.ErrSubmissionNotFound
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
