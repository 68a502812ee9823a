package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"devflow/internal/domain"
)

const stepColumns = `job_id,name,position,status,output_json,error,started_at,finished_at`

func scanStep(row rowScanner) (domain.Step, error) {
	var s domain.Step
	var output, errMsg, startedAt, finishedAt sql.NullString
	err := row.Scan(&s.JobID, &s.Name, &s.Position, &s.Status, &output, &errMsg, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if output.Valid && output.String != "" {
		if err := json.Unmarshal([]byte(output.String), &s.Output); err != nil {
			return s, fmt.Errorf("decode step output for %s/%s: %w", s.JobID, s.Name, err)
		}
	}
	if errMsg.Valid {
		s.Error = errMsg.String
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.String
	}
	if finishedAt.Valid {
		s.FinishedAt = &finishedAt.String
	}
	return s, nil
}

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO job_steps(job_id,name,position,status) VALUES (?,?,?,?)`,
		s.JobID, s.Name, s.Position, s.Status)
	return err
}

func (r Repo) UpdateStep(ctx context.Context, s domain.Step) error {
	output, err := marshalMetadata(s.Output)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE job_steps SET status=?, output_json=?, error=?, started_at=?, finished_at=? WHERE job_id=? AND name=?`,
		s.Status, output, nullable(s.Error), nullableStringPtr(s.StartedAt), nullableStringPtr(s.FinishedAt), s.JobID, s.Name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListSteps(ctx context.Context, jobID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepColumns+` FROM job_steps WHERE job_id=? ORDER BY position`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
