// Package repo reads and writes the vault index tables.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"vaultline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// InsertEvent indexes one audit entry. Re-inserting an id is a no-op.
func (r Repo) InsertEvent(ctx context.Context, e domain.Event) error {
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO events(id,ts,action_type,actor,file,payload_json) VALUES (?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		e.ID, e.TS, e.ActionType, e.Actor, nullable(e.File), string(data))
	return err
}

// LatestEvents returns the newest events first. actionType filters when set.
func (r Repo) LatestEvents(ctx context.Context, limit int, actionType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if actionType != "" {
		clauses = append(clauses, "action_type=?")
		args = append(args, actionType)
	}
	query := fmt.Sprintf(`SELECT id,ts,action_type,actor,COALESCE(file,''),payload_json FROM events WHERE %s ORDER BY seq DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.ActionType, &e.Actor, &e.File, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			e.Payload = map[string]any{}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountEventsSince counts events of one action type at or after ts.
func (r Repo) CountEventsSince(ctx context.Context, actionType, ts string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE action_type=? AND ts>=?`, actionType, ts).Scan(&n)
	return n, err
}

func (r Repo) InsertJobRun(ctx context.Context, run domain.JobRun) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO job_runs(id,job,zone,started_at,finished_at,status,error) VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.Job, run.Zone, run.StartedAt, run.FinishedAt, run.Status, nullableStringPtr(run.Error))
	return err
}

// LatestJobRuns returns the newest runs first. job filters when set.
func (r Repo) LatestJobRuns(ctx context.Context, limit int, job string) ([]domain.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if job != "" {
		clauses = append(clauses, "job=?")
		args = append(args, job)
	}
	query := fmt.Sprintf(`SELECT id,job,zone,started_at,finished_at,status,error FROM job_runs WHERE %s ORDER BY started_at DESC, id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobRun
	for rows.Next() {
		var run domain.JobRun
		var errText sql.NullString
		if err := rows.Scan(&run.ID, &run.Job, &run.Zone, &run.StartedAt, &run.FinishedAt, &run.Status, &errText); err != nil {
			return nil, err
		}
		run.Error = stringPtr(errText)
		res = append(res, run)
	}
	return res, rows.Err()
}

// LastJobRun returns the most recent run of job.
func (r Repo) LastJobRun(ctx context.Context, job string) (domain.JobRun, error) {
	runs, err := r.LatestJobRuns(ctx, 1, job)
	if err != nil {
		return domain.JobRun{}, err
	}
	if len(runs) == 0 {
		return domain.JobRun{}, ErrNotFound
	}
	return runs[0], nil
}
