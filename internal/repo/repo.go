// Package repo is the registry: artifacts, tasks and their rule results
// persisted in sqlite. Status updates are single-writer-per-key and happen
// in transactions, so a reader never observes a task whose status and
// output/error disagree.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"packline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- artifacts ---

// InsertArtifactTx records a new artifact inside the caller's transaction,
// so the row and its upload event land together.
func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(id,filename,size,checksum,cache_status,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.Filename, a.Size, a.Checksum, a.CacheStatus, a.CreatedAt)
	return err
}

func scanArtifact(row *sql.Row) (domain.Artifact, error) {
	var a domain.Artifact
	err := row.Scan(&a.ID, &a.Filename, &a.Size, &a.Checksum, &a.CacheStatus, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx,
		`SELECT id,filename,size,checksum,cache_status,created_at FROM artifacts WHERE id=?`, id))
}

func (r Repo) ListArtifacts(ctx context.Context) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,filename,size,checksum,cache_status,created_at FROM artifacts ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.ID, &a.Filename, &a.Size, &a.Checksum, &a.CacheStatus, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountTasksByArtifact returns task counts keyed by artifact id.
func (r Repo) CountTasksByArtifact(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT artifact_id, COUNT(*) FROM tasks GROUP BY artifact_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// SetArtifactCacheStatusTx flips the one-way cache status.
func (r Repo) SetArtifactCacheStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE artifacts SET cache_status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteArtifactTx removes the artifact row; tasks and their rule results
// go with it via ON DELETE CASCADE.
func (r Repo) DeleteArtifactTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tasks ---

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	rulesJSON, err := json.Marshal(t.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,artifact_id,status,rules_json,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.ArtifactID, t.Status, string(rulesJSON), t.CreatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	var rulesJSON string
	var output, errMsg, completedAt sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,artifact_id,status,rules_json,output_path,error,created_at,completed_at FROM tasks WHERE id=?`, id).
		Scan(&t.ID, &t.ArtifactID, &t.Status, &rulesJSON, &output, &errMsg, &t.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(rulesJSON), &t.Rules); err != nil {
		return t, fmt.Errorf("unmarshal rules: %w", err)
	}
	if output.Valid {
		t.OutputPath = output.String
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	t.RuleResults, err = r.listRuleResults(ctx, id)
	return t, err
}

func (r Repo) listRuleResults(ctx context.Context, taskID string) ([]domain.RuleResult, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT rule_index,success,message FROM rule_results WHERE task_id=? ORDER BY rule_index`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuleResult
	for rows.Next() {
		var rr domain.RuleResult
		if err := rows.Scan(&rr.Index, &rr.Success, &rr.Message); err != nil {
			return nil, err
		}
		res = append(res, rr)
	}
	return res, rows.Err()
}

// ListTasksByArtifact returns summaries in creation order.
func (r Repo) ListTasksByArtifact(ctx context.Context, artifactID string) ([]domain.TaskSummary, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,artifact_id,status,created_at,completed_at FROM tasks WHERE artifact_id=? ORDER BY created_at, id`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskSummary
	for rows.Next() {
		var s domain.TaskSummary
		var completedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.ArtifactID, &s.Status, &s.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			s.CompletedAt = &completedAt.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) TaskIDsByArtifact(ctx context.Context, artifactID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE artifact_id=? ORDER BY created_at, id`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkTaskProcessingTx transitions pending -> processing. Guarding on the
// current status keeps the transition single-shot even if a task id were
// ever queued twice.
func (r Repo) MarkTaskProcessingTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=? WHERE id=? AND status=?`,
		domain.TaskProcessing, id, domain.TaskPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is not pending", id)
	}
	return nil
}

// CompleteTaskTx records a terminal success: status, output location and
// the ordered rule results become visible in one transaction.
func (r Repo) CompleteTaskTx(ctx context.Context, tx *sql.Tx, id, outputPath, completedAt string, results []domain.RuleResult) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, output_path=?, completed_at=? WHERE id=? AND status=?`,
		domain.TaskCompleted, outputPath, completedAt, id, domain.TaskProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is not processing", id)
	}
	return r.insertRuleResultsTx(ctx, tx, id, results)
}

// FailTaskTx records a terminal failure with the results gathered before
// the fatal error.
func (r Repo) FailTaskTx(ctx context.Context, tx *sql.Tx, id, message, completedAt string, results []domain.RuleResult) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, error=?, completed_at=? WHERE id=? AND status=?`,
		domain.TaskFailed, message, completedAt, id, domain.TaskProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is not processing", id)
	}
	return r.insertRuleResultsTx(ctx, tx, id, results)
}

func (r Repo) insertRuleResultsTx(ctx context.Context, tx *sql.Tx, taskID string, results []domain.RuleResult) error {
	for _, rr := range results {
		if _, err := tx.ExecContext(ctx, `INSERT INTO rule_results(task_id,rule_index,success,message) VALUES (?,?,?,?)`,
			taskID, rr.Index, rr.Success, rr.Message); err != nil {
			return err
		}
	}
	return nil
}

// FailStaleProcessing marks tasks left processing by a previous process as
// failed. Execution is not resumable across restarts.
func (r Repo) FailStaleProcessing(ctx context.Context, completedAt string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, error=?, completed_at=? WHERE status=?`,
		domain.TaskFailed, "interrupted by shutdown", completedAt, domain.TaskProcessing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,ts,type,COALESCE(artifact_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ArtifactID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
