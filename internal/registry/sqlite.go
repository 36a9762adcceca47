package registry

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-fleet/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	operator TEXT NOT NULL,
	agent_kind TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	classification TEXT NOT NULL DEFAULT '',
	branch TEXT NOT NULL,
	worktree_path TEXT NOT NULL DEFAULT '',
	container_id TEXT NOT NULL DEFAULT '',
	tmux_session TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	pr_number INTEGER NOT NULL DEFAULT 0,
	ci_status TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	retries INTEGER NOT NULL DEFAULT 0,
	spawned_at TIMESTAMP,
	completed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	identity_id TEXT NOT NULL DEFAULT '',
	group_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_operator ON tasks(operator);
`

const taskColumns = `id, operator, agent_kind, model, classification, branch, worktree_path,
	container_id, tmux_session, status, version, pr_number, ci_status, failure_reason,
	retries, spawned_at, completed_at, created_at, updated_at, identity_id, group_id`

var terminalStatuses = []string{
	string(domain.StatusMerged),
	string(domain.StatusFailed),
	string(domain.StatusAbandoned),
	string(domain.StatusRejected),
	string(domain.StatusCancelled),
}

// SQLiteRegistry provides SQLite-backed task persistence
type SQLiteRegistry struct {
	db *sql.DB
}

// Open creates a SQLiteRegistry at the given database path
func Open(dbPath string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLiteRegistry{db: db}, nil
}

// Close closes the database connection
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

// Insert stores a new record at version 1
func (r *SQLiteRegistry) Insert(rec *domain.TaskRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Version = 1

	_, err := r.db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.Operator, rec.AgentKind, rec.Model, rec.Classification,
		rec.Branch, rec.WorktreePath, rec.ContainerID, rec.TmuxSession,
		string(rec.Status), rec.Version, rec.PRNumber, rec.CIStatus,
		rec.FailureReason, rec.Retries, rec.SpawnedAt, rec.CompletedAt,
		rec.CreatedAt, rec.UpdatedAt, rec.IdentityID, rec.GroupID,
	)
	return err
}

// Get retrieves a record by id
func (r *SQLiteRegistry) Get(id string) (*domain.TaskRecord, error) {
	row := r.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTaskNotFound
	}
	return rec, err
}

// ListLive returns every record in a non-terminal status
func (r *SQLiteRegistry) ListLive() ([]*domain.TaskRecord, error) {
	placeholders := strings.Repeat("?,", len(terminalStatuses)-1) + "?"
	args := make([]interface{}, len(terminalStatuses))
	for i, s := range terminalStatuses {
		args[i] = s
	}

	rows, err := r.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE status NOT IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Transition applies a guarded status change. The UPDATE carries the
// version check so the read-modify-write cannot race another writer.
func (r *SQLiteRegistry) Transition(id string, expectedVersion int, newStatus domain.TaskStatus, patch domain.Patch) error {
	set := []string{"status = ?", "version = version + 1", "updated_at = ?"}
	args := []interface{}{string(newStatus), time.Now().UTC()}

	if patch.PRNumber != nil {
		set = append(set, "pr_number = ?")
		args = append(args, *patch.PRNumber)
	}
	if patch.CIStatus != nil {
		set = append(set, "ci_status = ?")
		args = append(args, *patch.CIStatus)
	}
	if patch.FailureReason != nil {
		set = append(set, "failure_reason = ?")
		args = append(args, *patch.FailureReason)
	}
	if patch.ContainerID != nil {
		set = append(set, "container_id = ?")
		args = append(args, *patch.ContainerID)
	}
	if patch.TmuxSession != nil {
		set = append(set, "tmux_session = ?")
		args = append(args, *patch.TmuxSession)
	}
	if patch.SpawnedAt != nil {
		set = append(set, "spawned_at = ?")
		args = append(args, *patch.SpawnedAt)
	}
	if patch.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, *patch.CompletedAt)
	}
	if patch.Retries != nil {
		set = append(set, "retries = ?")
		args = append(args, *patch.Retries)
	}

	args = append(args, id, expectedVersion)
	res, err := r.db.Exec(`UPDATE tasks SET `+strings.Join(set, ", ")+` WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the record is gone or the version moved under us;
		// distinguish the two for the caller.
		var actual int
		err := r.db.QueryRow(`SELECT version FROM tasks WHERE id = ?`, id).Scan(&actual)
		if err == sql.ErrNoRows {
			return domain.ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		return &domain.ConflictError{TaskID: id, ExpectedVersion: expectedVersion, ActualVersion: actual}
	}
	return nil
}

// Query returns records matching the filter
func (r *SQLiteRegistry) Query(f Filter) ([]*domain.TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}

	if f.Operator != "" {
		query += " AND operator = ?"
		args = append(args, f.Operator)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.GroupID != "" {
		query += " AND group_id = ?"
		args = append(args, f.GroupID)
	}
	query += " ORDER BY created_at"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Delete removes a record
func (r *SQLiteRegistry) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func collectRecords(rows *sql.Rows) ([]*domain.TaskRecord, error) {
	var recs []*domain.TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanRecord(scan func(...interface{}) error) (*domain.TaskRecord, error) {
	var rec domain.TaskRecord
	var status string
	var spawnedAt, completedAt sql.NullTime

	err := scan(
		&rec.ID, &rec.Operator, &rec.AgentKind, &rec.Model, &rec.Classification,
		&rec.Branch, &rec.WorktreePath, &rec.ContainerID, &rec.TmuxSession,
		&status, &rec.Version, &rec.PRNumber, &rec.CIStatus, &rec.FailureReason,
		&rec.Retries, &spawnedAt, &completedAt, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.IdentityID, &rec.GroupID,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = domain.TaskStatus(status)
	if spawnedAt.Valid {
		rec.SpawnedAt = &spawnedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return &rec, nil
}
