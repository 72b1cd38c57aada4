package repo

import (
	"context"
	"database/sql"

	"rotaro/internal/domain"
)

const instanceColumns = `id,definition_name,assigned_user,external_id,assigned_at,soft_deadline,hard_deadline,completed_at,sync_marker,status,version`

func scanInstance(scan func(...any) error) (domain.TaskInstance, error) {
	var i domain.TaskInstance
	var externalID, completedAt sql.NullString
	var assignedAt, soft, hard string
	err := scan(&i.ID, &i.DefinitionName, &i.AssignedUser, &externalID, &assignedAt, &soft, &hard, &completedAt, &i.SyncMarker, &i.Status, &i.Version)
	if err != nil {
		return i, err
	}
	i.AssignedAt = parseTime(assignedAt)
	i.SoftDeadline = parseTime(soft)
	i.HardDeadline = parseTime(hard)
	if externalID.Valid {
		i.ExternalID = &externalID.String
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		i.CompletedAt = &t
	}
	return i, nil
}

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, i domain.TaskInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_instances(id,definition_name,assigned_user,external_id,assigned_at,soft_deadline,hard_deadline,completed_at,sync_marker,status,version)
VALUES (?,?,?,?,?,?,?,?,?,?,1)`,
		i.ID, i.DefinitionName, i.AssignedUser, nullableStringPtr(i.ExternalID),
		formatTime(i.AssignedAt), formatTime(i.SoftDeadline), formatTime(i.HardDeadline),
		nullableTime(i.CompletedAt), i.SyncMarker, i.Status)
	return err
}

// UpdateInstance writes an instance back using its Version as a compare-and-set
// guard. A stale version returns ErrConflict; the caller retries next cycle.
func (r Repo) UpdateInstance(ctx context.Context, tx *sql.Tx, i domain.TaskInstance) error {
	res, err := tx.ExecContext(ctx, `UPDATE task_instances SET
	assigned_user=?, external_id=?, assigned_at=?, soft_deadline=?, hard_deadline=?,
	completed_at=?, sync_marker=?, status=?, version=version+1
WHERE id=? AND version=?`,
		i.AssignedUser, nullableStringPtr(i.ExternalID),
		formatTime(i.AssignedAt), formatTime(i.SoftDeadline), formatTime(i.HardDeadline),
		nullableTime(i.CompletedAt), i.SyncMarker, i.Status,
		i.ID, i.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// SetExternalID records the provider-side id after the driver applies a create
// intent. Not version-guarded: it touches only the external pointer.
func (r Repo) SetExternalID(ctx context.Context, instanceID string, externalID *string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE task_instances SET external_id=? WHERE id=?`, nullableStringPtr(externalID), instanceID)
	return err
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.TaskInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM task_instances WHERE id=?`, id)
	i, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	return i, err
}

func (r Repo) listInstances(ctx context.Context, query string, args ...any) ([]domain.TaskInstance, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskInstance
	for rows.Next() {
		i, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

func (r Repo) ListActiveInstances(ctx context.Context) ([]domain.TaskInstance, error) {
	return r.listInstances(ctx, `SELECT `+instanceColumns+` FROM task_instances WHERE status=? ORDER BY definition_name, assigned_at`, domain.StatusActive)
}

func (r Repo) ListActiveInstancesForDefinition(ctx context.Context, definition string) ([]domain.TaskInstance, error) {
	return r.listInstances(ctx, `SELECT `+instanceColumns+` FROM task_instances WHERE definition_name=? AND status=? ORDER BY assigned_at`, definition, domain.StatusActive)
}

// ActiveInstanceForUser returns the active instance of a definition held by a
// given user, if any.
func (r Repo) ActiveInstanceForUser(ctx context.Context, definition, user string) (domain.TaskInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM task_instances WHERE definition_name=? AND assigned_user=? AND status=? LIMIT 1`,
		definition, user, domain.StatusActive)
	i, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	return i, err
}

func (r Repo) ListInstances(ctx context.Context, includeTerminated bool) ([]domain.TaskInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM task_instances`
	if !includeTerminated {
		query += ` WHERE status='active'`
	}
	query += ` ORDER BY definition_name, assigned_at`
	return r.listInstances(ctx, query)
}

func (r Repo) InsertCompletion(ctx context.Context, tx *sql.Tx, e domain.CompletionEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO completion_history(instance_id,user,completed_at,trigger_type) VALUES (?,?,?,?)`,
		e.InstanceID, e.User, formatTime(e.CompletedAt), e.Trigger)
	return err
}

func (r Repo) ListCompletions(ctx context.Context, instanceID string, limit int) ([]domain.CompletionEntry, error) {
	query := `SELECT id,instance_id,user,completed_at,trigger_type FROM completion_history`
	var args []any
	if instanceID != "" {
		query += ` WHERE instance_id=?`
		args = append(args, instanceID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CompletionEntry
	for rows.Next() {
		var e domain.CompletionEntry
		var completedAt string
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.User, &completedAt, &e.Trigger); err != nil {
			return nil, err
		}
		e.CompletedAt = parseTime(completedAt)
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
