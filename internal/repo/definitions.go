package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"rotaro/internal/domain"
)

func (r Repo) UpsertDefinition(ctx context.Context, tx *sql.Tx, d domain.TaskDefinition) error {
	actors, err := json.Marshal(d.Actors)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO task_definitions(name,category,repeat_seconds,grace_seconds,active_from,actors_json,behavior,retired,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,0,?,?)
ON CONFLICT(name) DO UPDATE SET
	category=excluded.category,
	repeat_seconds=excluded.repeat_seconds,
	grace_seconds=excluded.grace_seconds,
	active_from=excluded.active_from,
	actors_json=excluded.actors_json,
	behavior=excluded.behavior,
	retired=0,
	updated_at=excluded.updated_at`,
		d.Name, d.Category, int64(d.RepeatPeriod/time.Second), int64(d.GracePeriod/time.Second),
		nullableTime(d.ActiveFrom), string(actors), string(d.Behavior), d.CreatedAt, d.UpdatedAt)
	return err
}

// RetireDefinitionsExcept flags every non-retired definition whose name is not
// in keep, and returns the names it retired.
func (r Repo) RetireDefinitionsExcept(ctx context.Context, tx *sql.Tx, keep []string, updatedAt string) ([]string, error) {
	keepSet := make(map[string]bool, len(keep))
	for _, n := range keep {
		keepSet[n] = true
	}
	rows, err := tx.QueryContext(ctx, `SELECT name FROM task_definitions WHERE retired=0`)
	if err != nil {
		return nil, err
	}
	var retired []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		if !keepSet[name] {
			retired = append(retired, name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, name := range retired {
		if _, err := tx.ExecContext(ctx, `UPDATE task_definitions SET retired=1, updated_at=? WHERE name=?`, updatedAt, name); err != nil {
			return nil, err
		}
	}
	return retired, nil
}

func scanDefinition(scan func(...any) error) (domain.TaskDefinition, error) {
	var d domain.TaskDefinition
	var repeatSec, graceSec int64
	var activeFrom, actorsJSON sql.NullString
	var behavior string
	var retired int
	err := scan(&d.Name, &d.Category, &repeatSec, &graceSec, &activeFrom, &actorsJSON, &behavior, &retired, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return d, err
	}
	d.RepeatPeriod = time.Duration(repeatSec) * time.Second
	d.GracePeriod = time.Duration(graceSec) * time.Second
	if activeFrom.Valid {
		t := parseTime(activeFrom.String)
		d.ActiveFrom = &t
	}
	if actorsJSON.Valid {
		_ = json.Unmarshal([]byte(actorsJSON.String), &d.Actors)
	}
	d.Behavior = domain.OverdueBehavior(behavior)
	d.Retired = retired != 0
	return d, nil
}

const definitionColumns = `name,category,repeat_seconds,grace_seconds,active_from,actors_json,behavior,retired,created_at,updated_at`

func (r Repo) GetDefinition(ctx context.Context, name string) (domain.TaskDefinition, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM task_definitions WHERE name=?`, name)
	d, err := scanDefinition(row.Scan)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) ListDefinitions(ctx context.Context, includeRetired bool) ([]domain.TaskDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM task_definitions`
	if !includeRetired {
		query += ` WHERE retired=0`
	}
	query += ` ORDER BY name`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskDefinition
	for rows.Next() {
		d, err := scanDefinition(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
