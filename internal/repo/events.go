package repo

import (
	"context"
	"database/sql"

	"rotaro/internal/domain"
)

// ListEvents returns the most recent events, newest first.
func (r Repo) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,entity_id,payload_json FROM events ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.Payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}
