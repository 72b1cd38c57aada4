package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rotaro/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a compare-and-set miss: the row changed under us.
	ErrConflict = errors.New("store conflict")
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(name,email,credentials_json,created_at) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET email=excluded.email`,
		u.Name, u.Email, nullable(u.CredentialsJSON), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, name string) (domain.User, error) {
	var u domain.User
	var creds sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT name,email,credentials_json,created_at FROM users WHERE name=?`, name).
		Scan(&u.Name, &u.Email, &creds, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if creds.Valid {
		u.CredentialsJSON = creds.String
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,email,credentials_json,created_at FROM users ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var creds sql.NullString
		if err := rows.Scan(&u.Name, &u.Email, &creds, &u.CreatedAt); err != nil {
			return nil, err
		}
		if creds.Valid {
			u.CredentialsJSON = creds.String
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) UpdateUserCredentials(ctx context.Context, name, credsJSON string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET credentials_json=? WHERE name=?`, nullable(credsJSON), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
