package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/atlasvpn/atlas/internal/common"
	"github.com/atlasvpn/atlas/internal/dbx"
	"github.com/atlasvpn/atlas/internal/server/models"
)

const userColumns = `id, username, password_hash, data_limit_bytes, expires_at,
	bytes_sent, bytes_received, enabled, expired, limit_exceeded,
	disabled_at, disabled_reason, notes, created_at, updated_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.DataLimitBytes, &u.ExpiresAt,
		&u.BytesSent, &u.BytesReceived, &u.Enabled, &u.Expired, &u.LimitExceeded,
		&u.DisabledAt, &u.DisabledReason, &u.Notes, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {

	query :=
		`INSERT INTO users (username, password_hash, data_limit_bytes, expires_at, enabled, notes)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at
		 `

	err := r.db.QueryRowContext(ctx, query,
		user.Username, user.PasswordHash, user.DataLimitBytes, user.ExpiresAt,
		user.Enabled, user.Notes).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return nil, common.ErrAlreadyExists
		}
		return nil, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	return user, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	return user, nil
}

func (r *PostgresRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	return user, nil
}

func (r *PostgresRepository) List(ctx context.Context, offset, limit int) ([]*models.User, int, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at OFFSET $1 LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	defer rows.Close()

	var result []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", common.ErrPersistence, err)
		}
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	return result, total, nil
}

func (r *PostgresRepository) ListEnabled(ctx context.Context) ([]*models.User, error) {
	return r.listByStatus(ctx, true)
}

func (r *PostgresRepository) ListDisabled(ctx context.Context) ([]*models.User, error) {
	return r.listByStatus(ctx, false)
}

func (r *PostgresRepository) listByStatus(ctx context.Context, enabled bool) ([]*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE enabled = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, enabled)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	defer rows.Close()

	var result []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrPersistence, err)
		}
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	return result, nil
}

// UpdatePolicy writes back a snapshot guarded by its updated_at version, so
// a Disable that landed after the caller's read surfaces as ErrConflict
// instead of being silently erased.
func (r *PostgresRepository) UpdatePolicy(ctx context.Context, user *models.User) error {
	query :=
		`UPDATE users
		 SET data_limit_bytes = $2, expires_at = $3, enabled = $4, expired = $5,
		     limit_exceeded = $6, disabled_at = $7, disabled_reason = $8,
		     notes = $9, updated_at = now()
		 WHERE id = $1 AND updated_at = $10
		 RETURNING updated_at
		 `

	err := r.db.QueryRowContext(ctx, query, user.ID,
		user.DataLimitBytes, user.ExpiresAt, user.Enabled, user.Expired,
		user.LimitExceeded, user.DisabledAt, user.DisabledReason, user.Notes,
		user.UpdatedAt).Scan(&user.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	if _, err := r.GetByID(ctx, user.ID); err != nil {
		return err
	}
	return common.ErrConflict
}

func (r *PostgresRepository) UpdatePassword(ctx context.Context, id string, passwordHash string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`,
		id, passwordHash)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}

	return nil
}

func (r *PostgresRepository) AddUsage(ctx context.Context, id string, sent, received int64) error {
	query :=
		`UPDATE users
		 SET bytes_sent = bytes_sent + $2, bytes_received = bytes_received + $3, updated_at = now()
		 WHERE id = $1
		 `

	res, err := r.db.ExecContext(ctx, query, id, sent, received)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}

	return nil
}

func (r *PostgresRepository) Disable(ctx context.Context, id string, expired, limitExceeded bool, reason string, at time.Time) (bool, error) {
	query :=
		`UPDATE users
		 SET enabled = FALSE, expired = expired OR $2, limit_exceeded = limit_exceeded OR $3,
		     disabled_at = $4, disabled_reason = $5, updated_at = now()
		 WHERE id = $1 AND enabled
		 `

	res, err := r.db.ExecContext(ctx, query, id, expired, limitExceeded, at, reason)
	if err != nil {
		return false, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	return n > 0, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}

	return nil
}
