package configs

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

const configColumns = `id, user_id, protocol, is_active, revoked_at, revoked_reason,
	certificate_cn, public_key, identifier, simulated, created_at, updated_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanConfig(row interface{ Scan(...any) error }) (*models.TunnelConfig, error) {
	c := &models.TunnelConfig{}
	err := row.Scan(&c.ID, &c.UserID, &c.Protocol, &c.Active, &c.RevokedAt, &c.RevokedReason,
		&c.CertificateCN, &c.PublicKey, &c.Identifier, &c.Simulated, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *PostgresRepository) Create(ctx context.Context, config *models.TunnelConfig) (*models.TunnelConfig, error) {

	query :=
		`INSERT INTO tunnel_configs (user_id, protocol, is_active, certificate_cn, public_key, identifier, simulated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at
		 `

	err := r.db.QueryRowContext(ctx, query,
		config.UserID, config.Protocol, config.Active,
		config.CertificateCN, config.PublicKey, config.Identifier,
		config.Simulated).Scan(&config.ID, &config.CreatedAt, &config.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, common.ErrAlreadyExists
		}
		return nil, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	return config, nil
}

func (r *PostgresRepository) GetActive(ctx context.Context, userID string, protocol models.Protocol) (*models.TunnelConfig, error) {
	query := `SELECT ` + configColumns + ` FROM tunnel_configs
		 WHERE user_id = $1 AND protocol = $2 AND is_active`

	config, err := scanConfig(r.db.QueryRowContext(ctx, query, userID, protocol))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	return config, nil
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.TunnelConfig, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	defer rows.Close()

	var result []*models.TunnelConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrPersistence, err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	return result, nil
}

func (r *PostgresRepository) ListActiveByUser(ctx context.Context, userID string) ([]*models.TunnelConfig, error) {
	return r.list(ctx,
		`SELECT `+configColumns+` FROM tunnel_configs WHERE user_id = $1 AND is_active ORDER BY created_at`,
		userID)
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*models.TunnelConfig, error) {
	return r.list(ctx,
		`SELECT `+configColumns+` FROM tunnel_configs WHERE user_id = $1 ORDER BY created_at`,
		userID)
}

func (r *PostgresRepository) Revoke(ctx context.Context, id string, reason string, at time.Time) (bool, error) {
	query :=
		`UPDATE tunnel_configs
		 SET is_active = FALSE, revoked_at = $2, revoked_reason = $3, updated_at = now()
		 WHERE id = $1 AND is_active
		 `

	res, err := r.db.ExecContext(ctx, query, id, at, reason)
	if err != nil {
		return false, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	return n > 0, nil
}

func (r *PostgresRepository) DeleteByUser(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tunnel_configs WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	return nil
}
