// Package services contains server-side business logic. This file implements
// UserService, which owns the tunnel-user lifecycle: creation with credential
// provisioning, policy updates, password management and removal with cascade
// revocation.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/atlasvpn/atlas/internal/common"
	"github.com/atlasvpn/atlas/internal/dbx"
	"github.com/atlasvpn/atlas/internal/logging"
	"github.com/atlasvpn/atlas/internal/pki"
	"github.com/atlasvpn/atlas/internal/render"
	"github.com/atlasvpn/atlas/internal/server/models"
	"github.com/atlasvpn/atlas/internal/server/repositories/repomanager"
)

const (
	// disabledByAdminReason is recorded when an operator disables a user.
	disabledByAdminReason = "Disabled by admin"

	generatedPasswordLength = 16
	minPasswordLength       = 8
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

// UserService provides tunnel-user operations on top of the store, the PKI
// provider and the config renderer.
type UserService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	issuer      pki.Issuer
	renderer    *render.Renderer
	logger      logging.Logger
	now         func() time.Time
}

// NewUserService constructs a UserService over its collaborators.
func NewUserService(db *sql.DB, m repomanager.RepositoryManager, issuer pki.Issuer,
	renderer *render.Renderer, logger logging.Logger) *UserService {
	return &UserService{
		db:          db,
		repomanager: m,
		issuer:      issuer,
		renderer:    renderer,
		logger:      logger,
		now:         time.Now,
	}
}

// CreateUserRequest carries the optional inputs of CreateUser. Empty
// Username and Password are generated; empty Protocols provisions every
// supported variant.
type CreateUserRequest struct {
	Username       string
	Password       string
	DataLimitBytes *int64
	ExpiresAt      *time.Time
	Notes          string
	Protocols      []models.Protocol
}

// RenderedConfig is a client-ready config artifact. Content includes secret
// material only when produced at issuance time.
type RenderedConfig struct {
	Protocol  models.Protocol
	FileName  string
	Content   string
	Handle    string
	Simulated bool
}

// CreatedUser is the one-time result of CreateUser. Password and the
// config contents carry secrets that are not retrievable again.
type CreatedUser struct {
	User     *models.User
	Password string
	Configs  []RenderedConfig
}

// CreateUser creates the user record and provisions one credential per
// requested protocol. Provisioning is all-or-nothing: when any issuance
// fails, already-issued credentials are revoked and the user record is
// removed, so no partially provisioned user is ever visible.
func (s *UserService) CreateUser(ctx context.Context, req CreateUserRequest) (*CreatedUser, error) {
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	protocols := req.Protocols
	if len(protocols) == 0 {
		protocols = models.Protocols()
	}

	password := req.Password
	if password == "" {
		generated, err := common.GeneratePassword(generatedPasswordLength)
		if err != nil {
			return nil, fmt.Errorf("%w: generating password: %v", common.ErrInternal, err)
		}
		password = generated
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("%w: hashing password: %v", common.ErrInternal, err)
	}

	user, err := s.createRecord(ctx, req, string(hash))
	if err != nil {
		return nil, err
	}

	configs, err := s.provision(ctx, user, protocols)
	if err != nil {
		s.rollbackCreate(ctx, user)
		return nil, err
	}

	s.logger.Info(ctx, "user created", "user", user.Username, "protocols", len(configs))

	return &CreatedUser{User: user, Password: password, Configs: configs}, nil
}

func (s *UserService) validateCreate(req CreateUserRequest) error {
	if req.Username != "" && !usernamePattern.MatchString(req.Username) {
		return fmt.Errorf("%w: username must be 3-64 alphanumeric characters (-, _ allowed)", common.ErrValidation)
	}
	if req.Password != "" && len(req.Password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", common.ErrValidation, minPasswordLength)
	}
	if req.DataLimitBytes != nil && *req.DataLimitBytes < 0 {
		return fmt.Errorf("%w: data limit must not be negative", common.ErrValidation)
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(s.now()) {
		return fmt.Errorf("%w: expiry must be in the future", common.ErrValidation)
	}
	for _, p := range req.Protocols {
		if _, err := models.ParseProtocol(string(p)); err != nil {
			return err
		}
	}
	return nil
}

// createRecord inserts the user row, generating a fresh username on
// collision when the caller did not pick one.
func (s *UserService) createRecord(ctx context.Context, req CreateUserRequest, hash string) (*models.User, error) {
	repo := s.repomanager.Users(s.db)

	for attempt := 0; attempt < 3; attempt++ {
		username := req.Username
		if username == "" {
			generated, err := common.GenerateUsername("user")
			if err != nil {
				return nil, fmt.Errorf("%w: generating username: %v", common.ErrInternal, err)
			}
			username = generated
		}

		user, err := repo.Create(ctx, &models.User{
			Username:       username,
			PasswordHash:   hash,
			DataLimitBytes: req.DataLimitBytes,
			ExpiresAt:      req.ExpiresAt,
			Enabled:        true,
			Notes:          req.Notes,
		})
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, common.ErrAlreadyExists) || req.Username != "" {
			return nil, err
		}
		// Generated username collided, try another.
	}
	return nil, fmt.Errorf("%w: could not allocate a unique username", common.ErrInternal)
}

// provision issues one credential per protocol and records the config rows.
// The rendered artifacts carry the secret material exactly once.
func (s *UserService) provision(ctx context.Context, user *models.User, protocols []models.Protocol) ([]RenderedConfig, error) {
	repo := s.repomanager.Configs(s.db)

	var rendered []RenderedConfig
	var issued []models.Credential
	for _, protocol := range protocols {
		cred, err := s.issuer.Issue(ctx, protocol, user.Username)
		if err != nil {
			s.revokeIssued(ctx, issued)
			return nil, err
		}
		issued = append(issued, cred)

		if _, err := repo.Create(ctx, models.NewTunnelConfig(user.ID, cred)); err != nil {
			s.revokeIssued(ctx, issued)
			return nil, err
		}

		content, err := s.renderer.Render(user.Username, cred, s.now())
		if err != nil {
			s.revokeIssued(ctx, issued)
			return nil, err
		}
		rendered = append(rendered, RenderedConfig{
			Protocol:  protocol,
			FileName:  s.renderer.FileName(user.Username, protocol),
			Content:   content,
			Handle:    cred.Handle(),
			Simulated: cred.Simulated(),
		})
	}
	return rendered, nil
}

// revokeIssued best-effort revokes credentials issued before a provisioning
// failure. Failures here are logged, not returned; the store rows for the
// user are removed by the caller either way.
func (s *UserService) revokeIssued(ctx context.Context, issued []models.Credential) {
	for _, cred := range issued {
		if err := s.issuer.Revoke(ctx, cred.Protocol(), cred.Handle()); err != nil {
			s.logger.Error(ctx, "rollback revocation failed",
				"protocol", cred.Protocol(), "handle", cred.Handle(), "error", err)
		}
	}
}

func (s *UserService) rollbackCreate(ctx context.Context, user *models.User) {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.Configs(tx).DeleteByUser(ctx, user.ID); err != nil {
			return err
		}
		return s.repomanager.Users(tx).Delete(ctx, user.ID)
	})
	if err != nil {
		s.logger.Error(ctx, "rollback of partially created user failed",
			"user", user.Username, "error", err)
	}
}

// GetUser returns the user record together with all its config records.
func (s *UserService) GetUser(ctx context.Context, id string) (*models.User, []*models.TunnelConfig, error) {
	user, err := s.repomanager.Users(s.db).GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	configs, err := s.repomanager.Configs(s.db).ListByUser(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return user, configs, nil
}

// ListUsers returns a page of users and the total count.
func (s *UserService) ListUsers(ctx context.Context, offset, limit int) ([]*models.User, int, error) {
	if offset < 0 || limit < 0 {
		return nil, 0, fmt.Errorf("%w: offset and limit must not be negative", common.ErrValidation)
	}
	return s.repomanager.Users(s.db).List(ctx, offset, limit)
}

// UpdateUserRequest carries partial policy updates. Nil fields are left
// unchanged; the Clear flags reset the corresponding policy to unlimited.
type UpdateUserRequest struct {
	DataLimitBytes *int64
	ClearDataLimit bool
	ExpiresAt      *time.Time
	ExtendBy       *time.Duration
	ClearExpiry    bool
	Notes          *string
	Enabled        *bool
}

// UpdateUser applies policy updates. Relaxing a violated limit clears the
// matching violation flag, so the enforcement loop can re-admit the user.
// Disabling through this call revokes all active configs.
//
// The write is optimistic: when an enforcement cycle disables the user
// between the read and the write, the stale snapshot is rejected by the
// store and the update is re-applied on top of the fresh state.
func (s *UserService) UpdateUser(ctx context.Context, id string, req UpdateUserRequest) (*models.User, error) {
	disabledNow := req.Enabled != nil && !*req.Enabled

	for attempt := 0; attempt < 3; attempt++ {
		user, err := s.repomanager.Users(s.db).GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.applyUpdate(user, req); err != nil {
			return nil, err
		}

		if disabledNow {
			// Revoke before persisting so a store failure never leaves
			// a disabled user with live credentials.
			if err := s.revokeAllActive(ctx, id, disabledByAdminReason); err != nil {
				return nil, err
			}
		}

		err = s.repomanager.Users(s.db).UpdatePolicy(ctx, user)
		if errors.Is(err, common.ErrConflict) {
			s.logger.Warn(ctx, "user changed concurrently, re-applying update", "user", user.Username)
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info(ctx, "user updated", "user", user.Username, "enabled", user.Enabled)
		return user, nil
	}
	return nil, fmt.Errorf("%w: user %s kept changing concurrently", common.ErrConflict, id)
}

func (s *UserService) applyUpdate(user *models.User, req UpdateUserRequest) error {
	now := s.now()

	if req.ClearDataLimit {
		user.DataLimitBytes = nil
	} else if req.DataLimitBytes != nil {
		if *req.DataLimitBytes < 0 {
			return fmt.Errorf("%w: data limit must not be negative", common.ErrValidation)
		}
		limit := *req.DataLimitBytes
		user.DataLimitBytes = &limit
	}

	if req.ClearExpiry {
		user.ExpiresAt = nil
	} else if req.ExpiresAt != nil {
		expiry := *req.ExpiresAt
		user.ExpiresAt = &expiry
	} else if req.ExtendBy != nil {
		base := now
		if user.ExpiresAt != nil && user.ExpiresAt.After(now) {
			base = *user.ExpiresAt
		}
		extended := base.Add(*req.ExtendBy)
		user.ExpiresAt = &extended
	}

	if req.Notes != nil {
		user.Notes = *req.Notes
	}

	// Relaxed policies clear the matching violation flag and, when the
	// disable reason came from that violation, the reason as well.
	if user.Expired && (user.ExpiresAt == nil || user.ExpiresAt.After(now)) {
		user.Expired = false
		if user.DisabledReason == models.ReasonExpired {
			user.DisabledReason = ""
		}
	}
	if user.LimitExceeded && (user.DataLimitBytes == nil || user.TotalBytes() < *user.DataLimitBytes) {
		user.LimitExceeded = false
		if user.DisabledReason == models.ReasonLimitExceeded {
			user.DisabledReason = ""
		}
	}

	if req.Enabled != nil {
		if *req.Enabled {
			user.Expired = false
			user.LimitExceeded = false
			user.DisabledReason = ""
			user.DisabledAt = nil
		} else {
			user.DisabledReason = disabledByAdminReason
			at := now
			user.DisabledAt = &at
		}
	}

	user.Enabled = user.ComputeEnabled()
	if user.Enabled {
		user.DisabledAt = nil
		user.DisabledReason = ""
	} else if user.DisabledAt == nil {
		at := now
		user.DisabledAt = &at
	}
	return nil
}

// revokeAllActive revokes every active config of the user, provider first,
// then the store record. The first provider failure aborts.
func (s *UserService) revokeAllActive(ctx context.Context, userID, reason string) error {
	repo := s.repomanager.Configs(s.db)
	active, err := repo.ListActiveByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, cfg := range active {
		if err := s.issuer.Revoke(ctx, cfg.Protocol, cfg.CredentialHandle()); err != nil {
			return err
		}
		if _, err := repo.Revoke(ctx, cfg.ID, reason, s.now()); err != nil {
			return err
		}
	}
	return nil
}

// DeleteUser revokes every active credential and then removes the user and
// its config records. A revocation failure aborts the delete so no orphaned
// live credential can survive the record it belongs to.
func (s *UserService) DeleteUser(ctx context.Context, id string) error {
	user, err := s.repomanager.Users(s.db).GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.revokeAllActive(ctx, id, "User deleted"); err != nil {
		return err
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.Configs(tx).DeleteByUser(ctx, id); err != nil {
			return err
		}
		return s.repomanager.Users(tx).Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "user deleted", "user", user.Username)
	return nil
}

// ResetPassword replaces the user's password with a generated one and
// returns it. The plaintext is not retrievable afterwards.
func (s *UserService) ResetPassword(ctx context.Context, id string) (string, error) {
	password, err := common.GeneratePassword(generatedPasswordLength)
	if err != nil {
		return "", fmt.Errorf("%w: generating password: %v", common.ErrInternal, err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("%w: hashing password: %v", common.ErrInternal, err)
	}
	if err := s.repomanager.Users(s.db).UpdatePassword(ctx, id, string(hash)); err != nil {
		return "", err
	}
	return password, nil
}

// ChangePassword verifies the current password and replaces it.
func (s *UserService) ChangePassword(ctx context.Context, id, current, next string) error {
	if len(next) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", common.ErrValidation, minPasswordLength)
	}

	user, err := s.repomanager.Users(s.db).GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return fmt.Errorf("%w: current password does not match", common.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("%w: hashing password: %v", common.ErrInternal, err)
	}
	return s.repomanager.Users(s.db).UpdatePassword(ctx, id, string(hash))
}

// LimitsReport is the read-only policy standing of a user.
type LimitsReport struct {
	Expired       bool
	LimitExceeded bool
	UsagePercent  float64
	DaysRemaining *int
}

// CheckLimits reports the user's standing against its policy without
// changing any state; transitions are the enforcement loop's job.
func (s *UserService) CheckLimits(ctx context.Context, id string) (*LimitsReport, error) {
	user, err := s.repomanager.Users(s.db).GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	report := &LimitsReport{
		Expired:       user.Expired,
		LimitExceeded: user.LimitExceeded,
		UsagePercent:  user.UsagePercent(),
	}
	if user.ExpiresAt != nil {
		days := int(math.Ceil(user.ExpiresAt.Sub(now).Hours() / 24))
		if user.ExpiresAt.Before(now) {
			report.Expired = true
			days = 0
		}
		report.DaysRemaining = &days
	}
	if user.DataLimitBytes != nil && *user.DataLimitBytes > 0 && user.TotalBytes() >= *user.DataLimitBytes {
		report.LimitExceeded = true
	}
	return report, nil
}

// RecordUsage adds observed traffic to the user's accumulators.
func (s *UserService) RecordUsage(ctx context.Context, id string, sent, received int64) error {
	if sent < 0 || received < 0 {
		return fmt.Errorf("%w: usage deltas must not be negative", common.ErrValidation)
	}
	return s.repomanager.Users(s.db).AddUsage(ctx, id, sent, received)
}
