package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/atlasvpn/atlas/internal/common"
	"github.com/atlasvpn/atlas/internal/logging"
	"github.com/atlasvpn/atlas/internal/pki"
	"github.com/atlasvpn/atlas/internal/render"
	"github.com/atlasvpn/atlas/internal/server/models"
	"github.com/atlasvpn/atlas/internal/server/repositories/repomanager"
)

// reissuedReason is recorded on the old config when a replacement is issued.
const reissuedReason = "Reissued"

func isNotFound(err error) bool { return errors.Is(err, common.ErrNotFound) }

// ConfigService serves and revokes individual tunnel configs.
type ConfigService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	issuer      pki.Issuer
	renderer    *render.Renderer
	logger      logging.Logger
	now         func() time.Time
}

func NewConfigService(db *sql.DB, m repomanager.RepositoryManager, issuer pki.Issuer,
	renderer *render.Renderer, logger logging.Logger) *ConfigService {
	return &ConfigService{
		db:          db,
		repomanager: m,
		issuer:      issuer,
		renderer:    renderer,
		logger:      logger,
		now:         time.Now,
	}
}

// ConfigArtifact is a rendered config ready for delivery. QRDataURI is set
// only when a scannable code was requested and the protocol supports one.
type ConfigArtifact struct {
	Protocol  models.Protocol
	FileName  string
	Content   string
	QRDataURI string
	Simulated bool
}

// GetConfig re-renders the user's active config for the protocol. Secret
// halves handed out at issuance are not recoverable; keypair configs carry
// a placeholder the client fills in with its stored private key.
func (s *ConfigService) GetConfig(ctx context.Context, userID string, protocol models.Protocol, withQR bool) (*ConfigArtifact, error) {
	user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.repomanager.Configs(s.db).GetActive(ctx, userID, protocol)
	if err != nil {
		return nil, err
	}

	cred, err := s.issuer.Load(ctx, protocol, cfg.CredentialHandle())
	if err != nil {
		return nil, err
	}
	content, err := s.renderer.Render(user.Username, cred, s.now())
	if err != nil {
		return nil, err
	}

	artifact := &ConfigArtifact{
		Protocol:  protocol,
		FileName:  s.renderer.FileName(user.Username, protocol),
		Content:   content,
		Simulated: cfg.Simulated,
	}
	if withQR {
		if artifact.QRDataURI, err = s.qrFor(user.Username, cred, content); err != nil {
			return nil, err
		}
	}
	return artifact, nil
}

// qrFor picks the QR payload per protocol. Certificate configs are too
// large to scan and get no code.
func (s *ConfigService) qrFor(username string, cred models.Credential, content string) (string, error) {
	switch c := cred.(type) {
	case models.IdentifierCredential:
		return render.QRDataURI(s.renderer.ShareURI(username, c))
	case models.KeypairCredential:
		return render.QRDataURI(content)
	}
	return "", nil
}

// RevokeConfig invalidates the user's active config for the protocol,
// recording the reason. Revoking a protocol with no active config is a
// no-op: revocation is idempotent from the caller's point of view.
func (s *ConfigService) RevokeConfig(ctx context.Context, userID string, protocol models.Protocol, reason string) error {
	cfg, err := s.repomanager.Configs(s.db).GetActive(ctx, userID, protocol)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}

	if err := s.issuer.Revoke(ctx, protocol, cfg.CredentialHandle()); err != nil {
		return err
	}
	applied, err := s.repomanager.Configs(s.db).Revoke(ctx, cfg.ID, reason, s.now())
	if err != nil {
		return err
	}
	if applied {
		s.logger.Info(ctx, "config revoked",
			"user", userID, "protocol", protocol, "reason", reason)
	}
	return nil
}

// ReissueConfig replaces the user's credential for the protocol: the old
// config, if any, is revoked first, then a fresh credential is issued and
// rendered. The returned content carries the new secret material once.
func (s *ConfigService) ReissueConfig(ctx context.Context, userID string, protocol models.Protocol) (*RenderedConfig, error) {
	user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.RevokeConfig(ctx, userID, protocol, reissuedReason); err != nil {
		return nil, err
	}

	cred, err := s.issuer.Issue(ctx, protocol, user.Username)
	if err != nil {
		return nil, err
	}
	if _, err := s.repomanager.Configs(s.db).Create(ctx, models.NewTunnelConfig(userID, cred)); err != nil {
		// Keep the authority consistent with the store.
		if revokeErr := s.issuer.Revoke(ctx, protocol, cred.Handle()); revokeErr != nil {
			s.logger.Error(ctx, "rollback revocation failed",
				"protocol", protocol, "handle", cred.Handle(), "error", revokeErr)
		}
		return nil, err
	}

	content, err := s.renderer.Render(user.Username, cred, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "config reissued", "user", user.Username, "protocol", protocol)

	return &RenderedConfig{
		Protocol:  protocol,
		FileName:  s.renderer.FileName(user.Username, protocol),
		Content:   content,
		Handle:    cred.Handle(),
		Simulated: cred.Simulated(),
	}, nil
}
