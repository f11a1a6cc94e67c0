// Package pki issues and invalidates tunnel credential material per
// protocol variant. Certificate credentials are produced by easy-rsa under
// a managed CA; keypair credentials are generated in-process; identifier
// credentials are freshly allocated UUIDs.
//
// Platform capability is checked once at construction: when the certificate
// tooling is absent the provider runs in simulated mode and returns
// deterministic, clearly-labeled mock material instead of failing, so the
// surrounding system stays usable in development environments.
package pki

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/atlasvpn/atlas/internal/common"
	"github.com/atlasvpn/atlas/internal/execx"
	"github.com/atlasvpn/atlas/internal/logging"
	"github.com/atlasvpn/atlas/internal/server/config"
	"github.com/atlasvpn/atlas/internal/server/models"
)

// Issuer is the credential authority contract consumed by the service layer
// and the enforcement loop.
type Issuer interface {
	// Issue provisions new credential material for the identity. The
	// returned credential carries any secret half exactly once; later
	// Loads return only the distributable parts.
	Issue(ctx context.Context, protocol models.Protocol, identity string) (models.Credential, error)

	// Revoke invalidates previously issued material. Revoking an
	// already-revoked handle returns nil without side effects.
	Revoke(ctx context.Context, protocol models.Protocol, handle string) error

	// Load re-reads the distributable credential material for rendering.
	Load(ctx context.Context, protocol models.Protocol, handle string) (models.Credential, error)

	// Simulated reports whether the provider runs against mock tooling.
	Simulated() bool
}

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Provider implements Issuer against easy-rsa, wgtypes key generation and
// UUID allocation, with a deterministic simulated branch selected at
// construction time.
type Provider struct {
	cfg       *config.Config
	runner    *execx.Runner
	logger    logging.Logger
	simulated bool

	// In-process bookkeeping, grows with the number of credentials issued
	// or revoked during the process lifetime. Certificate revocation is
	// durable through the easy-rsa CRL; for keypair and identifier
	// credentials the revocation record lives only in these maps, the
	// store's config rows are the authoritative record across restarts.
	// handleLocks entries are kept after revocation so a lock is never
	// removed while another goroutine holds it.
	mu          sync.Mutex
	handleLocks map[string]*sync.Mutex
	issued      map[string]models.Protocol
	revoked     map[string]bool
}

// NewProvider detects platform capability and returns a ready Provider.
func NewProvider(cfg *config.Config, logger logging.Logger) *Provider {
	simulated := !execx.LookPath(cfg.EasyRSABin)
	if simulated {
		logger.Warn(context.Background(), "certificate tooling not found, credentials will be simulated",
			"easyrsa", cfg.EasyRSABin)
	}
	return &Provider{
		cfg:         cfg,
		runner:      execx.NewRunner(cfg.ExecTimeout, logger),
		logger:      logger,
		simulated:   simulated,
		handleLocks: make(map[string]*sync.Mutex),
		issued:      make(map[string]models.Protocol),
		revoked:     make(map[string]bool),
	}
}

func (p *Provider) Simulated() bool { return p.simulated }

// lockHandle serializes operations on a single credential handle so
// concurrent revocations cannot interleave updates to the authority state.
func (p *Provider) lockHandle(handle string) func() {
	p.mu.Lock()
	l, ok := p.handleLocks[handle]
	if !ok {
		l = &sync.Mutex{}
		p.handleLocks[handle] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (p *Provider) recordIssued(handle string, protocol models.Protocol) {
	p.mu.Lock()
	p.issued[handle] = protocol
	p.mu.Unlock()
}

func (p *Provider) recordRevoked(handle string) {
	p.mu.Lock()
	p.revoked[handle] = true
	p.mu.Unlock()
}

// IsRevoked reports the authority's revocation record for a handle.
func (p *Provider) IsRevoked(handle string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revoked[handle]
}

// ActiveHandles returns issued handles not yet revoked.
func (p *Provider) ActiveHandles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var result []string
	for h := range p.issued {
		if !p.revoked[h] {
			result = append(result, h)
		}
	}
	return result
}

func (p *Provider) Issue(ctx context.Context, protocol models.Protocol, identity string) (models.Credential, error) {
	if !identityPattern.MatchString(identity) {
		return nil, fmt.Errorf("%w: identity must be alphanumeric (-, _ allowed)", common.ErrValidation)
	}

	unlock := p.lockHandle(identity)
	defer unlock()

	var (
		cred models.Credential
		err  error
	)
	switch protocol {
	case models.ProtocolOpenVPN:
		cred, err = p.issueCertificate(ctx, identity)
	case models.ProtocolWireGuard:
		cred, err = p.issueKeypair(identity)
	case models.ProtocolSingBox:
		cred, err = p.issueIdentifier(identity)
	default:
		return nil, fmt.Errorf("%w: unknown protocol %q", common.ErrValidation, protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrProvisioning, err)
	}

	p.recordIssued(cred.Handle(), protocol)
	p.logger.Info(ctx, "credential issued",
		"protocol", protocol, "identity", identity, "simulated", cred.Simulated())

	return cred, nil
}

func (p *Provider) Revoke(ctx context.Context, protocol models.Protocol, handle string) error {
	if handle == "" {
		return fmt.Errorf("%w: empty credential handle", common.ErrValidation)
	}

	unlock := p.lockHandle(handle)
	defer unlock()

	if p.IsRevoked(handle) {
		p.logger.Debug(ctx, "credential already revoked", "protocol", protocol, "handle", handle)
		return nil
	}

	if protocol == models.ProtocolOpenVPN && !p.simulated {
		if err := p.revokeCertificate(ctx, handle); err != nil {
			return fmt.Errorf("%w: %v", common.ErrRevocation, err)
		}
	}

	p.recordRevoked(handle)
	p.logger.Info(ctx, "credential revoked",
		"protocol", protocol, "handle", handle, "simulated", p.simulated)

	return nil
}

func (p *Provider) Load(ctx context.Context, protocol models.Protocol, handle string) (models.Credential, error) {
	switch protocol {
	case models.ProtocolOpenVPN:
		return p.loadCertificate(handle)
	case models.ProtocolWireGuard:
		// The private half was handed out at issuance and is not
		// retained; only the public half is loadable.
		return models.KeypairCredential{PublicKey: handle, Mock: p.simulated}, nil
	case models.ProtocolSingBox:
		return models.IdentifierCredential{ID: handle, Mock: p.simulated}, nil
	}
	return nil, fmt.Errorf("%w: unknown protocol %q", common.ErrValidation, protocol)
}

// runTooling executes one external tooling command with a small constant
// backoff so transient failures do not immediately fail the caller.
func (p *Provider) runTooling(ctx context.Context, name string, args ...string) (string, error) {
	var out string
	backoff := retry.WithMaxRetries(2, retry.NewConstant(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var runErr error
		out, runErr = p.runner.Run(ctx, name, args...)
		if runErr != nil {
			return retry.RetryableError(runErr)
		}
		return nil
	})
	return out, err
}
