package models

import "time"

// TunnelConfig is a per-protocol credential record owned by a User. It is
// created only after the PKI provider successfully produced the credential
// material, and it transitions active → inactive exactly once; a revoked
// config is never resurrected.
type TunnelConfig struct {
	ID       string
	UserID   string
	Protocol Protocol

	Active        bool
	RevokedAt     *time.Time
	RevokedReason string

	// Exactly one payload field is set, matching Protocol.
	CertificateCN string
	PublicKey     string
	Identifier    string

	// Simulated marks credentials produced by the mock provider branch.
	Simulated bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTunnelConfig builds an active config record from issued credential
// material, populating the payload column that matches the protocol.
func NewTunnelConfig(userID string, cred Credential) *TunnelConfig {
	c := &TunnelConfig{
		UserID:    userID,
		Protocol:  cred.Protocol(),
		Active:    true,
		Simulated: cred.Simulated(),
	}
	switch cred.Protocol() {
	case ProtocolOpenVPN:
		c.CertificateCN = cred.Handle()
	case ProtocolWireGuard:
		c.PublicKey = cred.Handle()
	case ProtocolSingBox:
		c.Identifier = cred.Handle()
	}
	return c
}

// CredentialHandle returns the stable handle stored for this config,
// whichever payload column is populated.
func (c *TunnelConfig) CredentialHandle() string {
	switch c.Protocol {
	case ProtocolOpenVPN:
		return c.CertificateCN
	case ProtocolWireGuard:
		return c.PublicKey
	case ProtocolSingBox:
		return c.Identifier
	}
	return ""
}
