package pki

import (
	"github.com/google/uuid"

	"github.com/atlasvpn/atlas/internal/server/models"
)

// mockIdentifierNamespace scopes deterministic identifier derivation in
// simulated mode.
var mockIdentifierNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// issueIdentifier allocates an opaque UUID credential. Simulated mode
// derives the UUID from the identity so it is stable across runs.
func (p *Provider) issueIdentifier(identity string) (models.Credential, error) {
	if p.simulated {
		return models.IdentifierCredential{
			ID:   uuid.NewSHA1(mockIdentifierNamespace, []byte("mock-identifier:"+identity)).String(),
			Mock: true,
		}, nil
	}
	return models.IdentifierCredential{ID: uuid.NewString()}, nil
}
