package pki

import (
	"crypto/sha256"
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/atlasvpn/atlas/internal/server/models"
)

// issueKeypair generates a Curve25519 keypair. The private half is returned
// to the caller exactly once and never retained; the public key is the
// durable credential handle. Simulated mode derives the private key from
// the identity so repeated issuance is reproducible.
func (p *Provider) issueKeypair(identity string) (models.Credential, error) {
	if p.simulated {
		return mockKeypair(identity)
	}

	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return models.KeypairCredential{
		PublicKey:  priv.PublicKey().String(),
		PrivateKey: priv.String(),
	}, nil
}

func mockKeypair(identity string) (models.Credential, error) {
	seed := sha256.Sum256([]byte("mock-keypair:" + identity))
	priv, err := wgtypes.NewKey(seed[:])
	if err != nil {
		return nil, fmt.Errorf("deriving mock keypair: %w", err)
	}
	return models.KeypairCredential{
		PublicKey:  priv.PublicKey().String(),
		PrivateKey: priv.String(),
		Mock:       true,
	}, nil
}
