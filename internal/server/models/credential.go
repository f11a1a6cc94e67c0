package models

// Credential is the protocol-specific material produced by the PKI provider.
// Exactly one concrete type exists per protocol; the Handle is the stable
// reference used for revocation and store lookups.
type Credential interface {
	Protocol() Protocol

	// Handle returns the stable identifier of the credential: the
	// certificate common name, the public key, or the opaque identifier.
	Handle() string

	// Simulated reports whether the material was produced by the
	// deterministic mock branch instead of real platform tooling.
	Simulated() bool
}

// CertificateCredential is the payload of a certificate-based config.
// PEM fields are populated at issuance and by PKI loads; only the common
// name is persisted in the store.
type CertificateCredential struct {
	CommonName string
	CACert     string
	Cert       string
	Key        string
	TLSAuthKey string
	Mock       bool
}

func (c CertificateCredential) Protocol() Protocol { return ProtocolOpenVPN }
func (c CertificateCredential) Handle() string     { return c.CommonName }
func (c CertificateCredential) Simulated() bool    { return c.Mock }

// KeypairCredential is the payload of a keypair-based config. The private
// half is populated exactly once, at issuance; loads return only the public
// half.
type KeypairCredential struct {
	PublicKey  string
	PrivateKey string
	Mock       bool
}

func (c KeypairCredential) Protocol() Protocol { return ProtocolWireGuard }
func (c KeypairCredential) Handle() string     { return c.PublicKey }
func (c KeypairCredential) Simulated() bool    { return c.Mock }

// IdentifierCredential is the payload of an identifier-based config.
type IdentifierCredential struct {
	ID   string
	Mock bool
}

func (c IdentifierCredential) Protocol() Protocol { return ProtocolSingBox }
func (c IdentifierCredential) Handle() string     { return c.ID }
func (c IdentifierCredential) Simulated() bool    { return c.Mock }
