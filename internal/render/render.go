// Package render turns credential material into client-side tunnel config
// text. Rendering is pure: the same input always produces byte-identical
// output, so the results are stable for golden-file comparison and safe to
// regenerate at any time.
package render

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/atlasvpn/atlas/internal/common"
	"github.com/atlasvpn/atlas/internal/server/models"
)

// wireguardKeyPlaceholder stands in for the private key in configs rendered
// after issuance, when the private half is no longer available.
const wireguardKeyPlaceholder = "REPLACE_WITH_CLIENT_PRIVATE_KEY"

// ServerParams are the server-side connection parameters embedded in every
// rendered config.
type ServerParams struct {
	Host       string
	Port       int
	Transport  string
	PublicKey  string
	DNS        string
	AllowedIPs string
}

// Renderer produces client config text for all protocol variants.
type Renderer struct {
	server ServerParams
}

func New(server ServerParams) *Renderer {
	return &Renderer{server: server}
}

// Render produces the complete client config for the credential. The
// generatedAt stamp is the only time-dependent input and is supplied by the
// caller.
func (r *Renderer) Render(username string, cred models.Credential, generatedAt time.Time) (string, error) {
	switch c := cred.(type) {
	case models.CertificateCredential:
		return r.renderOpenVPN(username, c, generatedAt), nil
	case models.KeypairCredential:
		return r.renderWireGuard(c, generatedAt), nil
	case models.IdentifierCredential:
		return r.renderSingBox(username, c)
	}
	return "", fmt.Errorf("%w: no renderer for protocol %q", common.ErrInternal, cred.Protocol())
}

// FileName returns the conventional client-side file name for a rendered
// config.
func (r *Renderer) FileName(username string, protocol models.Protocol) string {
	switch protocol {
	case models.ProtocolOpenVPN:
		return username + ".ovpn"
	case models.ProtocolWireGuard:
		return username + ".conf"
	default:
		return username + ".json"
	}
}

func (r *Renderer) renderOpenVPN(username string, c models.CertificateCredential, generatedAt time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Atlas client config for %s\n", username)
	fmt.Fprintf(&b, "# Generated %s\n", generatedAt.UTC().Format(time.RFC3339))
	b.WriteString("client\n")
	b.WriteString("dev tun\n")
	fmt.Fprintf(&b, "proto %s\n", r.server.Transport)
	fmt.Fprintf(&b, "remote %s %d\n", r.server.Host, r.server.Port)
	b.WriteString("resolv-retry infinite\n")
	b.WriteString("nobind\n")
	b.WriteString("persist-key\n")
	b.WriteString("persist-tun\n")
	b.WriteString("remote-cert-tls server\n")
	b.WriteString("cipher AES-256-GCM\n")
	b.WriteString("auth SHA256\n")
	b.WriteString("auth-user-pass\n")
	b.WriteString("key-direction 1\n")
	b.WriteString("verb 3\n")

	inline(&b, "ca", c.CACert)
	inline(&b, "cert", c.Cert)
	inline(&b, "key", c.Key)
	if c.TLSAuthKey != "" {
		inline(&b, "tls-auth", c.TLSAuthKey)
	}
	return b.String()
}

func inline(b *strings.Builder, tag, pem string) {
	fmt.Fprintf(b, "<%s>\n%s\n</%s>\n", tag, strings.TrimSpace(pem), tag)
}

func (r *Renderer) renderWireGuard(c models.KeypairCredential, generatedAt time.Time) string {
	privateKey := c.PrivateKey
	if privateKey == "" {
		privateKey = wireguardKeyPlaceholder
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Generated %s\n", generatedAt.UTC().Format(time.RFC3339))
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", privateKey)
	fmt.Fprintf(&b, "DNS = %s\n", r.server.DNS)
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", r.server.PublicKey)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", r.server.AllowedIPs)
	fmt.Fprintf(&b, "Endpoint = %s:%d\n", r.server.Host, r.server.Port)
	b.WriteString("PersistentKeepalive = 25\n")
	return b.String()
}

// singBoxConfig is the client-side outbound document. Field order is fixed
// by the struct so output stays stable.
type singBoxConfig struct {
	Outbounds []singBoxOutbound `json:"outbounds"`
}

type singBoxOutbound struct {
	Type       string     `json:"type"`
	Tag        string     `json:"tag"`
	Server     string     `json:"server"`
	ServerPort int        `json:"server_port"`
	UUID       string     `json:"uuid"`
	Flow       string     `json:"flow"`
	TLS        singBoxTLS `json:"tls"`
}

type singBoxTLS struct {
	Enabled    bool   `json:"enabled"`
	ServerName string `json:"server_name"`
}

func (r *Renderer) renderSingBox(username string, c models.IdentifierCredential) (string, error) {
	doc := singBoxConfig{
		Outbounds: []singBoxOutbound{{
			Type:       "vless",
			Tag:        username,
			Server:     r.server.Host,
			ServerPort: r.server.Port,
			UUID:       c.ID,
			Flow:       "xtls-rprx-vision",
			TLS: singBoxTLS{
				Enabled:    true,
				ServerName: r.server.Host,
			},
		}},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: encoding config: %v", common.ErrInternal, err)
	}
	return string(data) + "\n", nil
}

// ShareURI returns the compact import link for an identifier credential,
// suitable for QR encoding.
func (r *Renderer) ShareURI(username string, c models.IdentifierCredential) string {
	q := url.Values{}
	q.Set("security", "tls")
	q.Set("sni", r.server.Host)
	q.Set("flow", "xtls-rprx-vision")
	return fmt.Sprintf("vless://%s@%s:%d?%s#%s",
		c.ID, r.server.Host, r.server.Port, q.Encode(), url.PathEscape(username))
}
