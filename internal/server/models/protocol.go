// Package models contains the persistent record types of the Atlas server:
// tunnel users, their per-protocol configs, and the credential payloads
// produced by the PKI provider.
package models

import (
	"fmt"

	"github.com/atlasvpn/atlas/internal/common"
)

// Protocol identifies a tunnel protocol variant.
type Protocol string

const (
	// ProtocolOpenVPN uses certificate-based credentials issued under the
	// managed CA.
	ProtocolOpenVPN Protocol = "openvpn"

	// ProtocolWireGuard uses asymmetric keypair credentials.
	ProtocolWireGuard Protocol = "wireguard"

	// ProtocolSingBox uses opaque identifier credentials.
	ProtocolSingBox Protocol = "singbox"
)

// Protocols lists all supported variants in a stable order.
func Protocols() []Protocol {
	return []Protocol{ProtocolOpenVPN, ProtocolWireGuard, ProtocolSingBox}
}

// ParseProtocol validates a protocol tag coming from an external caller.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtocolOpenVPN, ProtocolWireGuard, ProtocolSingBox:
		return Protocol(s), nil
	}
	return "", fmt.Errorf("%w: unknown protocol %q", common.ErrValidation, s)
}
