package identity

import (
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	fingerprintPrefix = "fp1"
	nodeIDPrefix      = "FN-"
	qrNodeSeparator   = "#"
)

// Fingerprint is a short, human-comparable rendering of a public key.
func Fingerprint(pub [KeySize]byte) string {
	sum := blake2b.Sum256(pub[:])
	return fingerprintPrefix + base58.Encode(sum[:12])
}

// DeriveNodeID builds a relay node id from the public key when none is configured.
func DeriveNodeID(pub [KeySize]byte) string {
	sum := blake2b.Sum256(append([]byte("fusionlink/node-id/v1"), pub[:]...))
	return nodeIDPrefix + base58.Encode(sum[:8])
}

// FormatQRPayload joins the key text and optional node id into the QR text form.
func FormatQRPayload(keyText, nodeID string) string {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return keyText
	}
	return keyText + qrNodeSeparator + nodeID
}

// ParseQRPayload splits QR text into key text and optional node id.
func ParseQRPayload(payload string) (keyText, nodeID string) {
	payload = strings.TrimSpace(payload)
	keyText, nodeID, _ = strings.Cut(payload, qrNodeSeparator)
	return strings.TrimSpace(keyText), strings.TrimSpace(nodeID)
}
