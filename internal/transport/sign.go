// Package transport is the signed HTTP surface between paired devices: a
// gin server exposing status and paged-ops endpoints, and the client that
// calls them. Every request is signed by the sender's device key and
// verified against the receiver's pinned copy.
package transport

import (
	"crypto/sha256"
	"encoding/hex"
)

// Signed request headers.
const (
	HeaderDeviceID  = "X-Device-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// Signer is the narrow signing surface the client needs; *identity.Identity
// satisfies it.
type Signer interface {
	ID() string
	Sign(msg []byte) []byte
}

// Canonical builds the exact byte string a request signature covers: method,
// path with query, body digest, timestamp and nonce, newline-separated. Both
// sides must derive it identically.
func Canonical(method, pathWithQuery string, body []byte, timestamp, nonce string) []byte {
	sum := sha256.Sum256(body)
	return []byte(method + "\n" + pathWithQuery + "\n" + hex.EncodeToString(sum[:]) + "\n" + timestamp + "\n" + nonce)
}
