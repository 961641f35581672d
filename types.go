package agentmux

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Identity is a public key and its human-readable comment, as exchanged by
// the OpenSSH agent protocol.
type Identity struct {
	// Blob is the opaque, wire-format public key (as produced by
	// ssh.PublicKey.Marshal).
	Blob []byte
	// Comment is a human-readable label for the key.
	Comment string
}

// Fingerprint is the first 16 uppercase hex characters of SHA-256 over a
// public key blob. It is the routing key used throughout agentmux.
//
// Collisions over these 64 bits are ignored; callers are responsible for
// using globally-unique keys in practice (see spec §3).
type Fingerprint string

// FingerprintOf derives the Fingerprint for a public key blob.
func FingerprintOf(blob []byte) Fingerprint {
	sum := sha256.Sum256(blob)
	return Fingerprint(fmt.Sprintf("%X", sum[:8]))
}

// KeyType returns the human-readable algorithm name of a public key blob
// (e.g. "ssh-ed25519"), or "unknown" if blob does not decode as a
// recognized OpenSSH public key. It is best-effort, used only to enrich
// audit log lines; callers must never reject a blob solely because this
// returns "unknown", since spec.md requires every backend's identities to
// be forwarded regardless of key type.
func KeyType(blob []byte) string {
	pk, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return "unknown"
	}
	return pk.Type()
}

// BackendSpec is an immutable configuration record describing one candidate
// SSH-agent backend (a credential manager).
type BackendSpec struct {
	// Name is the stable identifier used throughout agentmux (e.g. "1password").
	Name string
	// ProcessName is the image name used to enumerate/terminate the backend's
	// process (e.g. "1Password.exe").
	ProcessName string
	// ExecutablePath may be an absolute path or a bare command resolved via
	// PATH.
	ExecutablePath string
	// Priority orders backends for merged scans and full-switch fallback;
	// lower sorts first.
	Priority int
}

// KeyMapping is the persisted record tying a fingerprint to the backend that
// serves it, plus an optional cached public key so a merged identity list can
// be produced at startup without any pipe I/O.
type KeyMapping struct {
	Fingerprint Fingerprint
	// Blob is the cached public key, or nil if never observed directly.
	Blob []byte
	// Comment is the cached comment, or "" if unknown.
	Comment string
	// Backend is the name of the BackendSpec that owns this key.
	Backend string
}

// HostHint is an optional persisted rule mapping a connection hint pattern to
// a fingerprint, consumed only to reorder the identity list returned to
// clients. Patterns are of the form "host[:owner/*]" or "host:*"; the first
// matching rule wins.
type HostHint struct {
	Pattern     string
	Fingerprint Fingerprint
	Description string
}
