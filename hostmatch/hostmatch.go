// Package hostmatch implements matching of a connection hint against the
// persisted host-hint rules (spec §3 HostHint), used by the router only to
// reorder the identity list returned to a client.
//
// Patterns take the form "host", "host:*", or "host:owner/*". The host
// component must match exactly. A bare pattern ("host") matches any hint
// for that host. A "host:*" pattern matches any suffix for that host. A
// "host:owner/*" pattern requires the hint's owner segment to match exactly
// and accepts any repo segment.
package hostmatch

import (
	"strings"

	"github.com/smnsjas/agentmux"
)

// Match returns the fingerprint of the first hint whose pattern matches
// connectionHint, in list order. The connectionHint is opaque to agentmux;
// it is produced by an external enrichment step (spec §1, out of scope).
func Match(hints []agentmux.HostHint, connectionHint string) (agentmux.Fingerprint, bool) {
	if connectionHint == "" {
		return "", false
	}
	for _, h := range hints {
		if patternMatches(h.Pattern, connectionHint) {
			return h.Fingerprint, true
		}
	}
	return "", false
}

func patternMatches(pattern, hint string) bool {
	patHost, patRest, patHasSuffix := strings.Cut(pattern, ":")
	hintHost, hintRest, hintHasSuffix := strings.Cut(hint, ":")

	if patHost == "" || patHost != hintHost {
		return false
	}
	if !patHasSuffix {
		// Bare "host" pattern matches any hint for that host.
		return true
	}
	if patRest == "*" {
		return true
	}
	if !hintHasSuffix {
		return false
	}

	patOwner, patWild, ok := strings.Cut(patRest, "/")
	if !ok || patWild != "*" {
		// Unrecognized suffix shape; only an exact match qualifies.
		return patRest == hintRest
	}
	hintOwner, _, ok := strings.Cut(hintRest, "/")
	if !ok {
		return false
	}
	return patOwner == hintOwner
}
