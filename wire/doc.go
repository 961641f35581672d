// Package wire implements the OpenSSH agent wire protocol framing used on
// both the front pipe and the backend pipe: a 4-byte big-endian length
// prefix followed by a one-byte message type and a type-specific payload.
//
// This package only understands the sub-payloads the routing engine must
// inspect (identities-answer, sign-request) to decide where to route a
// request; every other message type is treated as an opaque byte string and
// forwarded verbatim by higher layers.
package wire
