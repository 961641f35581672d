// Package pipeconn wraps Windows named-pipe dial/listen behind a small,
// platform-neutral interface so the rest of agentmux can be built and
// vetted on any OS even though the shipped binary only runs on Windows
// (spec §1: "Non-goals: supporting non-Windows IPC").
//
// The real implementation (pipeconn_windows.go) is a thin layer over
// github.com/Microsoft/go-winio. The non-Windows build
// (pipeconn_others.go) returns ErrNotSupported for every call.
package pipeconn

import "time"

// DialTimeout is the default bound on connecting to the shared backend pipe
// (spec §4.2).
const DialTimeout = 2 * time.Second
