//go:build windows

package pipeconn

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
)

// frontPipeSDDL grants full control to the current user (OW = owner) and
// read/write to everyone, per spec §4.3/§6: clients in the same interactive
// session, regardless of how they were launched, must be able to connect.
const frontPipeSDDL = "D:P(A;;GA;;;OW)(A;;GRGW;;;WD)"

// Path returns the full Windows pipe path for a bare pipe name.
func Path(name string) string {
	return `\\.\pipe\` + name
}

// Dial connects to a named pipe with the given bound, returning a net.Conn.
func Dial(ctx context.Context, name string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = DialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := winio.DialPipeContext(dialCtx, Path(name))
	if err != nil {
		return nil, fmt.Errorf("pipeconn: dial %s: %w", name, err)
	}
	return conn, nil
}

// Listener is a named-pipe listener that also exposes the peer process id
// of each accepted connection (spec §4.3: client_context exposes the peer
// pid via the OS pipe API).
type Listener struct {
	net.Listener
}

// Listen creates the front pipe with the documented ACL, byte-mode,
// multiple instances allowed.
func Listen(name string) (*Listener, error) {
	l, err := winio.ListenPipe(Path(name), &winio.PipeConfig{
		SecurityDescriptor: frontPipeSDDL,
		MessageMode:        false, // byte-oriented, per spec §4.3
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   64 * 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeconn: listen %s: %w", name, err)
	}
	return &Listener{Listener: l}, nil
}

// PeerProcessID returns the process id of the process on the other end of
// conn, if conn is a named-pipe connection obtained from a Listener. It
// calls the Win32 GetNamedPipeClientProcessId API on the pipe's underlying
// handle (spec §4.3: "obtained via OS pipe API").
func PeerProcessID(conn net.Conn) (uint32, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, fmt.Errorf("pipeconn: connection does not expose a raw handle")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("pipeconn: raw conn: %w", err)
	}

	var pid uint32
	var callErr error
	err = raw.Control(func(fd uintptr) {
		pid, callErr = getNamedPipeClientProcessID(windows.Handle(fd))
	})
	if err != nil {
		return 0, fmt.Errorf("pipeconn: control: %w", err)
	}
	if callErr != nil {
		return 0, fmt.Errorf("pipeconn: GetNamedPipeClientProcessId: %w", callErr)
	}
	return pid, nil
}
