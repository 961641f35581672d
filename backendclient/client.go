// Package backendclient implements the short-lived connector to the shared
// backend pipe described in spec §4.2. Each exported operation opens a
// fresh connection, performs exactly one request/response round trip, and
// closes the connection; callers must not assume two successive operations
// reach the same backend process, since an external switch may occur
// between them.
package backendclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/smnsjas/agentmux"
	"github.com/smnsjas/agentmux/pipeconn"
	"github.com/smnsjas/agentmux/wire"
)

// ErrNotConnected is returned when the backend pipe could not be opened
// within Timeout.
var ErrNotConnected = errors.New("backendclient: not connected")

// dialFunc matches pipeconn.Dial's signature and lets tests substitute an
// in-memory connection instead of a real named pipe.
type dialFunc func(ctx context.Context, name string, timeout time.Duration) (net.Conn, error)

// Client connects to one named backend pipe per call.
type Client struct {
	pipeName string
	timeout  time.Duration
	dial     dialFunc
}

// New creates a Client targeting the given backend pipe name, using the
// default 2s connect timeout (spec §4.2) unless timeout is positive.
func New(pipeName string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = pipeconn.DialTimeout
	}
	return &Client{pipeName: pipeName, timeout: timeout, dial: pipeconn.Dial}
}

// RequestIdentities sends client-request-identities and decodes the
// response. Any response other than agent-identities-answer, or a
// connection failure, yields an empty list (spec §4.2): "not connected" is
// reported separately via the returned error so the router can distinguish
// and cache it, but a successfully-reached backend that answers with
// something unexpected is simply treated as "no identities".
func (c *Client) RequestIdentities(ctx context.Context) ([]agentmux.Identity, error) {
	conn, err := c.dial(ctx, c.pipeName, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("backendclient: %w: %v", ErrNotConnected, err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.MsgRequestIdentities, nil); err != nil {
		return nil, fmt.Errorf("backendclient: send request-identities: %w", err)
	}
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("backendclient: read identities response: %w", err)
	}
	if frame.Type != wire.MsgIdentitiesAnswer {
		return nil, nil
	}
	identities, err := wire.ParseIdentitiesAnswer(frame.Payload)
	if err != nil {
		return nil, nil
	}
	return identities, nil
}

// Sign sends client-sign-request and decodes the signature from
// agent-sign-response. Any other response type yields (nil, nil): reached
// but refused, distinct from ErrNotConnected.
func (c *Client) Sign(ctx context.Context, keyBlob, data []byte, flags uint32) ([]byte, error) {
	conn, err := c.dial(ctx, c.pipeName, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("backendclient: %w: %v", ErrNotConnected, err)
	}
	defer conn.Close()

	payload := wire.EncodeSignRequest(keyBlob, data, flags)
	if err := wire.WriteFrame(conn, wire.MsgSignRequest, payload); err != nil {
		return nil, fmt.Errorf("backendclient: send sign-request: %w", err)
	}
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("backendclient: read sign response: %w", err)
	}
	if frame.Type != wire.MsgSignResponse {
		return nil, nil
	}
	sig, err := wire.ParseSignResponse(frame.Payload)
	if err != nil {
		return nil, nil
	}
	return sig, nil
}

// Forward performs an opaque one-shot round trip for message types the
// router does not interpret (spec §4.2, §4.7 "Opaque forwarding").
func (c *Client) Forward(ctx context.Context, req wire.Frame) (*wire.Frame, error) {
	conn, err := c.dial(ctx, c.pipeName, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("backendclient: %w: %v", ErrNotConnected, err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, req.Type, req.Payload); err != nil {
		return nil, fmt.Errorf("backendclient: forward send: %w", err)
	}
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("backendclient: forward read: %w", err)
	}
	return &frame, nil
}
