// Package pipeserver implements the accept loop for the front pipe: the
// merged SSH agent surface that clients connect to (spec §4.3). Each
// accepted connection is served by its own goroutine, reading one frame at
// a time and dispatching it to a Handler, until the connection errors or
// closes.
package pipeserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/smnsjas/agentmux/pipeconn"
	"github.com/smnsjas/agentmux/wire"
)

// ClientContext carries the per-connection identity a Handler may use to
// make routing decisions, such as the peer process id exposed by the OS
// pipe API (spec §4.3).
type ClientContext struct {
	PID uint32
}

// Handler processes one decoded frame from a client connection and returns
// the frame to send back.
type Handler interface {
	Handle(ctx context.Context, client ClientContext, frame wire.Frame) (wire.Frame, error)
}

// peerPIDFunc matches pipeconn.PeerProcessID's signature and lets tests
// substitute a fake pipe's peer id.
type peerPIDFunc func(net.Conn) (uint32, error)

// Server accepts connections on a listener and serves each with Handler.
type Server struct {
	listener net.Listener
	handler  Handler
	logger   *slog.Logger
	peerPID  peerPIDFunc
}

// New creates a Server. listener is typically a *pipeconn.Listener.
func New(listener net.Listener, handler Handler, logger *slog.Logger) *Server {
	return &Server{
		listener: listener,
		handler:  handler,
		logger:   logger,
		peerPID:  pipeconn.PeerProcessID,
	}
}

// Serve runs the accept loop until ctx is cancelled or the listener errors.
// It closes the listener when ctx is done, so a clean shutdown always
// returns nil.
func (s *Server) Serve(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.listener.Close()
		case <-stopped:
		}
	}()
	defer close(stopped)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pipeserver: accept: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	pid, err := s.peerPID(conn)
	if err != nil {
		s.logDebug("could not determine peer pid: %v", err)
	}
	client := ClientContext{PID: pid}

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logWarn("client %d: read frame: %v", pid, err)
			}
			return
		}

		resp, err := s.handler.Handle(ctx, client, frame)
		if err != nil {
			s.logError("client %d: handle frame type %d: %v", pid, frame.Type, err)
			resp = wire.Frame{Type: wire.MsgFailure}
		}

		if err := wire.WriteFrame(conn, resp.Type, resp.Payload); err != nil {
			s.logWarn("client %d: write frame: %v", pid, err)
			return
		}
	}
}

func (s *Server) logDebug(format string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(fmt.Sprintf(format, args...))
	}
}

func (s *Server) logWarn(format string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(fmt.Sprintf(format, args...))
	}
}

func (s *Server) logError(format string, args ...any) {
	if s.logger != nil {
		s.logger.Error(fmt.Sprintf(format, args...))
	}
}
