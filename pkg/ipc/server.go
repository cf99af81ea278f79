package ipc

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/oxidekit/oxidepm/pkg/errors"
	"github.com/oxidekit/oxidepm/pkg/logging"
)

// Handler answers one request, optionally streaming extra frames (log
// lines, events) through send before returning the terminal response.
// The terminal response itself, and a RespStreamEnd if anything was
// streamed, are written by the server after Handler returns.
type Handler func(ctx context.Context, req Request, send func(Response) error) Response

// Server accepts connections on a Unix-domain socket and dispatches one
// request per connection to Handler; each connection is served on its
// own goroutine so a long-lived Logs(follow) or Subscribe stream never
// blocks other clients.
type Server struct {
	socketPath string
	logger     logging.Logger
	handler    Handler

	listener net.Listener
}

func NewServer(socketPath string, logger logging.Logger, handler Handler) *Server {
	return &Server{socketPath: socketPath, logger: logger, handler: handler}
}

// Listen removes a stale socket left by a previous crashed daemon,
// and binds a fresh one restricted to 0600. Serve does the accepting.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.socketPath); err == nil {
		if rerr := os.Remove(s.socketPath); rerr != nil {
			return errors.NewIOError("failed to remove stale socket", rerr).WithContext("path", s.socketPath)
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
		return errors.NewIOError("failed to create socket directory", err).WithContext("path", s.socketPath)
	}

	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errors.NewIOError("failed to bind control socket", err).WithContext("path", s.socketPath)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		l.Close()
		return errors.NewIOError("failed to set socket permissions", err).WithContext("path", s.socketPath)
	}
	s.listener = l
	return nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.NewIOError("accept failed", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	os.Remove(s.socketPath)
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	raw, err := readFrame(conn)
	if err != nil {
		if err != io.EOF {
			s.logger.Warnf("failed to read request frame, error: %v", err)
		}
		return
	}
	req, err := UnmarshalRequest(raw)
	if err != nil {
		s.writeResponse(conn, errorResponse(RespInvalidSpec, err.Error()))
		return
	}

	streamed := false
	send := func(resp Response) error {
		streamed = true
		return s.writeResponse(conn, resp)
	}

	resp := s.handler(ctx, req, send)
	if err := s.writeResponse(conn, resp); err != nil {
		s.logger.Warnf("failed to write response frame, error: %v", err)
		return
	}
	if streamed {
		s.writeResponse(conn, Response{Kind: RespStreamEnd})
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) error {
	payload, err := MarshalResponse(resp)
	if err != nil {
		return errors.NewInternalError("failed to marshal response", err)
	}
	return writeFrame(conn, payload)
}
