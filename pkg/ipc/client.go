package ipc

import (
	"io"
	"net"
	"time"

	"github.com/oxidekit/oxidepm/pkg/errors"
)

// Client is a single short-lived connection to the daemon's control
// socket: one request, then every response frame up to and including
// RespStreamEnd.
type Client struct {
	conn net.Conn
}

// Dial connects to the daemon's socket. A connection refused/not-exist
// error means the daemon isn't running, which callers surface to the
// user directly rather than wrapping further.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, errors.NewIOError("failed to connect to daemon", err).WithContext("path", socketPath)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends req and returns every response frame up to and including
// the terminal one (RespStreamEnd is consumed, not returned).
func (c *Client) Call(req Request) ([]Response, error) {
	payload, err := MarshalRequest(req)
	if err != nil {
		return nil, errors.NewInternalError("failed to marshal request", err)
	}
	if err := writeFrame(c.conn, payload); err != nil {
		return nil, err
	}

	var out []Response
	for {
		raw, err := readFrame(c.conn)
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		resp, err := UnmarshalResponse(raw)
		if err != nil {
			return out, errors.NewInternalError("failed to parse response frame", err)
		}
		if resp.Kind == RespStreamEnd {
			return out, nil
		}
		out = append(out, resp)
		if !isIntermediate(resp.Kind) {
			return out, nil
		}
	}
}

// Stream behaves like Call but delivers each frame to onFrame as it
// arrives, for a follow-mode Logs or a Subscribe request that never
// terminates on its own; it returns when the connection closes or
// onFrame asks to stop by returning false.
func (c *Client) Stream(req Request, onFrame func(Response) bool) error {
	payload, err := MarshalRequest(req)
	if err != nil {
		return errors.NewInternalError("failed to marshal request", err)
	}
	if err := writeFrame(c.conn, payload); err != nil {
		return err
	}

	for {
		raw, err := readFrame(c.conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		resp, err := UnmarshalResponse(raw)
		if err != nil {
			return errors.NewInternalError("failed to parse response frame", err)
		}
		if resp.Kind == RespStreamEnd {
			return nil
		}
		if !onFrame(resp) {
			return nil
		}
	}
}

func isIntermediate(k ResponseKind) bool {
	return k == RespLogLine || k == RespEvent
}
