package nbdc

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"

	"github.com/mdlayher/vsock"
	"github.com/pkg/errors"
)

// Socket is the blocking transport a Conn speaks the protocol over.
type Socket interface {
	// Send transmits all of b. more hints that further data for the same
	// message follows immediately.
	Send(b []byte, more bool) error

	// Receive blocks until exactly len(b) bytes have been read.
	Receive(b []byte) error

	// Shutdown stops both directions, waking a blocked Receive.
	Shutdown() error

	Close() error
}

// Handle identifies a transport endpoint to attach to a device.
type Handle interface {
	Resolve() (Socket, error)
}

type connHandle struct {
	c net.Conn
}

// NetConn wraps an already established connection. The resulting Socket
// owns c.
func NetConn(c net.Conn) Handle {
	return connHandle{c: c}
}

func (h connHandle) Resolve() (Socket, error) {
	if h.c == nil {
		return nil, errors.Wrap(ErrInvalid, "nil connection")
	}

	return newSocket(h.c), nil
}

// Dial connects to addr, which is one of host:port, tcp://host:port,
// unix:///path/to/socket or vsock://cid:port.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok {
		scheme, rest = "tcp", addr
	}

	var d net.Dialer

	switch scheme {
	case "tcp":
		return d.DialContext(ctx, "tcp", rest)
	case "unix":
		return d.DialContext(ctx, "unix", rest)
	case "vsock":
		cid, port, err := parseVsockAddr(rest)
		if err != nil {
			return nil, err
		}

		return vsock.Dial(cid, port, nil)
	default:
		return nil, errors.Wrapf(ErrInvalid, "unknown address scheme %q", scheme)
	}
}

func parseVsockAddr(s string) (uint32, uint32, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return 0, 0, errors.Wrapf(ErrInvalid, "vsock address %q", s)
	}

	cid, err := strconv.ParseUint(host, 10, 32)
	if err != nil {
		return 0, 0, errors.Wrapf(ErrInvalid, "vsock context id %q", host)
	}

	p, err := strconv.ParseUint(port, 10, 32)
	if err != nil {
		return 0, 0, errors.Wrapf(ErrInvalid, "vsock port %q", port)
	}

	return uint32(cid), uint32(p), nil
}

type socket struct {
	conn net.Conn

	// set when the platform can cork sends on the raw descriptor
	raw syscall.RawConn

	bw *bufio.Writer
}

func newSocket(c net.Conn) *socket {
	s := &socket{conn: c}

	if sc, ok := c.(syscall.Conn); ok && haveSendMore {
		if raw, err := sc.SyscallConn(); err == nil {
			s.raw = raw
		}
	}

	if s.raw == nil {
		s.bw = bufio.NewWriterSize(c, 64*1024)
	}

	return s
}

func (s *socket) Send(b []byte, more bool) error {
	if s.raw != nil {
		if more {
			return sendMore(s.raw, b)
		}

		_, err := s.conn.Write(b)
		return mapIOError(err)
	}

	if _, err := s.bw.Write(b); err != nil {
		return mapIOError(err)
	}

	if more {
		return nil
	}

	return mapIOError(s.bw.Flush())
}

func (s *socket) Receive(b []byte) error {
	_, err := io.ReadFull(s.conn, b)
	return mapIOError(err)
}

type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

func (s *socket) Shutdown() error {
	if s.raw != nil {
		return shutdownRaw(s.raw)
	}

	if hc, ok := s.conn.(halfCloser); ok {
		rerr := hc.CloseRead()
		werr := hc.CloseWrite()

		if rerr != nil {
			return rerr
		}

		return werr
	}

	return s.conn.Close()
}

func (s *socket) Close() error {
	return s.conn.Close()
}

func mapIOError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrClosedPipe):
		return errors.Wrap(ErrBrokenPipe, err.Error())
	default:
		return err
	}
}
