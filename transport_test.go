package nbdc

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransport(t *testing.T) {
	t.Run("dial rejects bad addresses", func(t *testing.T) {
		ctx := context.Background()

		for _, addr := range []string{"ftp://host:1", "vsock://nope", "vsock://3:port", "vsock://x:10"} {
			_, err := Dial(ctx, addr)
			require.ErrorIs(t, err, ErrInvalid, addr)
		}
	})

	t.Run("dials tcp with and without scheme", func(t *testing.T) {
		r := require.New(t)

		l, err := net.Listen("tcp", "127.0.0.1:0")
		r.NoError(err)
		defer l.Close()

		go func() {
			for {
				c, err := l.Accept()
				if err != nil {
					return
				}
				c.Close()
			}
		}()

		for _, addr := range []string{l.Addr().String(), "tcp://" + l.Addr().String()} {
			c, err := Dial(context.Background(), addr)
			r.NoError(err)
			c.Close()
		}
	})

	t.Run("holds data until the message is complete", func(t *testing.T) {
		r := require.New(t)

		client, server := net.Pipe()
		defer server.Close()

		sock, err := NetConn(client).Resolve()
		r.NoError(err)
		defer sock.Close()

		got := make(chan []byte, 1)
		go func() {
			buf := make([]byte, 10)
			io.ReadFull(server, buf)
			got <- buf
		}()

		r.NoError(sock.Send([]byte("hello"), true))
		r.NoError(sock.Send([]byte("world"), false))

		r.Equal([]byte("helloworld"), <-got)
	})

	t.Run("corks sends on tcp", func(t *testing.T) {
		r := require.New(t)

		l, err := net.Listen("tcp", "127.0.0.1:0")
		r.NoError(err)
		defer l.Close()

		accepted := make(chan net.Conn, 1)
		go func() {
			c, err := l.Accept()
			if err == nil {
				accepted <- c
			}
		}()

		c, err := Dial(context.Background(), l.Addr().String())
		r.NoError(err)

		sock, err := NetConn(c).Resolve()
		r.NoError(err)
		defer sock.Close()

		server := <-accepted
		defer server.Close()

		r.NoError(sock.Send([]byte("header"), true))
		r.NoError(sock.Send([]byte("payload"), false))

		buf := make([]byte, 13)
		_, err = io.ReadFull(server, buf)
		r.NoError(err)
		r.Equal([]byte("headerpayload"), buf)

		_, err = server.Write([]byte("reply"))
		r.NoError(err)

		rbuf := make([]byte, 5)
		r.NoError(sock.Receive(rbuf))
		r.Equal([]byte("reply"), rbuf)

		r.NoError(sock.Shutdown())

		r.ErrorIs(sock.Receive(rbuf), ErrBrokenPipe)
	})

	t.Run("short reads are broken pipes", func(t *testing.T) {
		r := require.New(t)

		client, server := net.Pipe()

		sock, err := NetConn(client).Resolve()
		r.NoError(err)
		defer sock.Close()

		go func() {
			server.Write([]byte("abc"))
			server.Close()
		}()

		err = sock.Receive(make([]byte, 16))
		r.ErrorIs(err, ErrBrokenPipe)
	})

	t.Run("nil connections are invalid", func(t *testing.T) {
		_, err := NetConn(nil).Resolve()
		require.ErrorIs(t, err, ErrInvalid)

		_, err = FD(-1).Resolve()
		require.Error(t, err)
	})
}
