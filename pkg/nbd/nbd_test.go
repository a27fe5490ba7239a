package nbd

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, backend Backend, opts *Options) (net.Conn, chan error) {
	t.Helper()

	client, server := net.Pipe()

	exports := []*Export{
		{
			Name:        "test",
			Description: "test disk",
			Backend:     backend,
		},
	}

	done := make(chan error, 1)

	go func() {
		defer server.Close()
		done <- Handle(hclog.NewNullLogger(), server, exports, opts)
	}()

	t.Cleanup(func() { client.Close() })

	return client, done
}

func TestNegotiate(t *testing.T) {
	t.Run("selects an export and reports its geometry", func(t *testing.T) {
		r := require.New(t)

		conn, _ := serve(t, NewMemoryBackend(1024*1024), &Options{
			SupportsMultiConn:  true,
			MinimumBlockSize:   512,
			PreferredBlockSize: 4096,
		})

		info, err := Negotiate(conn, "test")
		r.NoError(err)

		r.Equal(uint64(1024*1024), info.Size)
		r.Equal("test", info.Name)
		r.Equal("test disk", info.Description)
		r.Equal(uint32(512), info.MinimumBlockSize)
		r.Equal(uint32(4096), info.PreferredBlockSize)

		r.True(info.Flag(NEGOTIATION_REPLY_FLAGS_HAS_FLAGS))
		r.True(info.Flag(NEGOTIATION_REPLY_FLAGS_CAN_MULTI_CONN))
		r.True(info.Flag(NEGO_FLAG_SEND_FLUSH))
		r.True(info.Flag(NEGO_FLAG_SEND_TRIM))
		r.False(info.Flag(NEGO_FLAG_READONLY))
	})

	t.Run("reports unknown exports", func(t *testing.T) {
		r := require.New(t)

		conn, _ := serve(t, NewMemoryBackend(4096), nil)

		_, err := Negotiate(conn, "missing")
		r.Error(err)

		var oe *OptionError
		r.True(errors.As(err, &oe))
		r.Equal(NEGOTIATION_TYPE_REPLY_ERR_UNKNOWN, oe.Type)
		r.Equal(NEGOTIATION_ID_OPTION_GO, oe.Option)
	})
}

func writeRequest(t *testing.T, w io.Writer, typ uint16, handle, off uint64, length uint32) {
	t.Helper()

	require.NoError(t, binary.Write(w, binary.BigEndian, TransmissionRequestHeader{
		RequestMagic: TRANSMISSION_MAGIC_REQUEST,
		Type:         typ,
		Handle:       handle,
		Offset:       off,
		Length:       length,
	}))
}

func readReply(t *testing.T, r io.Reader) TransmissionReplyHeader {
	t.Helper()

	var rep TransmissionReplyHeader
	require.NoError(t, binary.Read(r, binary.BigEndian, &rep))
	require.Equal(t, TRANSMISSION_MAGIC_REPLY, rep.ReplyMagic)

	return rep
}

func TestTransmission(t *testing.T) {
	t.Run("serves writes, reads, flushes and disconnects", func(t *testing.T) {
		r := require.New(t)

		backend := NewMemoryBackend(64 * 1024)

		conn, done := serve(t, backend, nil)

		_, err := Negotiate(conn, "test")
		r.NoError(err)

		data := bytes.Repeat([]byte{0x47}, 4096)

		handle := MakeHandle(1, 7)

		writeRequest(t, conn, TRANSMISSION_TYPE_REQUEST_WRITE, handle, 8192, 4096)
		_, err = conn.Write(data)
		r.NoError(err)

		rep := readReply(t, conn)
		r.Equal(uint32(0), rep.Error)
		r.Equal(handle, rep.Handle)

		index, tag := SplitHandle(rep.Handle)
		r.Equal(uint32(1), index)
		r.Equal(uint32(7), tag)

		writeRequest(t, conn, TRANSMISSION_TYPE_REQUEST_READ, handle, 8192, 4096)

		rep = readReply(t, conn)
		r.Equal(uint32(0), rep.Error)

		buf := make([]byte, 4096)
		_, err = io.ReadFull(conn, buf)
		r.NoError(err)
		r.Equal(data, buf)

		writeRequest(t, conn, TRANSMISSION_TYPE_REQUEST_FLUSH, handle, 0, 0)
		rep = readReply(t, conn)
		r.Equal(uint32(0), rep.Error)
		r.Equal(1, backend.Syncs())

		writeRequest(t, conn, TRANSMISSION_TYPE_REQUEST_DISC, 0, 0, 0)

		r.NoError(<-done)
	})

	t.Run("reports out of range reads as errors", func(t *testing.T) {
		r := require.New(t)

		conn, _ := serve(t, NewMemoryBackend(4096), nil)

		_, err := Negotiate(conn, "test")
		r.NoError(err)

		writeRequest(t, conn, TRANSMISSION_TYPE_REQUEST_READ, 3, 4096, 4096)

		rep := readReply(t, conn)
		r.Equal(TRANSMISSION_ERROR_EIO, rep.Error)
		r.Equal(uint64(3), rep.Handle)
	})

	t.Run("rejects writes to read-only exports", func(t *testing.T) {
		r := require.New(t)

		conn, _ := serve(t, NewMemoryBackend(4096), &Options{ReadOnly: true})

		info, err := Negotiate(conn, "test")
		r.NoError(err)
		r.True(info.Flag(NEGO_FLAG_READONLY))

		writeRequest(t, conn, TRANSMISSION_TYPE_REQUEST_WRITE, 9, 0, 512)
		_, err = conn.Write(make([]byte, 512))
		r.NoError(err)

		rep := readReply(t, conn)
		r.Equal(TRANSMISSION_ERROR_EPERM, rep.Error)
	})

	t.Run("fails the connection on a bad request magic", func(t *testing.T) {
		r := require.New(t)

		conn, done := serve(t, NewMemoryBackend(4096), nil)

		_, err := Negotiate(conn, "test")
		r.NoError(err)

		r.NoError(binary.Write(conn, binary.BigEndian, TransmissionRequestHeader{
			RequestMagic: 0xdeadbeef,
		}))

		err = <-done
		r.ErrorIs(err, ErrProtocol)
	})
}
