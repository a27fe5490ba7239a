package nbd

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

var (
	ErrProtocol         = errors.New("nbd protocol error")
	ErrInvalidMagic     = errors.Wrap(ErrProtocol, "invalid magic")
	ErrInvalidBlocksize = errors.New("invalid blocksize")
)

const (
	defaultMaximumRequestSize = 32 * 1024 * 1024 // Support for a 32M maximum packet size is expected: https://sourceforge.net/p/nbd/mailman/message/35081223/

	idlePollInterval = 100 * time.Millisecond
)

type Export struct {
	Name        string
	Description string

	BackendOpen BackendOpen
	Backend     Backend
}

type Options struct {
	ReadOnly bool

	MinimumBlockSize   uint32
	PreferredBlockSize uint32
	MaximumBlockSize   uint32

	MaximumRequestSize int
	SupportsMultiConn  bool
}

func (o *Options) setDefaults() {
	if o.MinimumBlockSize == 0 {
		o.MinimumBlockSize = 1
	}

	if o.PreferredBlockSize == 0 {
		o.PreferredBlockSize = 4096
	}

	if o.MaximumBlockSize == 0 {
		o.MaximumBlockSize = defaultMaximumRequestSize
	}

	if o.MaximumRequestSize == 0 {
		o.MaximumRequestSize = defaultMaximumRequestSize
	}
}

func (o *Options) transmissionFlags() uint16 {
	flags := NEGOTIATION_REPLY_FLAGS_HAS_FLAGS |
		NEGO_FLAG_SEND_WRITE_ZEROES |
		NEGO_FLAG_SEND_FLUSH |
		NEGO_FLAG_SEND_TRIM

	if o.SupportsMultiConn {
		flags |= NEGOTIATION_REPLY_FLAGS_CAN_MULTI_CONN
	}

	if o.ReadOnly {
		flags |= NEGO_FLAG_READONLY
	}

	return flags
}

// Handle serves one client connection: the newstyle negotiation followed by
// the transmission phase. It returns nil when the client disconnects cleanly.
func Handle(log hclog.Logger, conn net.Conn, exports []*Export, options *Options) error {
	if options == nil {
		options = &Options{
			ReadOnly:          false,
			SupportsMultiConn: true,
		}
	}

	options.setDefaults()

	export, backend, err := negotiate(log, conn, exports, options)
	if err != nil {
		return err
	}

	if export == nil {
		// client aborted
		return nil
	}

	if export.BackendOpen != nil {
		defer export.BackendOpen.Close(backend)
	}

	return transmit(log, conn, backend, options)
}

func writeOptionReply(w io.Writer, id, typ uint32, data *bytes.Buffer) error {
	var length uint32
	if data != nil {
		length = uint32(data.Len())
	}

	if err := binary.Write(w, binary.BigEndian, NegotiationReplyHeader{
		ReplyMagic: NEGOTIATION_MAGIC_REPLY,
		ID:         id,
		Type:       typ,
		Length:     length,
	}); err != nil {
		return err
	}

	if data == nil {
		return nil
	}

	_, err := io.Copy(w, data)
	return err
}

func writeInfo(w io.Writer, id uint32, v ...any) error {
	info := &bytes.Buffer{}
	for _, x := range v {
		if err := binary.Write(info, binary.BigEndian, x); err != nil {
			return err
		}
	}

	return writeOptionReply(w, id, NEGOTIATION_TYPE_REPLY_INFO, info)
}

func negotiate(log hclog.Logger, conn net.Conn, exports []*Export, options *Options) (*Export, Backend, error) {
	if err := binary.Write(conn, binary.BigEndian, NegotiationNewstyleHeader{
		OldstyleMagic:  NEGOTIATION_MAGIC_OLDSTYLE,
		OptionMagic:    NEGOTIATION_MAGIC_OPTION,
		HandshakeFlags: NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE,
	}); err != nil {
		return nil, nil, errors.Wrapf(err, "unable to negation newstyle header")
	}

	var clientFlags uint32

	err := binary.Read(conn, binary.BigEndian, &clientFlags)
	if err != nil {
		return nil, nil, err
	}

	log.Trace("client flags", "value", clientFlags)

	for {
		var optionHeader NegotiationOptionHeader
		if err := binary.Read(conn, binary.BigEndian, &optionHeader); err != nil {
			return nil, nil, errors.Wrapf(err, "reading negation option")
		}

		if optionHeader.OptionMagic != NEGOTIATION_MAGIC_OPTION {
			return nil, nil, ErrInvalidMagic
		}

		log.Trace("negoation option", "id", optionHeader.ID, "len", optionHeader.Length)

		switch optionHeader.ID {
		case NEGOTIATION_ID_OPTION_INFO, NEGOTIATION_ID_OPTION_GO:
			var exportNameLength uint32
			if err := binary.Read(conn, binary.BigEndian, &exportNameLength); err != nil {
				return nil, nil, err
			}

			if uint64(exportNameLength)+4 > uint64(optionHeader.Length) {
				return nil, nil, errors.Wrapf(ErrProtocol, "export name longer than option")
			}

			exportName := make([]byte, exportNameLength)
			if _, err := io.ReadFull(conn, exportName); err != nil {
				return nil, nil, err
			}

			// Discard the information requests, we always send everything.
			if length := int64(optionHeader.Length) - 4 - int64(exportNameLength); length > 0 {
				if _, err := io.CopyN(io.Discard, conn, length); err != nil {
					return nil, nil, err
				}
			}

			log.Debug("looking for export", "name", string(exportName))

			var export *Export
			for _, candidate := range exports {
				if candidate.Name == string(exportName) {
					export = candidate
					break
				}
			}

			if export == nil {
				log.Error("no export found", "name", string(exportName))

				if err := writeOptionReply(conn, optionHeader.ID, NEGOTIATION_TYPE_REPLY_ERR_UNKNOWN, nil); err != nil {
					return nil, nil, err
				}

				continue
			}

			backend := export.Backend
			if export.BackendOpen != nil {
				backend = export.BackendOpen.Open()
			}

			size, err := backend.Size()
			if err != nil {
				if export.BackendOpen != nil {
					export.BackendOpen.Close(backend)
				}
				return nil, nil, err
			}

			log.Debug("reporting device size", "size", size)

			if err := sendExportInfo(conn, optionHeader.ID, export, exportName, uint64(size), options); err != nil {
				if export.BackendOpen != nil {
					export.BackendOpen.Close(backend)
				}
				return nil, nil, err
			}

			if optionHeader.ID == NEGOTIATION_ID_OPTION_GO {
				log.Debug("entering transmission mode")
				return export, backend, nil
			}

			if export.BackendOpen != nil {
				export.BackendOpen.Close(backend)
			}
		case NEGOTIATION_ID_OPTION_ABORT:
			if err := writeOptionReply(conn, optionHeader.ID, NEGOTIATION_TYPE_REPLY_ACK, nil); err != nil {
				return nil, nil, err
			}

			return nil, nil, nil
		case NEGOTIATION_ID_OPTION_LIST:
			for _, export := range exports {
				info := &bytes.Buffer{}
				binary.Write(info, binary.BigEndian, uint32(len(export.Name)))
				info.WriteString(export.Name)

				if err := writeOptionReply(conn, optionHeader.ID, NEGOTIATION_TYPE_REPLY_SERVER, info); err != nil {
					return nil, nil, err
				}
			}

			if err := writeOptionReply(conn, optionHeader.ID, NEGOTIATION_TYPE_REPLY_ACK, nil); err != nil {
				return nil, nil, err
			}
		default:
			_, err := io.CopyN(io.Discard, conn, int64(optionHeader.Length)) // Discard the unknown option's data
			if err != nil {
				return nil, nil, err
			}

			if err := writeOptionReply(conn, optionHeader.ID, NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED, nil); err != nil {
				return nil, nil, err
			}
		}
	}
}

func sendExportInfo(conn net.Conn, id uint32, export *Export, name []byte, size uint64, options *Options) error {
	if err := writeInfo(conn, id, NegotiationReplyInfo{
		Type:              NEGOTIATION_TYPE_INFO_EXPORT,
		Size:              size,
		TransmissionFlags: options.transmissionFlags(),
	}); err != nil {
		return err
	}

	if err := writeInfo(conn, id, NegotiationReplyNameHeader{
		Type: NEGOTIATION_TYPE_INFO_NAME,
	}, name); err != nil {
		return err
	}

	if err := writeInfo(conn, id, NegotiationReplyDescriptionHeader{
		Type: NEGOTIATION_TYPE_INFO_DESCRIPTION,
	}, []byte(export.Description)); err != nil {
		return err
	}

	if err := writeInfo(conn, id, NegotiationReplyBlockSize{
		Type:               NEGOTIATION_TYPE_INFO_BLOCKSIZE,
		MinimumBlockSize:   options.MinimumBlockSize,
		PreferredBlockSize: options.PreferredBlockSize,
		MaximumBlockSize:   options.MaximumBlockSize,
	}); err != nil {
		return err
	}

	return writeOptionReply(conn, id, NEGOTIATION_TYPE_REPLY_ACK, nil)
}

func writeReply(w io.Writer, handle uint64, errno uint32) error {
	return binary.Write(w, binary.BigEndian, TransmissionReplyHeader{
		ReplyMagic: TRANSMISSION_MAGIC_REPLY,
		Error:      errno,
		Handle:     handle,
	})
}

func readRequest(conn net.Conn, backend Backend, hdr *TransmissionRequestHeader) error {
	idler, ok := backend.(Idler)
	if !ok {
		return binary.Read(conn, binary.BigEndian, hdr)
	}

	idler.Idle()

	defer conn.SetReadDeadline(time.Time{})

	var (
		buf [TRANSMISSION_REQUEST_SIZE]byte
		n   int
	)

	for n < len(buf) {
		conn.SetReadDeadline(time.Now().Add(idlePollInterval))

		m, err := conn.Read(buf[n:])
		n += m

		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if n == 0 {
					idler.Idle()
				}
				continue
			}

			if err == io.EOF && n > 0 {
				err = io.ErrUnexpectedEOF
			}

			return err
		}
	}

	return binary.Read(bytes.NewReader(buf[:]), binary.BigEndian, hdr)
}

func transmit(log hclog.Logger, conn net.Conn, backend Backend, options *Options) error {
	var b []byte

	for {
		var requestHeader TransmissionRequestHeader

		if err := readRequest(conn, backend, &requestHeader); err != nil {
			return err
		}

		if requestHeader.RequestMagic != TRANSMISSION_MAGIC_REQUEST {
			return ErrInvalidMagic
		}

		length := requestHeader.Length
		handle := requestHeader.Handle

		log.Trace("nbd request",
			"type", requestHeader.Type,
			"offset", requestHeader.Offset,
			"length", length,
			"handle", handle,
		)

		if requestHeader.Type == TRANSMISSION_TYPE_REQUEST_READ || requestHeader.Type == TRANSMISSION_TYPE_REQUEST_WRITE {
			if length > uint32(options.MaximumRequestSize) {
				return ErrInvalidBlocksize
			}

			if length > uint32(len(b)) {
				b = make([]byte, length)
			}
		}

		switch requestHeader.Type {
		case TRANSMISSION_TYPE_REQUEST_READ:
			n, err := backend.ReadAt(b[:length], int64(requestHeader.Offset))
			if err != nil || n != int(length) {
				log.Error("error reading from backend", "error", err, "offset", requestHeader.Offset)

				if err := writeReply(conn, handle, TRANSMISSION_ERROR_EIO); err != nil {
					return err
				}

				break
			}

			if err := writeReply(conn, handle, 0); err != nil {
				return err
			}

			if _, err := conn.Write(b[:n]); err != nil {
				return err
			}
		case TRANSMISSION_TYPE_REQUEST_WRITE:
			// The payload always follows the header, even when the write will be
			// rejected.
			if _, err := io.ReadFull(conn, b[:length]); err != nil {
				return err
			}

			if options.ReadOnly {
				if err := writeReply(conn, handle, TRANSMISSION_ERROR_EPERM); err != nil {
					return err
				}

				break
			}

			var errno uint32
			if _, err := backend.WriteAt(b[:length], int64(requestHeader.Offset)); err != nil {
				log.Error("error writing to backend", "error", err, "offset", requestHeader.Offset)
				errno = TRANSMISSION_ERROR_EIO
			}

			if err := writeReply(conn, handle, errno); err != nil {
				return err
			}
		case TRANSMISSION_TYPE_REQUEST_WRITEZ, TRANSMISSION_TYPE_REQUEST_TRIM:
			if options.ReadOnly {
				if err := writeReply(conn, handle, TRANSMISSION_ERROR_EPERM); err != nil {
					return err
				}

				break
			}

			var err error
			if requestHeader.Type == TRANSMISSION_TYPE_REQUEST_TRIM {
				err = backend.Trim(int64(requestHeader.Offset), int64(length))
			} else {
				err = backend.ZeroAt(int64(requestHeader.Offset), int64(length))
			}

			var errno uint32
			if err != nil {
				log.Error("error zeroing backend range", "error", err, "offset", requestHeader.Offset)
				errno = TRANSMISSION_ERROR_EIO
			}

			if err := writeReply(conn, handle, errno); err != nil {
				return err
			}
		case TRANSMISSION_TYPE_REQUEST_FLUSH:
			var errno uint32
			if !options.ReadOnly {
				if err := backend.Sync(); err != nil {
					log.Error("error syncing backend", "error", err)
					errno = TRANSMISSION_ERROR_EIO
				}
			}

			if err := writeReply(conn, handle, errno); err != nil {
				return err
			}
		case TRANSMISSION_TYPE_REQUEST_DISC:
			log.Debug("client requested disconnect")

			if !options.ReadOnly {
				if err := backend.Sync(); err != nil {
					return err
				}
			}

			return nil
		default:
			if err := writeReply(conn, handle, TRANSMISSION_ERROR_EINVAL); err != nil {
				return err
			}
		}
	}
}
