package nbd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// See https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md and https://github.com/abligh/gonbdserver/

const (
	NEGOTIATION_MAGIC_OLDSTYLE = uint64(0x4e42444d41474943)
	NEGOTIATION_MAGIC_OPTION   = uint64(0x49484156454F5054)
	NEGOTIATION_MAGIC_REPLY    = uint64(0x3e889045565a9)

	NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE = uint16(1 << 0)
	NEGOTIATION_HANDSHAKE_FLAG_NO_ZEROES      = uint16(1 << 1)

	NEGOTIATION_CLIENT_FLAG_FIXED_NEWSTYLE = uint32(1 << 0)
	NEGOTIATION_CLIENT_FLAG_NO_ZEROES      = uint32(1 << 1)

	NEGOTIATION_ID_OPTION_ABORT = uint32(2)
	NEGOTIATION_ID_OPTION_LIST  = uint32(3)
	NEGOTIATION_ID_OPTION_INFO  = uint32(6)
	NEGOTIATION_ID_OPTION_GO    = uint32(7)

	NEGOTIATION_TYPE_REPLY_ACK             = uint32(1)
	NEGOTIATION_TYPE_REPLY_SERVER          = uint32(2)
	NEGOTIATION_TYPE_REPLY_INFO            = uint32(3)
	NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED = uint32(1 | uint32(1<<31))
	NEGOTIATION_TYPE_REPLY_ERR_POLICY      = uint32(2 | uint32(1<<31))
	NEGOTIATION_TYPE_REPLY_ERR_INVALID     = uint32(3 | uint32(1<<31))
	NEGOTIATION_TYPE_REPLY_ERR_UNKNOWN     = uint32(6 | uint32(1<<31))

	negotiationReplyErrorBit = uint32(1 << 31)

	NEGOTIATION_TYPE_INFO_EXPORT      = uint16(0)
	NEGOTIATION_TYPE_INFO_NAME        = uint16(1)
	NEGOTIATION_TYPE_INFO_DESCRIPTION = uint16(2)
	NEGOTIATION_TYPE_INFO_BLOCKSIZE   = uint16(3)

	NEGOTIATION_REPLY_FLAGS_HAS_FLAGS      = uint16((1 << 0))
	NEGOTIATION_REPLY_FLAGS_CAN_MULTI_CONN = uint16((1 << 8))

	NEGO_FLAG_READONLY          = uint16(1 << 1)
	NEGO_FLAG_SEND_FLUSH        = uint16(1 << 2)
	NEGO_FLAG_SEND_FUA          = uint16(1 << 3)
	NEGO_FLAG_ROTATIONAL        = uint16(1 << 4)
	NEGO_FLAG_SEND_TRIM         = uint16(1 << 5)
	NEGO_FLAG_SEND_WRITE_ZEROES = uint16(1 << 6)
	NEGO_FLAG_SEND_DF           = uint16(1 << 7)
	NEGO_FLAG_SEND_RESIZE       = uint16(1 << 9)
	NEGO_FLAG_SEND_CACHE        = uint16(1 << 10)
	NEGO_FLAG_FAST_ZERO         = uint16(1 << 11)
	NEGO_FLAG_BLOCK_STATUS      = uint16(1 << 12)
)

type NegotiationNewstyleHeader struct {
	OldstyleMagic  uint64
	OptionMagic    uint64
	HandshakeFlags uint16
}

type NegotiationOptionHeader struct {
	OptionMagic uint64
	ID          uint32
	Length      uint32
}

type NegotiationReplyHeader struct {
	ReplyMagic uint64
	ID         uint32
	Type       uint32
	Length     uint32
}

type NegotiationReplyInfo struct {
	Type              uint16
	Size              uint64
	TransmissionFlags uint16
}

type NegotiationReplyNameHeader struct {
	Type uint16
}

type NegotiationReplyDescriptionHeader NegotiationReplyNameHeader

type NegotiationReplyBlockSize struct {
	Type               uint16
	MinimumBlockSize   uint32
	PreferredBlockSize uint32
	MaximumBlockSize   uint32
}

// ExportInfo is what a server reports about an export during NBD_OPT_GO.
type ExportInfo struct {
	Name        string
	Description string

	Size              uint64
	TransmissionFlags uint16

	MinimumBlockSize   uint32
	PreferredBlockSize uint32
	MaximumBlockSize   uint32
}

func (e *ExportInfo) Flag(f uint16) bool {
	return e.TransmissionFlags&f != 0
}

// OptionError is returned by Negotiate when the server rejects an option.
type OptionError struct {
	Option  uint32
	Type    uint32
	Message string
}

func (e *OptionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("nbd option %d rejected (reply type 0x%x)", e.Option, e.Type)
	}

	return fmt.Sprintf("nbd option %d rejected (reply type 0x%x): %s", e.Option, e.Type, e.Message)
}

// Negotiate runs the client half of the fixed newstyle handshake on conn and
// selects the named export with NBD_OPT_GO. On success conn is in transmission
// mode.
func Negotiate(conn io.ReadWriter, export string) (*ExportInfo, error) {
	var hdr NegotiationNewstyleHeader
	if err := binary.Read(conn, binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrapf(err, "reading negotiation header")
	}

	if hdr.OldstyleMagic != NEGOTIATION_MAGIC_OLDSTYLE {
		return nil, ErrInvalidMagic
	}

	if hdr.OptionMagic != NEGOTIATION_MAGIC_OPTION {
		return nil, errors.Wrapf(ErrProtocol, "server does not speak newstyle negotiation")
	}

	if hdr.HandshakeFlags&NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE == 0 {
		return nil, errors.Wrapf(ErrProtocol, "server does not support fixed newstyle negotiation")
	}

	clientFlags := NEGOTIATION_CLIENT_FLAG_FIXED_NEWSTYLE
	if hdr.HandshakeFlags&NEGOTIATION_HANDSHAKE_FLAG_NO_ZEROES != 0 {
		clientFlags |= NEGOTIATION_CLIENT_FLAG_NO_ZEROES
	}

	if err := binary.Write(conn, binary.BigEndian, clientFlags); err != nil {
		return nil, errors.Wrapf(err, "writing client flags")
	}

	// name length, name, one information request for the block sizes.
	opt := &bytes.Buffer{}
	binary.Write(opt, binary.BigEndian, uint32(len(export)))
	opt.WriteString(export)
	binary.Write(opt, binary.BigEndian, uint16(1))
	binary.Write(opt, binary.BigEndian, NEGOTIATION_TYPE_INFO_BLOCKSIZE)

	if err := binary.Write(conn, binary.BigEndian, NegotiationOptionHeader{
		OptionMagic: NEGOTIATION_MAGIC_OPTION,
		ID:          NEGOTIATION_ID_OPTION_GO,
		Length:      uint32(opt.Len()),
	}); err != nil {
		return nil, errors.Wrapf(err, "writing go option")
	}

	if _, err := io.Copy(conn, opt); err != nil {
		return nil, errors.Wrapf(err, "writing go option data")
	}

	info := &ExportInfo{Name: export}

	for {
		var reply NegotiationReplyHeader
		if err := binary.Read(conn, binary.BigEndian, &reply); err != nil {
			return nil, errors.Wrapf(err, "reading option reply")
		}

		if reply.ReplyMagic != NEGOTIATION_MAGIC_REPLY {
			return nil, ErrInvalidMagic
		}

		if reply.ID != NEGOTIATION_ID_OPTION_GO {
			return nil, errors.Wrapf(ErrProtocol, "reply for unexpected option %d", reply.ID)
		}

		if reply.Length > maximumOptionReplyLength {
			return nil, errors.Wrapf(ErrProtocol, "option reply too large (%d bytes)", reply.Length)
		}

		data := make([]byte, reply.Length)
		if _, err := io.ReadFull(conn, data); err != nil {
			return nil, errors.Wrapf(err, "reading option reply data")
		}

		switch {
		case reply.Type == NEGOTIATION_TYPE_REPLY_ACK:
			return info, nil
		case reply.Type == NEGOTIATION_TYPE_REPLY_INFO:
			if err := info.parse(data); err != nil {
				return nil, err
			}
		case reply.Type&negotiationReplyErrorBit != 0:
			return nil, &OptionError{
				Option:  reply.ID,
				Type:    reply.Type,
				Message: string(data),
			}
		default:
			// Unknown reply types are skipped, their data has been consumed.
		}
	}
}

const maximumOptionReplyLength = 64 * 1024

func (e *ExportInfo) parse(data []byte) error {
	if len(data) < 2 {
		return errors.Wrapf(ErrProtocol, "short info reply")
	}

	typ := binary.BigEndian.Uint16(data)
	data = data[2:]

	switch typ {
	case NEGOTIATION_TYPE_INFO_EXPORT:
		if len(data) < 10 {
			return errors.Wrapf(ErrProtocol, "short export info")
		}

		e.Size = binary.BigEndian.Uint64(data)
		e.TransmissionFlags = binary.BigEndian.Uint16(data[8:])
	case NEGOTIATION_TYPE_INFO_NAME:
		e.Name = string(data)
	case NEGOTIATION_TYPE_INFO_DESCRIPTION:
		e.Description = string(data)
	case NEGOTIATION_TYPE_INFO_BLOCKSIZE:
		if len(data) < 12 {
			return errors.Wrapf(ErrProtocol, "short block size info")
		}

		e.MinimumBlockSize = binary.BigEndian.Uint32(data)
		e.PreferredBlockSize = binary.BigEndian.Uint32(data[4:])
		e.MaximumBlockSize = binary.BigEndian.Uint32(data[8:])
	}

	return nil
}
