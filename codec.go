package nbdc

import (
	"encoding/binary"

	"github.com/lab47/nbdc/pkg/blk"
	"github.com/lab47/nbdc/pkg/nbd"
	"github.com/pkg/errors"
)

func commandCode(op blk.Op) (uint32, error) {
	switch op {
	case blk.OpRead:
		return uint32(nbd.TRANSMISSION_TYPE_REQUEST_READ), nil
	case blk.OpWrite:
		return uint32(nbd.TRANSMISSION_TYPE_REQUEST_WRITE), nil
	case blk.OpFlush:
		return uint32(nbd.TRANSMISSION_TYPE_REQUEST_FLUSH), nil
	case blk.OpDiscard:
		return uint32(nbd.TRANSMISSION_TYPE_REQUEST_TRIM), nil
	default:
		return 0, errors.Wrapf(ErrUnsupported, "nbd command for %s", op)
	}
}

// EncodeRequest builds the request header for one block request. The queue
// index and tag travel in the handle field and come back in the reply.
func EncodeRequest(index uint32, tag int32, op blk.Op, from uint64, length uint32) ([]byte, error) {
	cmd, err := commandCode(op)
	if err != nil {
		return nil, err
	}

	b := make([]byte, nbd.TRANSMISSION_REQUEST_SIZE)
	putRequest(b, cmd, index, uint32(tag), from, length)

	return b, nil
}

// EncodeDisconnect builds the header-only disconnect command.
func EncodeDisconnect(index uint32) []byte {
	b := make([]byte, nbd.TRANSMISSION_REQUEST_SIZE)
	putRequest(b, uint32(nbd.TRANSMISSION_TYPE_REQUEST_DISC), index, 0, 0, 0)

	return b
}

func putRequest(b []byte, cmd, index, tag uint32, from uint64, length uint32) {
	binary.BigEndian.PutUint32(b[0:], nbd.TRANSMISSION_MAGIC_REQUEST)
	binary.BigEndian.PutUint32(b[4:], cmd)
	binary.BigEndian.PutUint32(b[8:], index)
	binary.BigEndian.PutUint32(b[12:], tag)
	binary.BigEndian.PutUint64(b[16:], from)
	binary.BigEndian.PutUint32(b[24:], length)
}

// DecodeReply parses a reply header. outcome is nil when the server reported
// success and a *RemoteError otherwise; err is only set for malformed headers.
func DecodeReply(b *[nbd.TRANSMISSION_REPLY_SIZE]byte) (outcome error, index, tag uint32, err error) {
	if binary.BigEndian.Uint32(b[0:]) != nbd.TRANSMISSION_MAGIC_REPLY {
		return nil, 0, 0, nbd.ErrInvalidMagic
	}

	if code := binary.BigEndian.Uint32(b[4:]); code != 0 {
		outcome = &RemoteError{Code: code}
	}

	return outcome, binary.BigEndian.Uint32(b[8:]), binary.BigEndian.Uint32(b[12:]), nil
}
