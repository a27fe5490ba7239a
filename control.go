package nbdc

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/nbdc/pkg/nbd"
	"github.com/pkg/errors"
)

// Command is a control operation, numbered like the NBD ioctls of
// <linux/nbd.h>.
type Command uint32

const (
	CmdSetSock       Command = 0xab00
	CmdSetBlockSize  Command = 0xab01
	CmdSetSize       Command = 0xab02
	CmdDoIt          Command = 0xab03
	CmdClearSock     Command = 0xab04
	CmdClearQueue    Command = 0xab05
	CmdPrintDebug    Command = 0xab06
	CmdSetSizeBlocks Command = 0xab07
	CmdDisconnect    Command = 0xab08
	CmdSetTimeout    Command = 0xab09
	CmdSetFlags      Command = 0xab0a
)

func (c Command) String() string {
	switch c {
	case CmdSetSock:
		return "set-sock"
	case CmdSetBlockSize:
		return "set-blksize"
	case CmdSetSize:
		return "set-size"
	case CmdDoIt:
		return "do-it"
	case CmdClearSock:
		return "clear-sock"
	case CmdClearQueue:
		return "clear-que"
	case CmdPrintDebug:
		return "print-debug"
	case CmdSetSizeBlocks:
		return "set-size-blocks"
	case CmdDisconnect:
		return "disconnect"
	case CmdSetTimeout:
		return "set-timeout"
	case CmdSetFlags:
		return "set-flags"
	default:
		return "unknown"
	}
}

// Ioctl runs one control operation. Only CmdDoIt blocks, until the session
// ends or ctx is canceled. For CmdSetSock arg is a socket file descriptor, for
// CmdSetFlags it holds NBD transmission flags.
func (d *Device) Ioctl(ctx context.Context, cmd Command, arg uint64) (int, error) {
	d.log.Trace("control operation", "cmd", cmd, "arg", arg)

	switch cmd {
	case CmdDisconnect:
		d.RequestDisconnect()
	case CmdClearSock:
		d.DetachAll()
	case CmdSetSock:
		if err := d.AttachConnection(FD(int(arg))); err != nil {
			return 0, err
		}
	case CmdSetSize:
		d.SetByteSize(arg)
	case CmdSetBlockSize:
		if err := d.SetBlockSize(arg); err != nil {
			return 0, err
		}
	case CmdSetSizeBlocks:
		if err := d.SetByteSizeFromBlocks(arg); err != nil {
			return 0, err
		}
	case CmdDoIt:
		if err := d.Run(ctx); err != nil {
			return 0, err
		}
	case CmdSetFlags:
		flags := uint16(arg)
		d.SetCacheFlags(flags&nbd.NEGO_FLAG_SEND_FLUSH != 0, flags&nbd.NEGO_FLAG_SEND_FUA != 0)
	default:
		return 0, errors.Wrapf(ErrUnknownOperation, "control command 0x%x", uint32(cmd))
	}

	return 0, nil
}

func blockSizeFor(info *nbd.ExportInfo) uint64 {
	bs := info.PreferredBlockSize
	if bs < 512 || bs > 65536 || bs&(bs-1) != 0 {
		return DefaultBlockSize
	}

	return uint64(bs)
}

// Connect dials n connections to addr, negotiates export on each, attaches
// them to dev and configures dev from what the server reported. Run must be
// called afterwards to start serving. Connections attached before a failure
// stay attached until DetachAll.
func Connect(ctx context.Context, log hclog.Logger, dev *Device, addr, export string, n int) (*nbd.ExportInfo, error) {
	if n <= 0 {
		n = 1
	}

	if hw := dev.tags.HwQueues(); n > hw {
		log.Warn("more connections than hardware queues, extra connections stay idle",
			"connections", n, "hw-queues", hw)
	}

	var info *nbd.ExportInfo

	for i := 0; i < n; i++ {
		c, err := Dial(ctx, addr)
		if err != nil {
			return nil, errors.Wrapf(err, "dialing %s", addr)
		}

		ei, err := nbd.Negotiate(c, export)
		if err != nil {
			c.Close()
			return nil, errors.Wrapf(err, "negotiating export %q", export)
		}

		if info == nil {
			info = ei

			if n > 1 && !info.Flag(nbd.NEGOTIATION_REPLY_FLAGS_CAN_MULTI_CONN) {
				log.Warn("server does not advertise multi-conn support", "export", export)
			}
		} else if ei.Size != info.Size {
			c.Close()
			return nil, errors.Wrapf(nbd.ErrProtocol, "export size changed between connections (%d != %d)", info.Size, ei.Size)
		}

		if err := dev.AttachConnection(NetConn(c)); err != nil {
			c.Close()
			return nil, err
		}
	}

	if err := dev.SetBlockSize(blockSizeFor(info)); err != nil {
		return nil, err
	}

	dev.SetByteSize(info.Size)
	dev.SetCacheFlags(info.Flag(nbd.NEGO_FLAG_SEND_FLUSH), info.Flag(nbd.NEGO_FLAG_SEND_FUA))

	log.Info("export connected",
		"device", dev.Name(),
		"export", export,
		"size", info.Size,
		"flags", info.TransmissionFlags,
		"connections", n,
	)

	return info, nil
}
