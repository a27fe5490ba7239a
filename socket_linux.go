package nbdc

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const haveSendMore = true

// sendMore writes b with MSG_MORE so the kernel holds the data back until the
// rest of the message is sent.
func sendMore(rc syscall.RawConn, b []byte) error {
	for len(b) > 0 {
		var opErr error

		err := rc.Write(func(fd uintptr) bool {
			n, err := unix.SendmsgN(int(fd), b, nil, nil, unix.MSG_MORE|unix.MSG_NOSIGNAL)
			switch err {
			case nil:
				b = b[n:]
			case unix.EAGAIN, unix.EINTR:
				return false
			default:
				opErr = err
			}

			return true
		})
		if err != nil {
			return mapIOError(err)
		}

		if opErr != nil {
			return mapIOError(opErr)
		}
	}

	return nil
}

func shutdownRaw(rc syscall.RawConn) error {
	var opErr error

	err := rc.Control(func(fd uintptr) {
		opErr = unix.Shutdown(int(fd), unix.SHUT_RDWR)
	})
	if err != nil {
		return err
	}

	return opErr
}
