//go:build unix

package nbdc

import (
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FD is a connected stream socket file descriptor. The caller keeps
// ownership of it, the resolved Socket works on a duplicate.
type FD int

func (fd FD) Resolve() (Socket, error) {
	if fd < 0 {
		return nil, errors.Wrapf(ErrInvalid, "bad file descriptor %d", int(fd))
	}

	dup, err := unix.Dup(int(fd))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "bad file descriptor %d: %s", int(fd), err)
	}

	f := os.NewFile(uintptr(dup), "nbd-sock-"+strconv.Itoa(int(fd)))
	defer f.Close()

	c, err := net.FileConn(f)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "file descriptor %d is not a socket: %s", int(fd), err)
	}

	return newSocket(c), nil
}
