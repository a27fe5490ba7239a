//go:build !unix

package nbdc

import "github.com/pkg/errors"

// FD is a connected stream socket file descriptor.
type FD int

func (fd FD) Resolve() (Socket, error) {
	return nil, errors.Wrap(ErrUnsupported, "file descriptor sockets")
}
