//go:build !linux

package nbdc

import (
	"syscall"

	"github.com/pkg/errors"
)

const haveSendMore = false

func sendMore(rc syscall.RawConn, b []byte) error {
	return errors.Wrap(ErrUnsupported, "MSG_MORE")
}

func shutdownRaw(rc syscall.RawConn) error {
	return errors.Wrap(ErrUnsupported, "raw shutdown")
}
