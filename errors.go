package nbdc

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrUnsupported      = errors.New("unsupported operation")
	ErrInvalid          = errors.New("invalid argument")
	ErrBrokenPipe       = errors.New("broken pipe")
	ErrRemote           = errors.New("remote error")
	ErrIO               = errors.New("i/o error")
	ErrInterrupted      = errors.New("interrupted")
	ErrUnknownOperation = errors.New("unknown control operation")
	ErrTimedOut         = errors.New("request timed out")
)

// RemoteError is a non-zero error code reported by the server in a reply.
type RemoteError struct {
	Code uint32
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (code %d)", e.Code)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}
