package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func errNotRegistered(fd int) error {
	return fmt.Errorf("reactor: fd %d is not registered", fd)
}

func unsupportedBackend(name Name) error {
	return fmt.Errorf("reactor: unsupported backend %q", name)
}

// isEINTR reports whether err is (or wraps) EINTR, the signal-interruption
// error every backend's blocking wait call can return and must retry on
// rather than surface to the session layer.
func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
