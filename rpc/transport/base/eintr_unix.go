//go:build unix

package base

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isInterrupted reports whether a socket call was interrupted by a signal and may be repeated
func isInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}
