//go:build !unix

package base

// isInterrupted is always false, only unix sockets report EINTR
func isInterrupted(err error) bool {
	return false
}
