//go:build unix

package chatsock

import "golang.org/x/sys/unix"

// halfClose shuts down the write side of the socket fd.
func halfClose(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}
