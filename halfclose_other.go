//go:build !unix

package chatsock

import "errors"

func halfClose(int) error {
	return errors.New("half-close is not supported on this platform")
}
