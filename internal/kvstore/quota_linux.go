//go:build linux

package kvstore

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isQuotaError(err error) bool {
	return errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT)
}
