//go:build !linux

package kvstore

import (
	"errors"
	"syscall"
)

func isQuotaError(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
