//go:build darwin || freebsd || linux

package global

import (
	"golang.org/x/sys/unix"
)

func setUmask(umask uint32) error {
	unix.Umask(int(umask))
	return nil
}
