//go:build linux

package zvm

import "golang.org/x/sys/unix"

func hostMachine() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(uts.Machine[:]), nil
}
