//go:build !linux

package zvm

import "runtime"

func hostMachine() (string, error) {
	return runtime.GOARCH, nil
}
