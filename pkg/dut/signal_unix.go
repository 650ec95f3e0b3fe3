//go:build !windows

package dut

import "syscall"

var terminateSignal = syscall.SIGTERM
