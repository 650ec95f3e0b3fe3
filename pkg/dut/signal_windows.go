//go:build windows

package dut

import "os"

var terminateSignal = os.Kill
