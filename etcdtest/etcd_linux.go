//go:build linux

package etcdtest

import "syscall"

// getSysProcAttr has the kernel TERM `etcd` should the test binary die
// without running its tear-down, as on a test timeout.
func getSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
