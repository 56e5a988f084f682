//go:build !linux

package etcdtest

import "syscall"

func getSysProcAttr() *syscall.SysProcAttr { return nil }
