//go:build linux

package cpu

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/samcharles93/ktune/internal/backend"
)

func hostDevice() backend.DeviceInfo {
	info := backend.DeviceInfo{
		Name:   runtime.GOARCH,
		Vendor: runtime.GOOS,
	}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		info.Name = unix.ByteSliceToString(uts.Machine[:])
		info.Vendor = unix.ByteSliceToString(uts.Sysname[:])
	}
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err == nil {
		info.GlobalMemory = int64(si.Totalram) * int64(si.Unit)
	}
	info.LocalMemory = int64(unix.Getpagesize())
	return info
}
