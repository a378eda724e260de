//go:build !linux

package cpu

import (
	"runtime"

	"github.com/samcharles93/ktune/internal/backend"
)

func hostDevice() backend.DeviceInfo {
	return backend.DeviceInfo{
		Name:   runtime.GOARCH,
		Vendor: runtime.GOOS,
	}
}
