//go:build windows

package input

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32           = windows.NewLazySystemDLL("user32.dll")
	kernel32         = windows.NewLazySystemDLL("kernel32.dll")
	procLastInput    = user32.NewProc("GetLastInputInfo")
	procGetTickCount = kernel32.NewProc("GetTickCount")
)

type lastInputInfo struct {
	cbSize uint32
	dwTime uint32
}

// windowsProbe uses GetLastInputInfo, which reports the tick count of the
// most recent input event.
type windowsProbe struct{}

// NewProbe returns the platform idle probe.
func NewProbe() Probe {
	return &windowsProbe{}
}

func (p *windowsProbe) IdleTime(_ context.Context) (time.Duration, error) {
	info := lastInputInfo{cbSize: uint32(unsafe.Sizeof(lastInputInfo{}))}
	ret, _, err := procLastInput.Call(uintptr(unsafe.Pointer(&info)))
	if ret == 0 {
		return 0, fmt.Errorf("GetLastInputInfo: %w", err)
	}

	ticks, _, _ := procGetTickCount.Call()
	// Both values are 32-bit millisecond counters; unsigned subtraction
	// stays correct across the 49.7-day wraparound.
	elapsed := uint32(ticks) - info.dwTime
	return time.Duration(elapsed) * time.Millisecond, nil
}
