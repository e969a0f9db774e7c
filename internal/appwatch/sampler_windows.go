//go:build windows

package appwatch

import (
	"context"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/windows"
)

var (
	user32                       = windows.NewLazySystemDLL("user32.dll")
	procGetForegroundWindow      = user32.NewProc("GetForegroundWindow")
	procGetWindowThreadProcessID = user32.NewProc("GetWindowThreadProcessId")
)

// windowsSampler resolves the foreground window to its process image name.
type windowsSampler struct {
	logger     zerolog.Logger
	warnedOnce bool
}

func newPlatformSampler(logger zerolog.Logger) Sampler {
	return &windowsSampler{logger: logger.With().Str("component", "app-sampler").Logger()}
}

func (s *windowsSampler) AppID(_ context.Context) (string, bool) {
	hwnd, _, _ := procGetForegroundWindow.Call()
	if hwnd == 0 {
		return "", false
	}

	var pid uint32
	procGetWindowThreadProcessID.Call(hwnd, uintptr(unsafe.Pointer(&pid)))
	if pid == 0 {
		return "", false
	}

	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		s.warn(err)
		return "", false
	}
	defer windows.CloseHandle(handle)

	buf := make([]uint16, windows.MAX_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(handle, 0, &buf[0], &size); err != nil {
		s.warn(err)
		return "", false
	}

	exe := filepath.Base(windows.UTF16ToString(buf[:size]))
	id := normalizeAppID(strings.TrimSuffix(exe, ".exe"))
	if id == "" {
		return "", false
	}
	return id, true
}

func (s *windowsSampler) warn(err error) {
	if s.warnedOnce {
		return
	}
	s.warnedOnce = true
	s.logger.Warn().Err(err).Msg("Could not resolve foreground process")
}
