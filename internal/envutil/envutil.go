package envutil

import (
	"os"
	"runtime"
)

// IsHeadless reports whether the process has no local graphical display,
// either because it runs over SSH or because no display server is
// advertised. Windows and macOS sessions always have one.
func IsHeadless() bool {
	return headless(runtime.GOOS, os.Getenv)
}

func headless(goos string, getenv func(string) string) bool {
	if getenv("SSH_CONNECTION") != "" || getenv("SSH_TTY") != "" {
		return true
	}
	switch goos {
	case "windows", "darwin":
		return false
	default:
		return getenv("DISPLAY") == "" && getenv("WAYLAND_DISPLAY") == ""
	}
}
