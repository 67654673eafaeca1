package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"

	"github.com/dgellow/tinyls-client/internal/envutil"
	"github.com/dgellow/tinyls-client/internal/log"
)

// ErrNoBrowser is returned when no app-mode capable browser is installed
var ErrNoBrowser = errors.New("no Chromium-based browser found")

var browserCandidates = map[string][]string{
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
		"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
		"/Applications/Brave Browser.app/Contents/MacOS/Brave Browser",
	},
	"windows": {"chrome.exe", "msedge.exe", "brave.exe"},
	"linux": {
		"google-chrome", "google-chrome-stable", "chromium", "chromium-browser",
		"microsoft-edge", "brave-browser",
	},
}

// DetectMode picks tab mode when there is no local display to put a
// popup on, popup mode otherwise.
func DetectMode() Mode {
	if envutil.IsHeadless() {
		return ModeTab
	}
	return ModePopup
}

// Ensure BrowserOpener implements Opener
var _ Opener = (*BrowserOpener)(nil)

// BrowserOpener opens the popup as a Chromium app window. Each popup gets
// its own profile directory so the browser process lives exactly as long
// as the window does.
type BrowserOpener struct {
	// Executable overrides browser discovery
	Executable string
}

// Available reports whether a browser can be launched
func (b *BrowserOpener) Available() bool {
	_, err := b.executable()
	return err == nil
}

func (b *BrowserOpener) executable() (string, error) {
	if b.Executable != "" {
		return exec.LookPath(b.Executable)
	}
	for _, name := range browserCandidates[runtime.GOOS] {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrNoBrowser
}

func (b *BrowserOpener) Open(_ context.Context, target string, w Window) (Handle, error) {
	exe, err := b.executable()
	if err != nil {
		return nil, err
	}

	dataDir, err := os.MkdirTemp("", "tinyls-login-*")
	if err != nil {
		return nil, fmt.Errorf("creating browser profile: %w", err)
	}

	// Not tied to ctx: the relay closes the window through the handle
	cmd := exec.Command(exe, browserArgs(target, w, dataDir)...)
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(dataDir)
		return nil, fmt.Errorf("launching %s: %w", exe, err)
	}

	p := &browserProcess{cmd: cmd, dataDir: dataDir, exited: make(chan struct{})}
	go p.wait()

	log.LogDebugWithFields("relay", "Opened login window", map[string]any{
		"browser": exe,
		"pid":     cmd.Process.Pid,
		"width":   w.Width,
		"height":  w.Height,
	})
	return p, nil
}

func browserArgs(target string, w Window, dataDir string) []string {
	args := []string{
		fmt.Sprintf("--window-size=%d,%d", w.Width, w.Height),
		fmt.Sprintf("--window-position=%d,%d", w.Left, w.Top),
		"--user-data-dir=" + dataDir,
		"--no-first-run",
		"--no-default-browser-check",
	}
	if w.Chrome {
		return append(args, "--new-window", target)
	}
	return append(args, "--app="+target)
}

type browserProcess struct {
	cmd     *exec.Cmd
	dataDir string
	exited  chan struct{}
}

func (p *browserProcess) wait() {
	_ = p.cmd.Wait()
	_ = os.RemoveAll(p.dataDir)
	close(p.exited)
}

func (p *browserProcess) Closed() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *browserProcess) Close() error {
	if p.Closed() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Ensure SystemNavigator implements Navigator
var _ Navigator = (*SystemNavigator)(nil)

// SystemNavigator hands the URL to the operating system's default
// browser. Without a local display, or when that fails, the URL is
// printed to Out for the user to open elsewhere.
type SystemNavigator struct {
	Out io.Writer
}

func (n *SystemNavigator) Navigate(ctx context.Context, target string) error {
	if envutil.IsHeadless() {
		return n.show(target, nil)
	}

	name, args := openCommand(runtime.GOOS, target)
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return n.show(target, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func (n *SystemNavigator) show(target string, cause error) error {
	if n.Out == nil {
		if cause == nil {
			cause = errors.New("no display and nowhere to print the URL")
		}
		return fmt.Errorf("opening browser: %w", cause)
	}
	_, err := fmt.Fprintf(n.Out, "Open this URL in a browser to continue:\n\n  %s\n\n", target)
	return err
}

func openCommand(goos, target string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{target}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", target}
	default:
		return "xdg-open", []string{target}
	}
}
