package browser

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// cdpWaitTimeout bounds how long a freshly started or attached browser may take to answer
const cdpWaitTimeout = 10 * time.Second

// ProcessManager manages the Chrome process for a profile
type ProcessManager struct {
	profile   *Profile
	launcher  *launcher.Launcher
	mu        sync.RWMutex
	isRunning bool
}

// NewProcessManager creates a new process manager for a profile
func NewProcessManager(profile *Profile) *ProcessManager {
	return &ProcessManager{
		profile: profile,
	}
}

// SpawnChrome launches Chrome with the profile's configuration
func (pm *ProcessManager) SpawnChrome() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.isRunning {
		return nil
	}

	if err := pm.ensureUserDataDir(); err != nil {
		return &BrowserError{
			Code:    ErrCodeConfiguration,
			Message: fmt.Sprintf("Failed to create user data directory: %v", err),
		}
	}

	// Not bound to ctx: the browser outlives the cycle that started it
	l := launcher.New().
		Headless(pm.profile.Headless).
		UserDataDir(pm.profile.UserDataDir).
		RemoteDebuggingPort(pm.profile.CDPPort)

	if pm.profile.NoSandbox {
		l = l.NoSandbox(true)
	}
	if pm.profile.ChromePath != "" {
		l = l.Bin(pm.profile.ChromePath)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return &BrowserError{
			Code:    ErrCodeBrowserCrash,
			Message: fmt.Sprintf("Failed to launch Chrome: %v", err),
		}
	}

	pm.launcher = l
	pm.isRunning = true
	pm.profile.CDPUrl = controlURL

	return nil
}

// ConnectCDP connects to the launched browser's DevTools endpoint
func (pm *ProcessManager) ConnectCDP() (*rod.Browser, error) {
	pm.mu.RLock()
	cdpURL := pm.profile.CDPUrl
	pm.mu.RUnlock()

	if cdpURL == "" {
		return nil, &BrowserError{
			Code:    ErrCodeConfiguration,
			Message: "CDP URL not set",
		}
	}

	return connect(cdpURL)
}

// AttachToExisting connects to a Chrome the user started with remote debugging.
// CDPUrl may be an http or ws endpoint; without one the profile port on localhost is used.
func (pm *ProcessManager) AttachToExisting(ctx context.Context) (*rod.Browser, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	endpoint := pm.profile.CDPUrl
	if endpoint == "" {
		endpoint = net.JoinHostPort("127.0.0.1", strconv.Itoa(pm.profile.CDPPort))
	}

	controlURL, err := waitForCDP(ctx, endpoint, cdpWaitTimeout)
	if err != nil {
		return nil, err
	}

	browser, err := connect(controlURL)
	if err != nil {
		return nil, err
	}

	pm.isRunning = true
	return browser, nil
}

// KillChrome terminates a launched Chrome; an attached browser is left running
func (pm *ProcessManager) KillChrome() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.isRunning {
		return nil
	}

	if pm.launcher != nil {
		pm.launcher.Kill()
		pm.launcher = nil
	}

	pm.isRunning = false
	return nil
}

// IsRunning reports whether a browser is launched or attached
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.isRunning
}

// MarkStopped records that the browser went away
func (pm *ProcessManager) MarkStopped() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.isRunning = false
	pm.launcher = nil
}

func (pm *ProcessManager) ensureUserDataDir() error {
	if pm.profile.UserDataDir == "" {
		pm.profile.UserDataDir = filepath.Join(os.TempDir(), "webagent-profiles", pm.profile.Name)
	}
	return os.MkdirAll(pm.profile.UserDataDir, 0755)
}

// waitForCDP resolves endpoint to a DevTools websocket URL, retrying until timeout
func waitForCDP(ctx context.Context, endpoint string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		controlURL, err := launcher.ResolveURL(endpoint)
		if err == nil {
			return controlURL, nil
		}
		lastErr = err

		if time.Now().After(deadline) {
			return "", &BrowserError{
				Code:    ErrCodeTimeout,
				Message: fmt.Sprintf("CDP endpoint %s not available after %v: %v", endpoint, timeout, lastErr),
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func connect(controlURL string) (*rod.Browser, error) {
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, &BrowserError{
			Code:    ErrCodeBrowserCrash,
			Message: fmt.Sprintf("Failed to connect to CDP: %v", err),
		}
	}
	return browser, nil
}

// ValidateCDPPort checks if a CDP port is valid
func ValidateCDPPort(port int) error {
	if port < 1024 || port > 65535 {
		return fmt.Errorf("CDP port must be between 1024 and 65535, got %d", port)
	}
	return nil
}

// IsChromeInstalled checks if a Chrome binary is on this machine
func IsChromeInstalled() bool {
	_, found := launcher.LookPath()
	return found
}
