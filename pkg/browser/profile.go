package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog"
)

// ProfileContext owns the browser for one profile and reconnects when it goes away
type ProfileContext struct {
	profile        *Profile
	processManager *ProcessManager
	elementTimeout time.Duration
	logger         zerolog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	session *Session
}

// NewProfileContext creates a new profile context
func NewProfileContext(profile Profile, elementTimeout time.Duration, logger zerolog.Logger) *ProfileContext {
	p := profile
	return &ProfileContext{
		profile:        &p,
		processManager: NewProcessManager(&p),
		elementTimeout: elementTimeout,
		logger:         logger.With().Str("profile", profile.Name).Logger(),
	}
}

// Browser returns a healthy session, launching or attaching as configured
func (pc *ProfileContext) Browser(ctx context.Context) (Browser, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.session != nil {
		if _, err := pc.browser.Context(ctx).Version(); err == nil {
			return pc.session, nil
		}
		pc.logger.Warn().Msg("Browser connection lost, reconnecting")
		_ = pc.session.Close()
		pc.session = nil
		pc.browser = nil
		pc.processManager.MarkStopped()
	}

	var (
		browser *rod.Browser
		err     error
	)
	if pc.profile.AttachOnly {
		browser, err = pc.processManager.AttachToExisting(ctx)
	} else {
		if err := pc.processManager.SpawnChrome(); err != nil {
			return nil, err
		}
		browser, err = pc.processManager.ConnectCDP()
	}
	if err != nil {
		return nil, err
	}

	pc.browser = browser
	pc.session = NewSession(browser, pc.elementTimeout)

	pc.logger.Info().
		Bool("attach_only", pc.profile.AttachOnly).
		Bool("headless", pc.profile.Headless).
		Msg("Browser connected")
	return pc.session, nil
}

// Stop disconnects and kills a browser this process launched
func (pc *ProfileContext) Stop() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.session != nil {
		_ = pc.session.Close()
		pc.session = nil
		pc.browser = nil
	}

	return pc.processManager.KillChrome()
}

// GetProfile returns the profile
func (pc *ProfileContext) GetProfile() Profile {
	return *pc.profile
}

// ValidateProfileConfig validates a profile configuration
func ValidateProfileConfig(profile *Profile) error {
	if profile.Name == "" {
		return &BrowserError{
			Code:    ErrCodeValidation,
			Message: "Profile name is required",
		}
	}

	if profile.CDPUrl == "" {
		if err := ValidateCDPPort(profile.CDPPort); err != nil {
			return &BrowserError{
				Code:    ErrCodeValidation,
				Message: fmt.Sprintf("Invalid CDP port: %v", err),
			}
		}
	}

	return nil
}
