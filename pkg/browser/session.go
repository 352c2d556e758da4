package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Browser is a connected browser the executor can act on
type Browser interface {
	Pages(ctx context.Context) ([]Page, error)
	Page(ctx context.Context, targetID string) (Page, error)
	Cookies(ctx context.Context, u *url.URL) ([]*http.Cookie, error)
}

// Session wraps a CDP connection to one browser
type Session struct {
	browser        *rod.Browser
	elementTimeout time.Duration
}

// NewSession creates a session over a connected browser
func NewSession(browser *rod.Browser, elementTimeout time.Duration) *Session {
	return &Session{
		browser:        browser,
		elementTimeout: elementTimeout,
	}
}

// Pages lists the open tabs in target order
func (s *Session) Pages(ctx context.Context) ([]Page, error) {
	pages, err := s.browser.Context(ctx).Pages()
	if err != nil {
		return nil, &BrowserError{
			Code:    ErrCodeBrowserCrash,
			Message: fmt.Sprintf("failed to list pages: %v", err),
		}
	}

	result := make([]Page, 0, len(pages))
	for _, page := range pages {
		result = append(result, newRodPage(page, s.elementTimeout))
	}
	return result, nil
}

// Page returns the tab with the given target id
func (s *Session) Page(ctx context.Context, targetID string) (Page, error) {
	page, err := s.browser.Context(ctx).PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, &BrowserError{
			Code:    ErrCodeNotFound,
			Message: fmt.Sprintf("page not found: %s", targetID),
		}
	}
	return newRodPage(page, s.elementTimeout), nil
}

// Cookies returns the browser's cookies that would be sent to u
func (s *Session) Cookies(ctx context.Context, u *url.URL) ([]*http.Cookie, error) {
	cookies, err := s.browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: fmt.Sprintf("failed to get cookies: %v", err),
		}
	}
	return cookiesFor(cookies, u), nil
}

// Close closes the CDP connection without killing the browser
func (s *Session) Close() error {
	if s.browser == nil {
		return nil
	}
	return s.browser.Close()
}

// cookiesFor filters browser cookies by the domain, path and scheme of u
func cookiesFor(cookies []*proto.NetworkCookie, u *url.URL) []*http.Cookie {
	host := strings.ToLower(u.Hostname())
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	result := make([]*http.Cookie, 0)
	for _, c := range cookies {
		if c.Secure && u.Scheme != "https" {
			continue
		}
		if !domainMatches(host, strings.ToLower(c.Domain)) {
			continue
		}
		if !pathMatches(path, c.Path) {
			continue
		}
		result = append(result, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return result
}

func domainMatches(host, domain string) bool {
	if strings.HasPrefix(domain, ".") {
		return host == domain[1:] || strings.HasSuffix(host, domain)
	}
	return host == domain
}

func pathMatches(requestPath, cookiePath string) bool {
	if cookiePath == "" || cookiePath == "/" {
		return true
	}
	if !strings.HasPrefix(requestPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") ||
		len(requestPath) == len(cookiePath) ||
		requestPath[len(cookiePath)] == '/'
}
