package browser

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// SecurityValidator checks OPEN_URL targets against the configured policy
type SecurityValidator struct {
	config SecurityConfig
	logger zerolog.Logger
}

// NewSecurityValidator creates a new security validator
func NewSecurityValidator(config SecurityConfig, logger zerolog.Logger) *SecurityValidator {
	return &SecurityValidator{
		config: config,
		logger: logger,
	}
}

// ValidateURL validates a URL and checks security policies
func (sv *SecurityValidator) ValidateURL(urlStr string) error {
	// Parse URL
	parsedURL, err := url.Parse(urlStr)
	if err != nil || parsedURL.Scheme == "" {
		return &BrowserError{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("Invalid URL format: %s", urlStr),
		}
	}

	switch parsedURL.Scheme {
	case "http", "https", "file", "about":
	default:
		sv.logSecurityViolation("scheme_blocked", urlStr)
		return &BrowserError{
			Code:    ErrCodeSecurity,
			Message: fmt.Sprintf("URL scheme not allowed: %s", parsedURL.Scheme),
			Details: map[string]interface{}{
				"url": urlStr,
			},
		}
	}

	// Check for file:// URLs
	if parsedURL.Scheme == "file" && !sv.config.AllowFileUrls {
		sv.logSecurityViolation("file_url_blocked", urlStr)
		return &BrowserError{
			Code:    ErrCodeSecurity,
			Message: "file:// URLs are not allowed",
			Details: map[string]interface{}{
				"url": urlStr,
			},
		}
	}

	// Check for localhost URLs
	if sv.isLocalhostURL(parsedURL) && !sv.config.AllowLocalhostUrls {
		sv.logSecurityViolation("localhost_url_blocked", urlStr)
		return &BrowserError{
			Code:    ErrCodeSecurity,
			Message: "localhost URLs are not allowed",
			Details: map[string]interface{}{
				"url": urlStr,
			},
		}
	}

	// Check allowed domains
	if len(sv.config.AllowedDomains) > 0 {
		if !sv.isDomainAllowed(parsedURL.Hostname()) {
			sv.logSecurityViolation("domain_not_allowed", urlStr)
			return &BrowserError{
				Code:    ErrCodeSecurity,
				Message: fmt.Sprintf("Domain not in allowed list: %s", parsedURL.Host),
				Details: map[string]interface{}{
					"url":    urlStr,
					"domain": parsedURL.Host,
				},
			}
		}
	}

	// Check blocked domains
	if len(sv.config.BlockedDomains) > 0 {
		if sv.isDomainBlocked(parsedURL.Hostname()) {
			sv.logSecurityViolation("domain_blocked", urlStr)
			return &BrowserError{
				Code:    ErrCodeSecurity,
				Message: fmt.Sprintf("Domain is blocked: %s", parsedURL.Host),
				Details: map[string]interface{}{
					"url":    urlStr,
					"domain": parsedURL.Host,
				},
			}
		}
	}

	return nil
}

// isLocalhostURL checks if a URL points to localhost
func (sv *SecurityValidator) isLocalhostURL(parsedURL *url.URL) bool {
	host := strings.ToLower(parsedURL.Hostname())
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}

	return host == "localhost" ||
		strings.HasSuffix(host, ".localhost") ||
		strings.HasPrefix(host, "localhost.")
}

// isDomainAllowed checks if a domain is in the allowed list
func (sv *SecurityValidator) isDomainAllowed(host string) bool {
	for _, allowed := range sv.config.AllowedDomains {
		if sv.matchDomain(host, allowed) {
			return true
		}
	}

	return false
}

// isDomainBlocked checks if a domain is in the blocked list
func (sv *SecurityValidator) isDomainBlocked(host string) bool {
	for _, blocked := range sv.config.BlockedDomains {
		if sv.matchDomain(host, blocked) {
			return true
		}
	}

	return false
}

// matchDomain checks if a host matches a domain pattern
func (sv *SecurityValidator) matchDomain(host, pattern string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)

	// Exact match
	if host == pattern {
		return true
	}

	// Wildcard match (*.example.com)
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[2:]
		return strings.HasSuffix(host, "."+suffix) || host == suffix
	}

	// Subdomain match (.example.com matches any subdomain)
	if strings.HasPrefix(pattern, ".") {
		return strings.HasSuffix(host, pattern) || host == pattern[1:]
	}

	return false
}

func (sv *SecurityValidator) logSecurityViolation(violationType, details string) {
	sv.logger.Warn().
		Str("violation", violationType).
		Str("url", details).
		Msg("Blocked navigation")
}

// IsValidSelector checks if a selector is valid
func IsValidSelector(selector string) bool {
	if strings.TrimSpace(selector) == "" {
		return false
	}

	// Check for script injection attempts
	dangerous := []string{"<script", "javascript:", "onerror=", "onload="}
	lowerSelector := strings.ToLower(selector)
	for _, pattern := range dangerous {
		if strings.Contains(lowerSelector, pattern) {
			return false
		}
	}

	return true
}

