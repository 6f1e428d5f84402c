package util

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// NormaliseSiteURL canonicalises a submitted Site URL: trimmed, lowercased,
// trailing slashes removed and http:// assumed when no scheme is given.
// Returns "" for blank input.
func NormaliseSiteURL(rawURL string) string {
	rawURL = strings.ToLower(strings.TrimSpace(rawURL))
	rawURL = strings.TrimRight(rawURL, "/")
	if rawURL == "" {
		return ""
	}

	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "http://" + rawURL
	}
	return rawURL
}

// ValidateSiteURL checks a normalised Site URL. Returns an error describing
// why the URL is invalid, or nil if valid.
func ValidateSiteURL(siteURL string) error {
	if siteURL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if len(siteURL) > 2048 {
		return fmt.Errorf("url is longer than 2048 characters")
	}

	parsed, err := url.Parse(siteURL)
	if err != nil {
		return fmt.Errorf("url is malformed: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	if parsed.User != nil {
		return fmt.Errorf("url must not contain credentials")
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	return ValidateDomain(host)
}

// ValidateDomain checks if a host name is a valid public domain.
func ValidateDomain(domain string) error {
	domain = strings.TrimSuffix(strings.TrimPrefix(domain, "www."), ".")
	if domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}

	// Must contain at least one dot (for TLD)
	if !strings.Contains(domain, ".") {
		return fmt.Errorf("domain must contain a TLD (e.g., .com, .co.uk)")
	}

	parts := strings.Split(domain, ".")
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("domain contains empty segment")
		}

		for _, c := range part {
			isLower := c >= 'a' && c <= 'z'
			isUpper := c >= 'A' && c <= 'Z'
			isDigit := c >= '0' && c <= '9'
			isHyphen := c == '-'
			if !isLower && !isUpper && !isDigit && !isHyphen {
				return fmt.Errorf("domain contains invalid character: %c", c)
			}
		}

		if strings.HasPrefix(part, "-") || strings.HasSuffix(part, "-") {
			return fmt.Errorf("domain segment cannot start or end with hyphen")
		}
	}

	tld := parts[len(parts)-1]
	if len(tld) < 2 {
		return fmt.Errorf("TLD must be at least 2 characters")
	}

	lowerDomain := strings.ToLower(domain)
	blockedDomains := []string{"localhost", "localhost.localdomain", "local", "internal"}
	for _, blocked := range blockedDomains {
		if lowerDomain == blocked || strings.HasSuffix(lowerDomain, "."+blocked) {
			return fmt.Errorf("domain %q is not allowed", domain)
		}
	}

	return nil
}

// NormaliseCallbackURL trims and checks an outbound callback endpoint. Unlike
// Site URLs the scheme is required and the path keeps its case.
func NormaliseCallbackURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("callback url cannot be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("callback url is malformed: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("callback url scheme must be http or https")
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("callback url has no host")
	}
	return parsed.String(), nil
}
