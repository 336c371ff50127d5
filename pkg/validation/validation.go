package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"unicode"
	"unicode/utf8"
)

// UserIDRegex validates user ID format
var UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._@+-]+$`)

// ValidateUserID validates a user ID
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(userID) > 100 {
		return fmt.Errorf("user ID is too long (max 100 characters)")
	}
	if !UserIDRegex.MatchString(userID) {
		return fmt.Errorf("invalid user ID format")
	}
	return nil
}

// ValidateDisplayName validates a display name. Empty is allowed; callers
// fall back to the user ID.
func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > 100 {
		return fmt.Errorf("display name is too long (max 100 characters)")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("display name contains control characters")
		}
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
