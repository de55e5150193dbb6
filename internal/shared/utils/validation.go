package utils

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Length limits for host API input.
const (
	MaxIDLength          = 128
	MaxQueryLength       = 4096
	MaxActionLength      = 64
	MaxCookieCount       = 50
	MaxCookieValueLength = 4096
)

var (
	// SafeIDPattern allows alphanumeric, hyphens, underscores
	SafeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	// ModuleIDPattern also allows dots for reverse-domain module ids
	ModuleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	// CookieNamePattern is the RFC 6265 token charset
	CookieNamePattern = regexp.MustCompile("^[!#$%&'*+\\-.^_`|~0-9a-zA-Z]+$")
)

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if value == "" {
		return nil
	}

	if !utf8.ValidString(value) {
		return fmt.Errorf("%s is not valid UTF-8", fieldName)
	}
	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}

// ValidateID validates an opaque id such as a challenge id
func ValidateID(id, fieldName string, required bool) error {
	if err := ValidateString(id, fieldName, 1, MaxIDLength, required); err != nil {
		return err
	}
	if id != "" && !SafeIDPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (only alphanumeric, hyphens, and underscores allowed)", fieldName)
	}
	return nil
}

// ValidateModuleID validates a module id
func ValidateModuleID(id string) error {
	if err := ValidateString(id, "module_id", 1, MaxIDLength, true); err != nil {
		return err
	}
	if !ModuleIDPattern.MatchString(id) || strings.Trim(id, ".") == "" {
		return fmt.Errorf("module_id contains invalid characters (only alphanumeric, dots, hyphens, and underscores allowed)")
	}
	return nil
}

// ValidateInvocation validates the query and action handed to a module
func ValidateInvocation(query, action string) error {
	if err := ValidateString(query, "query", 0, MaxQueryLength, false); err != nil {
		return err
	}
	return ValidateString(action, "action", 0, MaxActionLength, false)
}

// ValidateCookie validates a cookie supplied as a challenge solution
func ValidateCookie(name, value string) error {
	if name == "" {
		return fmt.Errorf("cookie name is required")
	}
	if !CookieNamePattern.MatchString(name) {
		return fmt.Errorf("cookie name %q contains invalid characters", name)
	}
	if len(value) > MaxCookieValueLength {
		return fmt.Errorf("cookie %s value exceeds %d bytes", name, MaxCookieValueLength)
	}
	if strings.ContainsAny(value, "\x00\r\n;") {
		return fmt.Errorf("cookie %s value contains invalid characters", name)
	}
	return nil
}
