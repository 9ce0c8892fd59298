package chaterr

import (
	"strings"
	"sync"
)

// SanitizedMessage replaces any error text that may carry credential material.
const SanitizedMessage = "request failed: credentials rejected or redacted"

var authMarkers = []string{
	"api key",
	"api_key",
	"apikey",
	"authorization",
	"bearer",
	"x-api-key",
	"sk-",
	"invalid_api_key",
	"access token",
	"access_token",
	"auth token",
	"auth_token",
	"refresh token",
	"secret",
	"password",
}

var (
	secretsMu sync.RWMutex
	secrets   []string
)

// RegisterSecret adds a configured credential that must never appear in
// sanitized text. Short values are ignored.
func RegisterSecret(value string) {
	value = strings.TrimSpace(value)
	if len(value) < 6 {
		return
	}
	secretsMu.Lock()
	defer secretsMu.Unlock()
	for _, s := range secrets {
		if s == value {
			return
		}
	}
	secrets = append(secrets, value)
}

// Sanitize returns s unchanged unless it contains an authentication marker
// or a registered secret, in which case the whole text is replaced.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	secretsMu.RLock()
	for _, secret := range secrets {
		if strings.Contains(s, secret) {
			secretsMu.RUnlock()
			return SanitizedMessage
		}
	}
	secretsMu.RUnlock()

	lower := trimLower(s)
	for _, marker := range authMarkers {
		if strings.Contains(lower, marker) {
			return SanitizedMessage
		}
	}
	return s
}

// SanitizeError is Sanitize applied to err.Error(); nil yields "".
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}
