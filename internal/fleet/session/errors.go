package session

import "errors"

// expiredMarkers are substrings of upstream AI-provider error messages that
// indicate the server-side session no longer exists. IsSessionExpiredError
// recognizes any of them, case-insensitively. The list is fixed, and no
// provider-specific error code is checked.
var expiredMarkers = []string{
	"session not found",
	"session expired",
	"no such session",
}

// ErrSessionExpired is a sentinel an upstream runtime may return directly
// when it already knows the failure is a session expiry, bypassing string
// matching.
var ErrSessionExpired = errors.New("session: server reports session expired")
