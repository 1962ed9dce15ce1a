package security

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// GenericValidationMessage is returned to clients unless details are exposed.
const GenericValidationMessage = "Request validation failed"

// SanitizeMessage returns a client-safe rendering of msg. Without
// exposeDetails the generic message is returned.
func SanitizeMessage(msg string, exposeDetails bool) string {
	if !exposeDetails {
		return GenericValidationMessage
	}
	msg = strings.ReplaceAll(msg, "JWT", "token")
	msg = strings.ReplaceAll(msg, "API key", "authentication")
	lines := strings.Split(msg, "\n")
	if len(lines) > 3 {
		lines = lines[:3]
	}
	return strings.Join(lines, " ")
}

// SanitizeError is SanitizeMessage for an error value.
func SanitizeError(err error, exposeDetails bool) string {
	if err == nil {
		return ""
	}
	return SanitizeMessage(err.Error(), exposeDetails)
}

// SanitizeAuthError maps authentication failures to client-safe text.
// Token problems are named, configuration problems are hidden.
func SanitizeAuthError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "Token not valid yet"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Token malformed"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid):
		return "Invalid signature"
	case errors.Is(err, ErrMissingCredential):
		return "Missing credentials"
	case errors.Is(err, ErrUnsupportedScheme):
		return "Unsupported authorization scheme"
	case strings.Contains(err.Error(), "unexpected signing method"), errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Unsupported signing method"
	default:
		return "Unauthorized"
	}
}
