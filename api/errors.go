package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"fundingarb/apperr"
	"fundingarb/logger"
)

// kindStatus maps the error taxonomy (§7) onto an HTTP status code.
func kindStatus(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Auth:
		return http.StatusUnauthorized
	case apperr.NotSupported:
		return http.StatusUnprocessableEntity
	case apperr.Transient:
		return http.StatusBadGateway
	case apperr.Risk:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// RespondError writes the {detail, kind} envelope every handler uses for
// a failed component call. Internal-kind errors (including bare errors
// that never passed through apperr) are logged but never echo their
// message to the caller.
func RespondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	detail := SanitizeError(err, "internal error")
	if kind == apperr.Internal {
		logger.Errorf("[API] internal error: %v", err)
		detail = "internal error"
	}
	c.JSON(kindStatus(kind), gin.H{"detail": detail, "kind": string(kind)})
}

// RespondValidation writes a validation-kind error for requests that
// failed before reaching a component that would have wrapped apperr
// itself (malformed JSON, missing required fields).
func RespondValidation(c *gin.Context, detail string) {
	c.JSON(http.StatusBadRequest, gin.H{"detail": detail, "kind": string(apperr.Validation)})
}

// RespondNotFound writes a validation-kind 404 — this API has no distinct
// not_found taxonomy entry; a missing resource is a bad request about an
// identifier the caller controls.
func RespondNotFound(c *gin.Context, resource string) {
	c.JSON(http.StatusNotFound, gin.H{"detail": resource + " not found", "kind": string(apperr.Validation)})
}

// RespondUnauthorized writes an auth-kind 401 for the JWT gate itself,
// where there is no apperr to unwrap yet.
func RespondUnauthorized(c *gin.Context, detail string) {
	c.JSON(http.StatusUnauthorized, gin.H{"detail": detail, "kind": string(apperr.Auth)})
}

// IsSensitiveError checks if an error message contains sensitive information
func IsSensitiveError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())

	sensitivePatterns := []string{
		// Database
		"postgres", "mysql", "sqlite", "database", "sql",
		"connection", "connect", "failed to connect",
		// Network
		"dial", "tcp", "udp", "socket", "timeout",
		// Server info
		"127.0.0.1", "localhost", "0.0.0.0",
		// File system
		"no such file", "permission denied", "open /",
		// Credentials
		"password", "user=", "host=", "port=",
		// Internal
		"panic", "runtime error", "stack trace",
	}

	for _, pattern := range sensitivePatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}

	// Check for IP addresses (simple pattern)
	if strings.Contains(errMsg, ":") && (strings.Contains(errMsg, ".") || strings.Contains(errMsg, "::")) {
		return true
	}

	return false
}

// SanitizeError returns the error message if safe, otherwise returns a generic message
func SanitizeError(err error, fallbackMsg string) string {
	if err == nil {
		return fallbackMsg
	}
	if IsSensitiveError(err) {
		return fallbackMsg
	}
	return err.Error()
}
