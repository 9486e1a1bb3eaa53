// Package validation provides input validation for the gateway's HTTP surface.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1 MiB).
const MaxRequestSize = 1 << 20

// MaxHeaderValueLength caps operator-configured header values (8 KiB).
const MaxHeaderValueLength = 8 << 10

// RequestSizeMiddleware limits request body size. Handlers that read past
// the cap get a *http.MaxBytesError and should answer 413.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ValidHeaderName reports whether a name is usable as a response header.
// Names with spaces, tabs, or control bytes are rejected.
func ValidHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		b := name[i]
		if b == ' ' || b == '\t' || b < 0x21 || b == 0x7f || b == ':' {
			return false
		}
	}
	return true
}

// ValidHeaderValue reports whether a value is safe to emit. CR and LF are
// rejected to prevent response splitting; length is capped at 8 KiB.
func ValidHeaderValue(value string) bool {
	if len(value) > MaxHeaderValueLength {
		return false
	}
	return !strings.ContainsAny(value, "\r\n")
}

// FilterHeaders drops invalid entries from an operator-configured header map,
// reporting each rejected name.
func FilterHeaders(headers map[string]string) (valid map[string]string, rejected []string) {
	if len(headers) == 0 {
		return nil, nil
	}
	valid = make(map[string]string, len(headers))
	for name, value := range headers {
		if !ValidHeaderName(name) || !ValidHeaderValue(value) {
			rejected = append(rejected, name)
			continue
		}
		valid[name] = value
	}
	return valid, rejected
}

// SanitizeString trims whitespace, strips null bytes, and caps length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}
