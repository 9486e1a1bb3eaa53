package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestValidHeaderName(t *testing.T) {
	assert.True(t, ValidHeaderName("X-Custom-Header"))
	assert.True(t, ValidHeaderName("X-Env"))

	assert.False(t, ValidHeaderName(""))
	assert.False(t, ValidHeaderName("X Custom"))
	assert.False(t, ValidHeaderName("X\tCustom"))
	assert.False(t, ValidHeaderName("X-Custom:"))
	assert.False(t, ValidHeaderName("X\r\nInjected"))
}

func TestValidHeaderValue(t *testing.T) {
	assert.True(t, ValidHeaderValue("production"))
	assert.True(t, ValidHeaderValue(""))
	assert.True(t, ValidHeaderValue(strings.Repeat("a", MaxHeaderValueLength)))

	assert.False(t, ValidHeaderValue("evil\r\nSet-Cookie: x=1"))
	assert.False(t, ValidHeaderValue("evil\nvalue"))
	assert.False(t, ValidHeaderValue(strings.Repeat("a", MaxHeaderValueLength+1)))
}

func TestFilterHeaders(t *testing.T) {
	valid, rejected := FilterHeaders(map[string]string{
		"X-Env":      "production",
		"Bad Name":   "v",
		"X-Injected": "a\r\nb",
	})
	assert.Equal(t, map[string]string{"X-Env": "production"}, valid)
	assert.Len(t, rejected, 2)

	valid, rejected = FilterHeaders(nil)
	assert.Nil(t, valid)
	assert.Nil(t, rejected)
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestSizeMiddleware(16))
	router.POST("/t", func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.String(413, "too large")
			return
		}
		c.String(200, "ok")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/t", strings.NewReader("small")))
	assert.Equal(t, 200, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/t", strings.NewReader(strings.Repeat("x", 64))))
	assert.Equal(t, 413, w.Code)
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
}
