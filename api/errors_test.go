package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("0"))

	// Missing or malformed values fall back to the default.
	assert.Equal(t, 10*time.Second, parseRetryAfter(""))
	assert.Equal(t, 10*time.Second, parseRetryAfter("soon"))
	assert.Equal(t, 10*time.Second, parseRetryAfter("-5"))
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	assert.Greater(t, got, 25*time.Second)
	assert.LessOrEqual(t, got, 30*time.Second)

	// A date already in the past means no wait, not the default.
	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), parseRetryAfter(past))
}
