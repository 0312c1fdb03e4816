package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimator(t *testing.T) {
	t.Run("Should return zero for empty text", func(t *testing.T) {
		assert.Equal(t, 0, NewEstimator().Count(""))
	})
	t.Run("Should estimate roughly four characters per token", func(t *testing.T) {
		c := NewEstimator()
		assert.Equal(t, 25, c.Count(strings.Repeat("a", 100)))
	})
	t.Run("Should never report zero for non-empty text", func(t *testing.T) {
		assert.Equal(t, 1, NewEstimator().Count("hi"))
	})
	t.Run("Should report the estimation encoding name", func(t *testing.T) {
		assert.Equal(t, "estimation", NewEstimator().Encoding())
	})
}

func TestNewCounter(t *testing.T) {
	t.Run("Should produce monotonic counts for growing text", func(t *testing.T) {
		c := NewCounter("")
		short := c.Count("hello world")
		long := c.Count(strings.Repeat("hello world ", 50))
		assert.Greater(t, long, short)
		assert.Positive(t, short)
	})
	t.Run("Should fall back for unknown encodings", func(t *testing.T) {
		c := NewCounter("no_such_encoding")
		assert.Positive(t, c.Count("some text to count here"))
	})
}
