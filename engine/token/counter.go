// Package token provides token counting for budget accounting. The primary
// path uses a tiktoken encoding; when the encoding cannot be loaded (for
// example in offline environments where the BPE files are unavailable) the
// counter estimates at roughly four characters per token.
package token

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

// Counter counts tokens in a string. Implementations must be safe for
// concurrent use.
type Counter interface {
	Count(text string) int
	Encoding() string
}

type tiktokenCounter struct {
	mu           sync.RWMutex
	encodingName string
	tke          *tiktoken.Tiktoken
}

// NewCounter builds a counter for the given encoding name, falling back to
// cl100k_base and then to pure estimation when neither encoding loads.
func NewCounter(encoding string) Counter {
	if encoding == "" {
		encoding = defaultEncoding
	}
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil && encoding != defaultEncoding {
		encoding = defaultEncoding
		tke, err = tiktoken.GetEncoding(defaultEncoding)
	}
	if err != nil {
		return estimator{}
	}
	return &tiktokenCounter{encodingName: encoding, tke: tke}
}

func (c *tiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tke.Encode(text, nil, nil))
}

func (c *tiktokenCounter) Encoding() string {
	return c.encodingName
}

// estimator approximates English text at four characters per token.
type estimator struct{}

func (estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

func (estimator) Encoding() string { return "estimation" }

// NewEstimator returns the pure estimation counter. Tests use it to keep
// token math deterministic without loading BPE data.
func NewEstimator() Counter { return estimator{} }
