// Package prompt builds bounded prompts. Assemble is a pure function of its
// inputs: it never truncates the system text or the current question and never
// splits a turn or document.
package prompt

import (
	"fmt"
	"math"
	"strings"
)

const (
	// BufferWeight inflates estimates so they err toward overcounting.
	BufferWeight = 1.1

	DefaultContextWindow     = 8192
	DefaultMaxResponseTokens = 1024
)

// Counter returns the token count of text for model.
type Counter func(model, text string) int

// EstimateTokens is the default Counter: roughly four bytes per token, rounded
// up, then scaled by BufferWeight.
func EstimateTokens(_ string, text string) int {
	if text == "" {
		return 0
	}
	base := (len(text) + 3) / 4
	return int(math.Ceil(float64(base) * BufferWeight))
}

// Window describes what a model accepts.
type Window struct {
	ContextWindow     int `yaml:"context_window" json:"context_window"`
	MaxResponseTokens int `yaml:"max_response_tokens" json:"max_response_tokens"`
}

// Budget is the number of input tokens left after reserving room for the
// response.
func (w Window) Budget() int {
	return w.ContextWindow - w.MaxResponseTokens
}

func (w Window) Validate() error {
	if w.ContextWindow <= 0 {
		return fmt.Errorf("context window must be positive, got %d", w.ContextWindow)
	}
	if w.MaxResponseTokens < 0 || w.MaxResponseTokens >= w.ContextWindow {
		return fmt.Errorf("max response tokens %d must be within context window %d",
			w.MaxResponseTokens, w.ContextWindow)
	}
	return nil
}

// Windows maps model names to their windows. Lookup matches the longest
// prefix so "gpt-4o-2024-08-06" finds "gpt-4o".
type Windows map[string]Window

func (ws Windows) Lookup(model string, fallback Window) Window {
	best, bestLen := fallback, -1
	for name, w := range ws {
		if strings.HasPrefix(model, name) && len(name) > bestLen {
			best, bestLen = w, len(name)
		}
	}
	return best
}
