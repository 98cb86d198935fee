// Package pricing computes the billed cost of a request from its token
// counts and the public model id.
package pricing

import "math"

// Price is the per-1K-token USD price of a public model.
type Price struct {
	Input  float64
	Output float64
}

// table is keyed by public model id. Unknown models bill at the
// gpt-3.5-turbo rate.
var table = map[string]Price{
	"gpt-4":             {Input: 0.03, Output: 0.06},
	"gpt-4-turbo":       {Input: 0.01, Output: 0.03},
	"gpt-3.5-turbo":     {Input: 0.0005, Output: 0.0015},
	"gpt-3.5-turbo-16k": {Input: 0.001, Output: 0.002},
	"claude-3-opus":     {Input: 0.015, Output: 0.075},
	"claude-3-sonnet":   {Input: 0.003, Output: 0.015},
	"claude-3-haiku":    {Input: 0.00025, Output: 0.00125},
	"gemini-pro":        {Input: 0.0005, Output: 0.0015},
	"gemini-ultra":      {Input: 0.001, Output: 0.003},
}

var fallback = table["gpt-3.5-turbo"]

// For returns the price for a public model id, falling back to the
// gpt-3.5-turbo rate for unknown models.
func For(model string) Price {
	if p, ok := table[model]; ok {
		return p
	}
	return fallback
}

// Cost returns the request cost in USD rounded to 6 decimal places.
func Cost(model string, tokensIn, tokensOut int) float64 {
	p := For(model)
	cost := float64(tokensIn)/1000*p.Input + float64(tokensOut)/1000*p.Output
	return math.Round(cost*1e6) / 1e6
}
