package llm

import "unicode/utf8"

// Price per 1K tokens in USD.
const (
	InputPricePer1K  = 0.003
	OutputPricePer1K = 0.015
)

// EstimateTokens approximates a token count as one token per four characters.
func EstimateTokens(s string) float64 {
	return float64(utf8.RuneCountInString(s)) / 4
}

// EstimateCost approximates the USD cost of one call from the prompt and
// response text. It is a heuristic and not a billing figure.
func EstimateCost(prompt, response string) float64 {
	in := EstimateTokens(prompt) / 1000 * InputPricePer1K
	out := EstimateTokens(response) / 1000 * OutputPricePer1K
	return in + out
}
