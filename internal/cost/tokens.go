// Package cost records and queries LLM spend and enforces the daily budget.
package cost

import (
	"regexp"
	"strconv"
)

// TokenUsage represents input, output and cache-read token counts.
type TokenUsage struct {
	Input     int
	Output    int
	CacheRead int
}

var (
	// Headless CLIs usually report totals in this combined form at the end
	// of output.
	tokenRe = regexp.MustCompile(`Tokens: (\d+) input, (\d+) output`)
	// Some report each counter on its own line.
	inputRe  = regexp.MustCompile(`Input tokens: (\d+)`)
	outputRe = regexp.MustCompile(`Output tokens: (\d+)`)
	cacheRe  = regexp.MustCompile(`Cache read(?: tokens)?: (\d+)`)
)

// ExtractTokenUsage parses token counts from CLI output, estimating from
// prompt and output length when the CLI reported nothing.
func ExtractTokenUsage(output, prompt string) TokenUsage {
	usage := TokenUsage{}

	if m := tokenRe.FindStringSubmatch(output); len(m) == 3 {
		usage.Input, _ = strconv.Atoi(m[1])
		usage.Output, _ = strconv.Atoi(m[2])
	} else {
		if m := inputRe.FindStringSubmatch(output); len(m) == 2 {
			usage.Input, _ = strconv.Atoi(m[1])
		}
		if m := outputRe.FindStringSubmatch(output); len(m) == 2 {
			usage.Output, _ = strconv.Atoi(m[1])
		}
	}
	if m := cacheRe.FindStringSubmatch(output); len(m) == 2 {
		usage.CacheRead, _ = strconv.Atoi(m[1])
	}

	if usage.Input == 0 {
		usage.Input = estimateTokens(prompt)
	}
	if usage.Output == 0 {
		usage.Output = estimateTokens(output)
	}
	return usage
}

// estimateTokens is a rough 4-chars-per-token heuristic for English/code.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := len(text) / 4
	if tokens == 0 {
		return 1
	}
	return tokens
}

// CalculateCost converts token counts to USD given per-million-token prices.
func CalculateCost(usage TokenUsage, inputPriceMtok, outputPriceMtok float64) float64 {
	inputCost := (float64(usage.Input) / 1_000_000) * inputPriceMtok
	outputCost := (float64(usage.Output) / 1_000_000) * outputPriceMtok
	return inputCost + outputCost
}
