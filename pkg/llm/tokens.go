package llm

// EstimateTokens approximates the token count of a text as ceil(chars/4).
// Used only when the vendor omits authoritative counts.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// EstimateMessageTokens sums the estimate over all message contents.
func EstimateMessageTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}
