package commands

import "regexp"

// credentialPatterns matches well-known credential formats. Facts saved with
// "remember" are persisted and replayed into every prompt, so anything
// matching is refused.
var credentialPatterns = []*regexp.Regexp{
	// OpenAI / OpenRouter style keys
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bsk-(?:proj|or-v1|ant)-[A-Za-z0-9_\-]{20,}\b`),
	// Google API keys (Gemini)
	regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`),
	// AWS access key ID
	regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`),
	// GitHub tokens
	regexp.MustCompile(`\bgh[po]_[A-Za-z0-9]{36,}\b`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}\b`),
	// Slack tokens
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`),
	// Matrix access tokens
	regexp.MustCompile(`\bsyt_[A-Za-z0-9_]{20,}\b`),
	// Discord bot tokens
	regexp.MustCompile(`\b[MN][A-Za-z\d]{23,25}\.[\w-]{6}\.[\w-]{27,}\b`),
}

// LooksLikeSecret reports whether text appears to contain a credential.
func LooksLikeSecret(text string) bool {
	for _, re := range credentialPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
