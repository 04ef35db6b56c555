package commands

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Identity is how the bot can be addressed.
type Identity struct {
	// UserID is the bot's full user ID, e.g. "@vito:example.org".
	UserID string
	// DisplayName is the bot's room display name, e.g. "Vito".
	DisplayName string
}

// localpart returns "vito" for "@vito:example.org".
func (id Identity) localpart() string {
	lp := strings.TrimPrefix(id.UserID, "@")
	if i := strings.IndexByte(lp, ':'); i >= 0 {
		lp = lp[:i]
	}
	return lp
}

// tokens lists every mention form. Bracketed forms come first so "<@!id>" is
// never read as a bare ID.
func (id Identity) tokens() []string {
	var out []string
	for _, ref := range []string{id.UserID, id.localpart()} {
		if ref == "" {
			continue
		}
		out = append(out, "<@!"+ref+">", "<@"+ref+">")
	}
	if id.UserID != "" {
		out = append(out, id.UserID)
	}
	if id.DisplayName != "" {
		out = append(out, "@"+id.DisplayName, id.DisplayName)
	}
	return out
}

// StripMention removes a leading mention of the bot from body. It reports
// whether body started with one. The mention may be followed by ':' or ','
// (as Matrix clients insert), and must end at a word boundary so "Vitomir"
// does not address "Vito". Display names match case-insensitively.
func StripMention(body string, id Identity) (string, bool) {
	trimmed := strings.TrimLeftFunc(body, unicode.IsSpace)
	for _, tok := range id.tokens() {
		if len(trimmed) < len(tok) || !strings.EqualFold(trimmed[:len(tok)], tok) {
			continue
		}
		rest := trimmed[len(tok):]
		if !strings.HasSuffix(tok, ">") && !atBoundary(rest) {
			continue
		}
		rest = strings.TrimLeft(rest, ":,")
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(body), false
}

func atBoundary(rest string) bool {
	if rest == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return unicode.IsSpace(r) || r == ':' || r == ','
}
