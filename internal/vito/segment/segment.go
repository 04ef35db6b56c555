// Package segment splits long replies into chunks that fit the chat
// platform's message limit.
package segment

import (
	"unicode"
	"unicode/utf8"
)

// DefaultLimit is the chunk size in runes, kept under the 2000 character
// limit common to chat platforms.
const DefaultLimit = 1900

// Split cuts text into chunks of at most limit runes. Each cut falls after
// the last newline in the final quarter of the window, else after the last
// whitespace, else at exactly limit runes. Separators stay at the end of
// their chunk. Invalid UTF-8 bytes count as one rune each and are copied
// through untouched, so joining the chunks always reproduces text. Empty
// text yields no chunks. A limit <= 0 uses DefaultLimit.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if text == "" {
		return nil
	}

	var chunks []string
	remaining := utf8.RuneCountInString(text)
	for remaining > limit {
		cut, runes := cutPoint(text, limit)
		chunks = append(chunks, text[:cut])
		text = text[cut:]
		remaining -= runes
	}
	return append(chunks, text)
}

// cutPoint returns the byte length and rune count of the next chunk of s.
// s must hold more than limit runes.
func cutPoint(s string, limit int) (cut, runes int) {
	tail := limit - limit/4
	newline, newlineRunes := -1, 0
	space, spaceRunes := -1, 0
	end := 0
	for n := 1; n <= limit; n++ {
		r, size := utf8.DecodeRuneInString(s[end:])
		end += size
		if r == '\n' && n >= tail {
			newline, newlineRunes = end, n
		}
		if unicode.IsSpace(r) {
			space, spaceRunes = end, n
		}
	}
	switch {
	case newline > 0:
		return newline, newlineRunes
	case space > 0:
		return space, spaceRunes
	}
	return end, limit
}
