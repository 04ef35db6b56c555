// Package commands parses the text a user addressed to vito into one of a
// closed set of commands. Parsing happens once per message; everything
// downstream switches on Command.Kind.
package commands

import (
	"strings"
	"unicode"
)

// Kind identifies a command.
type Kind int

const (
	// Chat is an ordinary message for the primary backend.
	Chat Kind = iota
	// Alternate routes the message to the secondary backend ("notnice").
	Alternate
	// Remember stores the remainder as the user's persistent fact.
	Remember
	// Reset clears the session ("newchat"), then chats with any remainder.
	Reset
	// Stop cancels a pending request, the sender's own unless a target is named.
	Stop
	// Recall asks the primary backend to use the stored fact.
	Recall
	// Forget deletes the sender's persistent fact.
	Forget
)

var kindNames = map[Kind]string{
	Chat:      "chat",
	Alternate: "notnice",
	Remember:  "remember",
	Reset:     "newchat",
	Stop:      "stop",
	Recall:    "recall",
	Forget:    "forget",
}

// String returns the command keyword, or "chat" for plain messages.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// keywords maps the lower-cased first word to its command.
var keywords = map[string]Kind{
	"notnice":  Alternate,
	"remember": Remember,
	"newchat":  Reset,
	"stop":     Stop,
	"recall":   Recall,
	"forget":   Forget,
}

// Command is a parsed message.
type Command struct {
	Kind Kind
	// Text is the message with the keyword removed, trimmed. For Chat it is
	// the whole message.
	Text string
	// Target is the user named by "stop <user>". It is empty when the word
	// after stop is not a user reference, which means the sender.
	Target string
	// Raw is the trimmed input.
	Raw string
}

// Parse classifies text. The keyword must be the whole first word and is
// matched case-insensitively; anything else is Chat.
func Parse(text string) Command {
	raw := strings.TrimSpace(text)
	word, rest := splitFirstWord(raw)

	kind, ok := keywords[strings.ToLower(word)]
	if !ok {
		return Command{Kind: Chat, Text: raw, Raw: raw}
	}

	cmd := Command{Kind: kind, Text: rest, Raw: raw}
	if kind == Stop {
		if target, _ := splitFirstWord(rest); IsUserRef(target) {
			cmd.Target = NormalizeUserRef(target)
		}
	}
	return cmd
}

// splitFirstWord returns the first whitespace-delimited word of s and the
// trimmed remainder, which keeps its inner newlines.
func splitFirstWord(s string) (word, rest string) {
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

// IsUserRef reports whether word names a user: a Matrix ID
// ("@local:server") or a "<@id>"/"<@!id>" mention.
func IsUserRef(word string) bool {
	if strings.HasPrefix(word, "<@") && strings.HasSuffix(word, ">") {
		return len(NormalizeUserRef(word)) > 0
	}
	local, server, ok := strings.Cut(strings.TrimPrefix(word, "@"), ":")
	return ok && strings.HasPrefix(word, "@") && local != "" && server != ""
}

// NormalizeUserRef turns a chat-style user reference into a bare user ID:
// "<@!id>" and "<@id>" become "id"; anything else is returned trimmed.
func NormalizeUserRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "<@") && strings.HasSuffix(ref, ">") {
		ref = strings.TrimSuffix(strings.TrimPrefix(ref, "<@"), ">")
		ref = strings.TrimPrefix(ref, "!")
	}
	return ref
}
