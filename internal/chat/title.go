package chat

import "strings"

// MaxTitleRunes bounds derived titles, ellipsis included.
const MaxTitleRunes = 30

// DeriveTitle turns the first user message into a short single-line label.
// It is pure and deterministic.
func DeriveTitle(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if title == "" {
		return DefaultTitle
	}
	runes := []rune(title)
	if len(runes) <= MaxTitleRunes {
		return title
	}
	return strings.TrimRight(string(runes[:MaxTitleRunes-3]), " ") + "..."
}
