package responder

import (
	"regexp"
	"unicode/utf8"
)

const (
	maxRepeatedRun      = 5
	maxConsecutiveEmoji = 3
)

var urlPattern = regexp.MustCompile(`(?i)(?:\b(?:https?|ftp)://|\bwww\.)\S+`)

// Suspicious reports whether text looks automated or unsafe to send: bare
// URLs, a character repeated more than five times in a row, or more than
// three emoji in a row.
func Suspicious(text string) bool {
	return urlPattern.MatchString(text) || hasRepeatedRun(text, maxRepeatedRun) || hasEmojiRun(text, maxConsecutiveEmoji)
}

func hasRepeatedRun(text string, max int) bool {
	var (
		prev rune = utf8.RuneError
		run  int
	)
	for _, r := range text {
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run > max {
			return true
		}
	}
	return false
}

func hasEmojiRun(text string, max int) bool {
	run := 0
	for _, r := range text {
		switch {
		case isEmojiModifier(r):
			// joiners and variation selectors belong to the previous emoji
		case isEmoji(r):
			run++
			if run > max {
				return true
			}
		default:
			run = 0
		}
	}
	return false
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF:
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	}
	return false
}

func isEmojiModifier(r rune) bool {
	return r == 0x200D || r == 0xFE0F || r == 0xFE0E || (r >= 0x1F3FB && r <= 0x1F3FF)
}
