package voiceloop

import (
	"strings"
	"time"
)

// flushTimerInterval is the idle-accumulator flush deadline from spec.md
// §4.5's flush policy: "800 ms have elapsed since the last flush and the
// accumulator is non-empty."
const flushTimerInterval = 800 * time.Millisecond

// splitFlushable finds the longest prefix of acc that ends in terminal
// punctuation (.!?) followed by whitespace or end-of-string, per spec.md
// §4.5's sentence-boundary flush rule. It returns the flushable prefix and
// the remainder to keep accumulating; ok is false when no sentence boundary
// was found yet.
func splitFlushable(acc string) (flush string, remainder string, ok bool) {
	boundary := -1
	runes := []rune(acc)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i == len(runes)-1 {
			boundary = i
			continue
		}
		if isSpace(runes[i+1]) {
			boundary = i
		}
	}
	if boundary == -1 {
		return "", acc, false
	}
	flush = string(runes[:boundary+1])
	remainder = strings.TrimLeft(string(runes[boundary+1:]), " \t\n")
	return flush, remainder, true
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
