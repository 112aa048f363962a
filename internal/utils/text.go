package utils

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxSimilarityRunes = 512

var customEmojiRegex = regexp.MustCompile(`<a?:\w{2,32}:\d{17,20}>`)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// Fingerprint folds case and compatibility forms and strips combining marks so that
// trivially decorated copies of a message compare equal.
func Fingerprint(content string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, content)
	if err != nil {
		folded = content
	}
	folded = cases.Fold().String(folded)
	folded = whitespaceRegex.ReplaceAllString(strings.TrimSpace(folded), " ")
	return folded
}

func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra := truncateRunes(a)
	rb := truncateRunes(b)
	maxLen := max(len(ra), len(rb))
	if maxLen == 0 {
		return 1
	}
	distance := levenshtein(ra, rb)
	return 1 - float64(distance)/float64(maxLen)
}

func truncateRunes(s string) []rune {
	r := []rune(s)
	if len(r) > maxSimilarityRunes {
		r = r[:maxSimilarityRunes]
	}
	return r
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func isArabic(r rune) bool {
	return r >= 0x0600 && r <= 0x06FF
}

func isTashkeel(r rune) bool {
	return (r >= 0x064B && r <= 0x0656) || r == 0x0670
}

// MostlyArabic reports whether at least 30% of the letters fall in the Arabic block.
func MostlyArabic(content string) bool {
	letters, arabic := 0, 0
	for _, r := range content {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if isArabic(r) {
			arabic++
		}
	}
	if letters == 0 {
		return false
	}
	return float64(arabic)/float64(letters) >= 0.3
}

func CountCombining(content string) int {
	count := 0
	for _, r := range content {
		if unicode.Is(unicode.Mn, r) && !isTashkeel(r) {
			count++
		}
	}
	return count
}

func isEmojiRune(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF:
		return true
	case r >= 0x1F000 && r <= 0x1F2FF:
		return true
	}
	return false
}

func isEmojiJoiner(r rune) bool {
	return r == 0x200D || r == 0xFE0F || (r >= 0x1F3FB && r <= 0x1F3FF)
}

func CountEmoji(content string) int {
	count := len(customEmojiRegex.FindAllStringIndex(content, -1))
	for _, r := range customEmojiRegex.ReplaceAllString(content, "") {
		if isEmojiRune(r) && !isEmojiJoiner(r) {
			count++
		}
	}
	return count
}

func IsEmojiOnly(content string) bool {
	stripped := customEmojiRegex.ReplaceAllString(content, "")
	seen := stripped != content
	for _, r := range stripped {
		switch {
		case unicode.IsSpace(r), isEmojiJoiner(r):
		case isEmojiRune(r):
			seen = true
		default:
			return false
		}
	}
	return seen
}

func CountNewlines(content string) int {
	return strings.Count(content, "\n")
}
