package format

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// X counts text in weighted units: code points in the light ranges weigh 1, everything
// else weighs 2, and a URL counts as a fixed 23 regardless of its length. Only a scheme,
// a dotted host with an alphabetic TLD and a path of URL characters make a URL; text glued
// on after it (Japanese, for one) is weighed rune by rune.
const (
	MaxWeightedLength = 280
	urlWeight         = 23
)

var lightRanges = [][2]rune{
	{0x0000, 0x10FF},
	{0x2000, 0x200D},
	{0x2010, 0x201F},
	{0x2032, 0x2037},
}

var urlPattern = regexp.MustCompile(`(?i)https?://(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,63}(?::[0-9]{1,5})?(?:[/?#][A-Za-z0-9\-._~:/?#\[\]@!$&'()*+,;=%]*)?`)

// trailingPunct is left out of a URL match, as X does for sentence punctuation.
const trailingPunct = ".,:;!?'()[]*"

// rejected are code points X refuses in post text.
var rejected = map[rune]bool{
	0xFFFE: true,
	0xFEFF: true,
	0xFFFF: true,
}

func runeWeight(r rune) int {
	for _, rg := range lightRanges {
		if r >= rg[0] && r <= rg[1] {
			return 1
		}
	}
	return 2
}

// WeightedLength returns the X length of text after NFC normalisation.
func WeightedLength(text string) int {
	text = norm.NFC.String(text)
	total := 0
	last := 0
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		end := loc[0] + len(strings.TrimRight(text[loc[0]:loc[1]], trailingPunct))
		total += weightOf(text[last:loc[0]])
		total += urlWeight
		last = end
	}
	return total + weightOf(text[last:])
}

func weightOf(s string) int {
	n := 0
	for _, r := range s {
		n += runeWeight(r)
	}
	return n
}

// Valid reports whether X would accept text as a post body.
func Valid(text string) bool {
	if text == "" || !utf8.ValidString(text) {
		return false
	}
	for _, r := range text {
		if rejected[r] {
			return false
		}
	}
	n := WeightedLength(text)
	return n > 0 && n <= MaxWeightedLength
}
