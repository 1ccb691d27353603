// Package format renders the text the relay posts: mirrored chat messages and voice-channel
// occupancy announcements. Everything here is pure; the only time input is the timestamp
// the caller passes in.
package format

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const ellipsis = "…"

var customEmoji = regexp.MustCompile(`<a?:.+?:\d+?>`)

// neutralise stops the remote service from turning mirrored text into mentions or hashtags.
var neutralise = strings.NewReplacer("@", "＠", "#", "#.")

// Sanitize makes chat content safe to republish.
func Sanitize(content string) string {
	content = customEmoji.ReplaceAllString(content, "??")
	content = neutralise.Replace(content)
	return strings.Map(func(r rune) rune {
		if rejected[r] {
			return -1
		}
		return r
	}, content)
}

// MirroredMessage renders a mirrored chat message posted at ts, truncated with an ellipsis
// until it passes Valid.
func MirroredMessage(loc *time.Location, ts time.Time, content string) string {
	text := ts.In(loc).Format("1/2 15:04") + " に書き込みがありました:\n" + Sanitize(content)
	return Fit(text)
}

// Occupancy renders a voice-channel occupancy announcement.
func Occupancy(loc *time.Location, ts time.Time, channelName string, bots, humans int) string {
	var b strings.Builder
	b.WriteString(ts.In(loc).Format("1/2 15:04:05"))
	b.WriteString("現在、ボイスチャンネル「")
	b.WriteString(channelName)
	b.WriteString("」には\n人間 ")
	b.WriteString(strconv.Itoa(humans))
	b.WriteString("人\nbot ")
	b.WriteString(strconv.Itoa(bots))
	b.WriteString("機\nがいます。")
	return Fit(b.String())
}

// Fit returns text unchanged when valid. Otherwise it returns the longest prefix, at least
// two runes shorter than text, that is valid with an ellipsis appended. The search is a
// bisection over the prefix length followed by a bounded walk down, so it terminates for
// any input size.
func Fit(text string) string {
	if Valid(text) {
		return text
	}
	runes := []rune(text)
	limit := len(runes) - 2
	if limit < 0 {
		limit = 0
	}
	candidate := func(k int) string { return string(runes[:k]) + ellipsis }

	k := sort.Search(limit+1, func(k int) bool { return !Valid(candidate(k)) }) - 1
	for ; k >= 0; k-- {
		if c := candidate(k); Valid(c) {
			return c
		}
	}
	return ellipsis
}
