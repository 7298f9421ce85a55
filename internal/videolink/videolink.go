// Package videolink finds YouTube video references embedded in chunk text so
// answers can carry playable previews.
//
// Recognized forms, each with optional scheme and "www." and with any trailing
// query parameters ignored:
//
//	youtube.com/watch?v=<id>
//	youtube.com/embed/<id>
//	youtu.be/<id>
//
// The youtube.com host is optional on the watch and embed forms, so bare
// fragments such as "watch?v=<id>" copied out of a page still match.
//
// An id is exactly 11 characters from [A-Za-z0-9_-]. Longer or shorter runs are
// not ids.
package videolink

import (
	"regexp"
)

// IDLength is the length of a YouTube video identifier.
const IDLength = 11

// videoURL captures the whole run of id characters after the path prefix; the
// length check happens in code because RE2 has no lookahead to reject a 12th
// character.
var videoURL = regexp.MustCompile(`(?i:(?:(?:https?://)?(?:www\.)?youtube\.com/)?(?:watch\?v=|embed/)|(?:https?://)?(?:www\.)?youtu\.be/)([A-Za-z0-9_-]+)`)

// Link is a discovered video reference in canonical form.
type Link struct {
	URL     string `json:"url"`
	VideoID string `json:"video_id"`
}

// Source is anything carrying chunk text.
type Source interface {
	Text() string
}

// Text adapts a plain string to Source.
type Text string

// Text returns the string itself.
func (t Text) Text() string { return string(t) }

// CanonicalURL returns the watch URL for an id.
func CanonicalURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

// Extract scans sources in order and returns one Link per distinct video id,
// ordered by first appearance. Later occurrences of an id are dropped.
func Extract[S Source](sources []S) []Link {
	var links []Link
	seen := make(map[string]struct{})
	for _, src := range sources {
		for _, id := range ids(src.Text()) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			links = append(links, Link{URL: CanonicalURL(id), VideoID: id})
		}
	}
	return links
}

// ContainsLink reports whether text holds at least one recognized video URL.
func ContainsLink(text string) bool {
	return len(ids(text)) > 0
}

// ExtractID returns the id of the first recognized video URL in s.
func ExtractID(s string) (string, bool) {
	found := ids(s)
	if len(found) == 0 {
		return "", false
	}
	return found[0], true
}

// ids returns every valid id in text, left to right, duplicates included.
func ids(text string) []string {
	if text == "" {
		return nil
	}
	var out []string
	for _, m := range videoURL.FindAllStringSubmatch(text, -1) {
		if len(m[1]) == IDLength {
			out = append(out, m[1])
		}
	}
	return out
}
