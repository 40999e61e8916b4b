package dispatcher

import "regexp"

// Memory markers the prompt instructs the model to emit; see §4.10.4.
var (
	dailyLogMarker  = regexp.MustCompile(`(?s)\[DAILY_LOG:\s*(.*?)\]`)
	rememberMarker  = regexp.MustCompile(`(?s)\[REMEMBER:\s*(.*?)\]`)
	importantMarker = regexp.MustCompile(`(?s)\[REMEMBER_IMPORTANT:\s*(.*?)\]`)
)

// extractedMarker is one marker pulled out of assistant text, paired with
// the memory_type/importance it should be persisted as.
type extractedMarker struct {
	MemoryType string
	Importance int
	Content    string
}

// extractMarkers finds every memory marker in text, trims and drops empty
// ones, and returns both the markers (grouped by kind: daily log first,
// then REMEMBER, then REMEMBER_IMPORTANT, each kind in order of appearance)
// and the text with all markers of every kind stripped.
func extractMarkers(text string) ([]extractedMarker, string) {
	var out []extractedMarker

	collect := func(re *regexp.Regexp, memType string, importance int) {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			content := trimMarkerContent(m[1])
			if content == "" {
				continue
			}
			out = append(out, extractedMarker{MemoryType: memType, Importance: importance, Content: content})
		}
	}

	collect(dailyLogMarker, "daily_log", 5)
	collect(rememberMarker, "long_term", 7)
	collect(importantMarker, "long_term", 9)

	clean := dailyLogMarker.ReplaceAllString(text, "")
	clean = rememberMarker.ReplaceAllString(clean, "")
	clean = importantMarker.ReplaceAllString(clean, "")
	return out, trimMarkerContent(clean)
}

func trimMarkerContent(s string) string {
	start, end := 0, len(s)
	for start < end && isMarkerSpace(s[start]) {
		start++
	}
	for end > start && isMarkerSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isMarkerSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
