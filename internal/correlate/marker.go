package correlate

import (
	"regexp"
	"strings"
)

// MarkerScheme embeds a job marker into outbound content and recovers it from
// inbound text.
type MarkerScheme interface {
	Embed(content, jobID string) string
	Extract(text string) (string, bool)
}

// BracketMarker is the wire convention `[JOB_ID: <id>]`, where id is any run
// of characters other than `]`. Surrounding whitespace inside the brackets is
// ignored on extraction.
type BracketMarker struct{}

var bracketMarkerRe = regexp.MustCompile(`\[JOB_ID:([^\]]*)\]`)

func (BracketMarker) Embed(content, jobID string) string {
	tag := "[JOB_ID: " + jobID + "]"
	if strings.TrimSpace(content) == "" {
		return tag
	}
	return content + "\n\n" + tag
}

// Extract returns the first non-empty marker in text.
func (BracketMarker) Extract(text string) (string, bool) {
	for _, m := range bracketMarkerRe.FindAllStringSubmatch(text, -1) {
		if id := strings.TrimSpace(m[1]); id != "" {
			return id, true
		}
	}
	return "", false
}
