// Package artifact manages rendered diagram files and run transcripts.
package artifact

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/rhuss/schaubild/pkg/api"
)

const (
	namePrefix   = "diagram"
	maxSlugRunes = 48
)

var (
	unsafeChars = regexp.MustCompile(`[<>:"/\\|?*\s]`)
	repeated    = regexp.MustCompile(`_{2,}`)
)

// Sanitize makes s safe to use as a file name on common filesystems.
// Reserved characters, whitespace and control characters become underscores.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return '_'
		}
		return r
	}, s)
	s = unsafeChars.ReplaceAllString(s, "_")
	s = repeated.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_.")

	runes := []rune(s)
	if len(runes) > maxSlugRunes {
		s = strings.TrimRight(string(runes[:maxSlugRunes]), "_.")
	}
	return s
}

// Name returns the artifact base name for a run. The run ID suffix keeps
// names distinct across concurrent requests on the same topic.
func Name(topic, runID string) string {
	slug := strings.ToLower(Sanitize(topic))
	if slug == "" {
		slug = "untitled"
	}
	return namePrefix + "_" + slug + "_" + api.ShortID(runID)
}
