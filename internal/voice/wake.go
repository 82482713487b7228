package voice

import (
	"regexp"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
)

// WakeDetector scores transcripts against the fixed wake phrase
// ("hey, <assistant name>") with a fuzzy partial-ratio match, so imperfect
// speech-to-text like "hey grug" or "a grug," still opens a turn.
type WakeDetector struct {
	Phrase    string
	Threshold int
}

func NewWakeDetector(assistantName string, threshold int) *WakeDetector {
	return &WakeDetector{
		Phrase:    "hey, " + strings.ToLower(strings.TrimSpace(assistantName)),
		Threshold: threshold,
	}
}

var spaceRe = regexp.MustCompile(`\s+`)

// Score returns the fuzzy match score (0-100) of the wake phrase against
// the transcript.
func (w *WakeDetector) Score(text string) int {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return 0
	}
	s = spaceRe.ReplaceAllString(s, " ")
	return fuzzy.PartialRatio(w.Phrase, s)
}

// Detect reports whether the transcript qualifies as a wake event.
func (w *WakeDetector) Detect(text string) bool {
	return w.Score(text) > w.Threshold
}
