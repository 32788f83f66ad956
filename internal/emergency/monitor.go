// Package emergency screens conversation content for signs of a medical
// emergency.
//
// The remote endpoint is authoritative: its emergency_detected signal is
// produced with domain knowledge. The keyword screen here is a local
// fallback and deliberately over-triggers; a false alarm costs the user a
// confirmation tap, a missed one can cost far more.
package emergency

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/comigor/voicecare/internal/protocol"
)

// Screening controls when the local keyword screen runs.
type Screening string

const (
	ScreenAlways   Screening = "always"
	ScreenDegraded Screening = "degraded" // only while the channel is not open
	ScreenNever    Screening = "never"
)

// Source says which detector raised an alert.
type Source string

const (
	SourceServer Source = "server"
	SourceLocal  Source = "local"
)

// DefaultKeywords is the fallback phrase list. Policy, not protocol: hosts
// are expected to replace it through configuration.
var DefaultKeywords = []string{
	"chest pain",
	"chest hurts",
	"heart attack",
	"can't breathe",
	"cannot breathe",
	"can not breathe",
	"not breathing",
	"trouble breathing",
	"choking",
	"stroke",
	"face drooping",
	"slurred speech",
	"seizure",
	"unconscious",
	"passed out",
	"fainted",
	"overdose",
	"suicide",
	"kill myself",
	"end my life",
	"severe bleeding",
	"bleeding heavily",
	"won't stop bleeding",
	"anaphylaxis",
	"throat is closing",
}

// Config configures the monitor.
type Config struct {
	Keywords  []string
	Screening Screening
}

// Detection is one raised alert.
type Detection struct {
	Source     Source
	Turn       int64
	Markers    []string
	Confidence float64
	Message    string
}

// Monitor matches text against the configured phrases.
type Monitor struct {
	screening Screening
	phrases   []phrase
}

// New normalizes the keyword list. An empty list falls back to DefaultKeywords.
func New(cfg Config) (*Monitor, error) {
	screening := cfg.Screening
	switch screening {
	case "":
		screening = ScreenAlways
	case ScreenAlways, ScreenDegraded, ScreenNever:
	default:
		return nil, fmt.Errorf("emergency: unknown screening mode %q", cfg.Screening)
	}

	keywords := cfg.Keywords
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	seen := make(map[string]struct{}, len(keywords))
	phrases := make([]phrase, 0, len(keywords))
	for _, k := range keywords {
		marker := normalize(k)
		key := matchKey(marker)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		phrases = append(phrases, phrase{key: key, marker: marker})
	}
	sort.Slice(phrases, func(i, j int) bool { return phrases[i].marker < phrases[j].marker })
	return &Monitor{screening: screening, phrases: phrases}, nil
}

// Match returns the phrases found in text, sorted. Matching is
// case-insensitive on normalized text and does not require word
// boundaries, so "strokes" still matches "stroke".
func (m *Monitor) Match(text string) []string {
	hay := " " + matchKey(normalize(text)) + " "
	var found []string
	for _, p := range m.phrases {
		if strings.Contains(hay, p.key) {
			found = append(found, p.marker)
		}
	}
	return found
}

// ScreenTranscript runs the local fallback on a finalized user transcript.
// degraded reports whether the channel is currently impaired.
func (m *Monitor) ScreenTranscript(turn int64, text string, degraded bool) (Detection, bool) {
	switch m.screening {
	case ScreenNever:
		return Detection{}, false
	case ScreenDegraded:
		if !degraded {
			return Detection{}, false
		}
	}
	markers := m.Match(text)
	if len(markers) == 0 {
		return Detection{}, false
	}
	return Detection{Source: SourceLocal, Turn: turn, Markers: markers, Confidence: 1}, true
}

// FromServer converts the authoritative server signal.
func (m *Monitor) FromServer(e protocol.EmergencyDetected) Detection {
	return Detection{
		Source:     SourceServer,
		Turn:       e.Turn,
		Markers:    append([]string(nil), e.Markers...),
		Confidence: e.Confidence,
		Message:    e.Message,
	}
}

// phrase is a keyword as matched (key) and as reported (marker).
type phrase struct {
	key    string
	marker string
}

// matchKey drops apostrophes from normalized text so "can't" and "cant"
// compare equal.
func matchKey(s string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "'", "")), " ")
}

// normalize lowercases, folds typographic apostrophes and collapses every
// run of non-letter, non-digit characters (other than apostrophes) into a
// single space.
func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '’' || r == '‘' || r == '`':
			r = '\''
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}
