package emergency

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/voicecare/internal/protocol"
)

func TestMonitor_MatchIsCaseAndPunctuationInsensitive(t *testing.T) {
	m, err := New(Config{})
	require.NoError(t, err)

	require.Equal(t, []string{"chest pain"}, m.Match("I have  CHEST-pain since this morning"))
	require.Equal(t, []string{"can't breathe"}, m.Match("I can’t breathe!"))
	require.Empty(t, m.Match("my knee hurts a little"))
}

func TestMonitor_ApostrophesAreOptional(t *testing.T) {
	m, err := New(Config{})
	require.NoError(t, err)

	for _, text := range []string{"I can't breathe", "i cant breathe", "I can`t breathe", "it won’t stop bleeding"} {
		require.NotEmpty(t, m.Match(text), text)
	}
	require.Equal(t, []string{"can't breathe"}, m.Match("I cant breathe"), "the configured spelling is reported")

	m, err = New(Config{Keywords: []string{"cant get up", "can't get up"}})
	require.NoError(t, err)
	require.Equal(t, []string{"cant get up"}, m.Match("I can't get up"), "spellings differing only by apostrophes are one phrase")
}

func TestMonitor_CustomKeywordsReplaceDefaults(t *testing.T) {
	m, err := New(Config{Keywords: []string{"Dizzy", "dizzy", "  "}})
	require.NoError(t, err)

	require.Equal(t, []string{"dizzy"}, m.Match("feeling dizzy"))
	require.Empty(t, m.Match("chest pain"))
}

func TestMonitor_ScreeningModes(t *testing.T) {
	text := "I think I am having a heart attack"

	always, err := New(Config{Screening: ScreenAlways})
	require.NoError(t, err)
	d, ok := always.ScreenTranscript(4, text, false)
	require.True(t, ok)
	require.Equal(t, SourceLocal, d.Source)
	require.Equal(t, int64(4), d.Turn)
	require.Equal(t, []string{"heart attack"}, d.Markers)

	degraded, err := New(Config{Screening: ScreenDegraded})
	require.NoError(t, err)
	_, ok = degraded.ScreenTranscript(4, text, false)
	require.False(t, ok, "degraded mode stays quiet while the channel is healthy")
	_, ok = degraded.ScreenTranscript(4, text, true)
	require.True(t, ok)

	never, err := New(Config{Screening: ScreenNever})
	require.NoError(t, err)
	_, ok = never.ScreenTranscript(4, text, true)
	require.False(t, ok)
}

func TestMonitor_UnknownScreeningRejected(t *testing.T) {
	_, err := New(Config{Screening: "sometimes"})
	require.Error(t, err)
}

func TestMonitor_FromServer(t *testing.T) {
	m, err := New(Config{})
	require.NoError(t, err)

	in := protocol.EmergencyDetected{EmergencyPayload: protocol.EmergencyPayload{
		Turn:       2,
		Markers:    []string{"stroke"},
		Confidence: 0.93,
		Message:    "Call emergency services now.",
	}}
	d := m.FromServer(in)
	require.Equal(t, SourceServer, d.Source)
	require.Equal(t, int64(2), d.Turn)
	require.Equal(t, []string{"stroke"}, d.Markers)
	require.Equal(t, "Call emergency services now.", d.Message)

	in.Markers[0] = "mutated"
	require.Equal(t, "stroke", d.Markers[0])
}
