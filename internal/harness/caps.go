package harness

import (
	"fmt"
	"strings"

	"github.com/nadzzz/ttsbridge/internal/backend"
)

// Capability advertisement encoding. The line ordering is part of the
// wire contract: some controllers match positionally, so lines appear in
// the exact order built below and sub-capability keywords keep their
// fixed order inside each subset line.

// boolLine renders "name true" or "name false".
func boolLine(name string, v bool) string {
	return fmt.Sprintf("%s %v", name, v)
}

// subsetLine renders a subset advertisement. Each present keyword is
// appended with a leading space; an empty subset becomes " none". The
// label is joined with one more space, so every subset line carries a
// double space after its label — controllers parse it that way.
func subsetLine(label string, keywords []string, present []bool) string {
	var b strings.Builder
	for i, kw := range keywords {
		if present[i] {
			b.WriteString(" " + kw)
		}
	}
	if b.Len() == 0 {
		b.WriteString(" none")
	}
	return fmt.Sprintf("%s %s", label, b.String())
}

// encodeCapabilities translates the capability vector into the data lines
// of the DRIVER CAPABILITIES reply.
func encodeCapabilities(c *backend.Capabilities) []string {
	var lines []string
	add := func(l string) { lines = append(lines, l) }

	add(boolLine("can_list_voices", c.CanListVoices))
	add(boolLine("can_set_voice_by_properties", c.CanSetVoiceByProperties))
	add(boolLine("can_get_current_voice", c.CanGetCurrentVoice))

	add(subsetLine("rate_settings",
		[]string{"relative", "absolute"},
		[]bool{c.CanSetRateRelative, c.CanSetRateAbsolute}))
	add(subsetLine("pitch_settings",
		[]string{"relative", "absolute"},
		[]bool{c.CanSetPitchRelative, c.CanSetPitchAbsolute}))
	add(subsetLine("pitch_range_settings",
		[]string{"relative", "absolute"},
		[]bool{c.CanSetPitchRangeRelative, c.CanSetPitchRangeAbsolute}))
	add(subsetLine("volume_settings",
		[]string{"relative", "absolute"},
		[]bool{c.CanSetVolumeRelative, c.CanSetVolumeAbsolute}))

	add(subsetLine("capital_letters_modes",
		[]string{"spelling", "icon", "pitch"},
		[]bool{c.CanSetCapitalLettersModeSpelling, c.CanSetCapitalLettersModeIcon, c.CanSetCapitalLettersModePitch}))

	add(boolLine("can_get_default_rate", c.CanGetDefaultRate))
	add(boolLine("can_get_default_pitch", c.CanGetDefaultPitch))
	add(boolLine("can_get_default_volume", c.CanGetDefaultVolume))
	add(boolLine("can_get_default_pitch_range", c.CanGetDefaultPitchRange))

	add(subsetLine("punctuation_modes",
		[]string{"all", "none", "some"},
		[]bool{c.CanSetPunctuationModeAll, c.CanSetPunctuationModeNone, c.CanSetPunctuationModeSome}))

	add(boolLine("can_set_punctuation_detail", c.CanSetPunctuationDetail))
	add(boolLine("can_set_number_grouping", c.CanSetNumberGrouping))
	add(boolLine("can_say_text_from_position", c.CanSayTextFromPosition))
	add(boolLine("can_say_key", c.CanSayKey))
	add(boolLine("can_say_char", c.CanSayChar))
	add(boolLine("can_say_icon", c.CanSayIcon))
	add(boolLine("can_set_dictionary", c.CanSetDictionary))

	add(subsetLine("audio_methods",
		[]string{"retrieval", "playback"},
		[]bool{c.CanRetrieveAudio, c.CanPlayAudio}))

	add(subsetLine("events",
		[]string{"message", "sentences", "words", "index_mark"},
		[]bool{c.CanReportEventsByMessage, c.CanReportEventsBySentences, c.CanReportEventsByWords, c.CanReportCustomIndexMarks}))

	switch c.PerformanceLevel {
	case backend.PerformanceGood:
		add("performance_level good")
	case backend.PerformanceExcellent:
		add("performance_level excellent")
	default:
		add("performance_level none")
	}

	add(subsetLine("message_format",
		[]string{"ssml", "plain"},
		[]bool{c.CanParseSSML, c.CanParsePlain}))

	add(boolLine("can_defer_message", c.CanDeferMessage))
	add(boolLine("supports_multilingual_utterances", c.SupportsMultilingualUtterances))

	return lines
}
