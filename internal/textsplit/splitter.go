// Package textsplit divides source text into bounded-size chunks for
// speech synthesis, preserving sentence and paragraph boundaries where
// possible. Chunk order is the single source of truth for reassembly.
package textsplit

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultMaxChunkChars is the synthesis API input limit per request.
	DefaultMaxChunkChars = 4000

	// windowMargin keeps hard-split windows safely under the max size.
	windowMargin = 200
)

// ErrEmptyText indicates the input contained no convertible content.
var ErrEmptyText = errors.New("text is empty")

// Split produces an ordered, non-empty sequence of chunks covering text,
// each at most maxChars runes. Strategies are tried in order: sentence
// boundaries, line breaks, fixed-size windows. Whitespace between units
// is normalized to single spaces.
func Split(text string, maxChars int) ([]string, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxChunkChars
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrEmptyText
	}

	units := splitSentences(trimmed)
	if len(units) <= 1 {
		units = splitLines(trimmed)
	}

	var chunks []string
	if len(units) <= 1 {
		chunks = hardSplit(trimmed, windowSize(maxChars))
	} else {
		chunks = packUnits(units, maxChars)
	}

	if len(chunks) == 0 {
		// Splitting must never silently drop all content.
		chunks = []string{firstWindow(trimmed, maxChars)}
	}
	return chunks, nil
}

// splitSentences breaks text at sentence-terminal punctuation followed
// by whitespace. The terminator stays attached to its sentence.
func splitSentences(text string) []string {
	var units []string
	var buf strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		buf.WriteRune(runes[i])
		if !isTerminal(runes[i]) {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if unit := strings.TrimSpace(buf.String()); unit != "" {
			units = append(units, unit)
		}
		buf.Reset()
		for i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			i++
		}
	}
	if rest := strings.TrimSpace(buf.String()); rest != "" {
		units = append(units, rest)
	}
	return units
}

func splitLines(text string) []string {
	var units []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			units = append(units, line)
		}
	}
	return units
}

// packUnits greedily fills chunks with consecutive units up to maxChars.
// A single unit larger than maxChars is hard-split with a safety margin.
func packUnits(units []string, maxChars int) []string {
	var chunks []string
	var buf strings.Builder
	bufLen := 0

	flush := func() {
		if buf.Len() > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
			bufLen = 0
		}
	}

	for _, unit := range units {
		unitLen := utf8.RuneCountInString(unit)
		if unitLen > maxChars {
			flush()
			chunks = append(chunks, hardSplit(unit, windowSize(maxChars))...)
			continue
		}
		sep := 0
		if bufLen > 0 {
			sep = 1
		}
		if bufLen+sep+unitLen > maxChars {
			flush()
			sep = 0
		}
		if sep == 1 {
			buf.WriteByte(' ')
		}
		buf.WriteString(unit)
		bufLen += sep + unitLen
	}
	flush()
	return chunks
}

// hardSplit slices text into fixed windows of size runes.
func hardSplit(text string, size int) []string {
	if size <= 0 {
		size = DefaultMaxChunkChars - windowMargin
	}
	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if window := strings.TrimSpace(string(runes[start:end])); window != "" {
			chunks = append(chunks, window)
		}
	}
	return chunks
}

func firstWindow(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) > maxChars {
		runes = runes[:maxChars]
	}
	return strings.TrimSpace(string(runes))
}

func windowSize(maxChars int) int {
	if maxChars > windowMargin {
		return maxChars - windowMargin
	}
	return maxChars
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
