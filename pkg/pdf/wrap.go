package pdf

import (
	"strings"
	"unicode/utf8"
)

// Measure returns the rendered width of s in the current font.
type Measure func(s string) float64

// Wrap breaks text into lines no wider than width. Words are packed greedily;
// explicit newlines always break; a word wider than width is split between
// characters. Empty input yields no lines.
func Wrap(text string, width float64, measure Measure) []string {
	var lines []string
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}

		line := ""
		for _, word := range words {
			candidate := word
			if line != "" {
				candidate = line + " " + word
			}
			if measure(candidate) <= width {
				line = candidate
				continue
			}
			if line != "" {
				lines = append(lines, line)
				line = ""
			}
			if measure(word) <= width {
				line = word
				continue
			}
			pieces := splitWord(word, width, measure)
			lines = append(lines, pieces[:len(pieces)-1]...)
			line = pieces[len(pieces)-1]
		}
		lines = append(lines, line)
	}

	// drop trailing blank lines
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil
	}
	return lines
}

// splitWord cuts word into the longest prefixes that fit width, always
// taking at least one character per piece.
func splitWord(word string, width float64, measure Measure) []string {
	var pieces []string
	for word != "" {
		end := 0
		for end < len(word) {
			_, size := utf8.DecodeRuneInString(word[end:])
			if end > 0 && measure(word[:end+size]) > width {
				break
			}
			end += size
		}
		pieces = append(pieces, word[:end])
		word = word[end:]
	}
	return pieces
}
