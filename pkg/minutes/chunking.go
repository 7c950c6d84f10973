package minutes

import (
	"strings"
	"unicode/utf8"
)

// Chunking defaults.
const (
	DefaultChunkSize = 12000
	DefaultMaxChunks = 10
)

const paragraphSep = "\n\n"

// SplitTranscript splits text on paragraph boundaries into chunks of at most
// maxChars bytes. Paragraphs are packed greedily; a paragraph larger than
// maxChars is cut into fixed-width slices on rune boundaries. When more than
// maxChunks chunks result, the overflow is folded into the last chunk so no
// transcript text is dropped.
func SplitTranscript(text string, maxChars, maxChunks int) []string {
	if maxChars <= 0 {
		maxChars = DefaultChunkSize
	}
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, para := range strings.Split(text, paragraphSep) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if len(para) > maxChars {
			flush()
			chunks = append(chunks, sliceFixed(para, maxChars)...)
			continue
		}

		if current.Len() > 0 && current.Len()+len(paragraphSep)+len(para) > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(paragraphSep)
		}
		current.WriteString(para)
	}
	flush()

	if len(chunks) > maxChunks {
		tail := strings.Join(chunks[maxChunks-1:], paragraphSep)
		chunks = append(chunks[:maxChunks-1], tail)
	}
	return chunks
}

// sliceFixed cuts s into pieces of at most width bytes without splitting a rune.
func sliceFixed(s string, width int) []string {
	var out []string
	for len(s) > width {
		cut := width
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			// width smaller than one rune
			_, size := utf8.DecodeRuneInString(s)
			cut = size
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
