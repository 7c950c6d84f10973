package minutes

import (
	"strings"
	"testing"
	"unicode"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nonSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func TestSplitTranscript_Empty(t *testing.T) {
	assert.Nil(t, SplitTranscript("", 100, 5))
	assert.Nil(t, SplitTranscript(" \n\n \t", 100, 5))
}

func TestSplitTranscript_SingleChunk(t *testing.T) {
	text := "First paragraph.\n\nSecond paragraph."
	assert.Equal(t, []string{text}, SplitTranscript(text, 100, 5))
}

func TestSplitTranscript_PacksParagraphsGreedily(t *testing.T) {
	p := strings.Repeat("a", 40)
	text := strings.Join([]string{p, p, p, p}, "\n\n")

	// two 40-char paragraphs plus separator = 82 <= 90, a third would overflow
	chunks := SplitTranscript(text, 90, 10)

	require.Len(t, chunks, 2)
	assert.Equal(t, p+"\n\n"+p, chunks[0])
	assert.Equal(t, p+"\n\n"+p, chunks[1])
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 90)
	}
}

func TestSplitTranscript_OversizedParagraphSlicedFixedWidth(t *testing.T) {
	long := strings.Repeat("b", 250)
	text := "intro\n\n" + long + "\n\noutro"

	chunks := SplitTranscript(text, 100, 10)

	require.Equal(t, []string{
		"intro",
		strings.Repeat("b", 100),
		strings.Repeat("b", 100),
		strings.Repeat("b", 50),
		"outro",
	}, chunks)
}

func TestSplitTranscript_RuneBoundaries(t *testing.T) {
	long := strings.Repeat("é", 30) // 60 bytes
	chunks := SplitTranscript(long, 25, 10)

	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c), "chunk split a rune: %q", c)
		assert.LessOrEqual(t, len(c), 25)
	}
	assert.Equal(t, long, strings.Join(chunks, ""))
}

func TestSplitTranscript_CapFoldsOverflow(t *testing.T) {
	var paras []string
	for i := 0; i < 8; i++ {
		paras = append(paras, strings.Repeat(string(rune('a'+i)), 20))
	}
	text := strings.Join(paras, "\n\n")

	chunks := SplitTranscript(text, 20, 3)

	require.Len(t, chunks, 3)
	assert.Equal(t, paras[0], chunks[0])
	assert.Equal(t, paras[1], chunks[1])
	assert.Equal(t, strings.Join(paras[2:], "\n\n"), chunks[2])
}

func TestSplitTranscript_Defaults(t *testing.T) {
	text := strings.Repeat("word ", 5000) // 25000 bytes, one paragraph
	chunks := SplitTranscript(text, 0, 0)
	require.Len(t, chunks, 3)
	assert.LessOrEqual(t, len(chunks[0]), DefaultChunkSize)
}

// Concatenating chunks keeps every non-whitespace character in order.
func TestSplitTranscript_NoDataLoss(t *testing.T) {
	inputs := []string{
		"short",
		"a b c\n\nd e f\n\n\n\ng h i",
		strings.Repeat("lorem ipsum dolor sit amet ", 200),
		strings.Repeat("para one is here.\n\n", 60) + strings.Repeat("x", 333),
		"  leading\n\n\n\n  trailing  \n\n",
		strings.Repeat("ünïcødé ", 90),
	}
	budgets := []struct{ size, max int }{{10, 3}, {50, 10}, {120, 2}, {1000, 1}}

	for _, in := range inputs {
		for _, b := range budgets {
			chunks := SplitTranscript(in, b.size, b.max)
			assert.LessOrEqual(t, len(chunks), b.max)
			assert.Equal(t, nonSpace(in), nonSpace(strings.Join(chunks, "")),
				"size=%d max=%d", b.size, b.max)
		}
	}
}
