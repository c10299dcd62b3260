package ingestion_engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// runChunker drives streamChunks over in-memory pages and collects the drafts.
func runChunker(t *testing.T, pages []page, chunkSize, chunkOverlap int) []chunkDraft {
	t.Helper()

	g, ctx := errgroup.WithContext(context.Background())
	in := make(chan page, len(pages))
	for _, p := range pages {
		in <- p
	}
	close(in)

	out := streamChunks(ctx, g, in, chunkSize, chunkOverlap)
	var drafts []chunkDraft
	for d := range out {
		drafts = append(drafts, d)
	}
	require.NoError(t, g.Wait())
	return drafts
}

func TestSplitParagraphs(t *testing.T) {
	paras := splitParagraphs("line one\nline two\n\n\nsecond para\n")
	require.Equal(t, []string{"line one line two", "second para"}, paras)

	assert.Empty(t, splitParagraphs("\n \n\t\n"))
}

func TestStreamChunksSinglePageFitsInOneChunk(t *testing.T) {
	drafts := runChunker(t, []page{{Number: 1, Text: "hello world\n\nsecond paragraph"}}, 1000, 200)

	require.Len(t, drafts, 1)
	assert.Equal(t, 0, drafts[0].Index)
	assert.Equal(t, 1, drafts[0].Page)
	assert.Equal(t, "hello world second paragraph", drafts[0].Content)
}

func TestStreamChunksOverlapCarry(t *testing.T) {
	// "alpha beta" (10) + "gamma delta" (11) overflow a 20-byte budget,
	// so the first buffer is emitted and its 5-byte tail seeds the next.
	drafts := runChunker(t, []page{{Number: 1, Text: "alpha beta\n\ngamma delta"}}, 20, 5)

	require.Len(t, drafts, 2)
	assert.Equal(t, "alpha beta", drafts[0].Content)
	assert.Equal(t, "beta gamma delta", drafts[1].Content)
}

func TestStreamChunksIndexesContiguous(t *testing.T) {
	var pages []page
	for n := 1; n <= 5; n++ {
		pages = append(pages, page{Number: n, Text: strings.Repeat("word ", 60)})
	}
	drafts := runChunker(t, pages, 100, 20)

	require.NotEmpty(t, drafts)
	for k, d := range drafts {
		assert.Equal(t, k, d.Index)
		assert.NotEmpty(t, strings.TrimSpace(d.Content))
	}
}

func TestStreamChunksForceSplitsOversizeParagraph(t *testing.T) {
	para := "abcdefghijklmnopqrst" // 20 bytes, no blank lines
	drafts := runChunker(t, []page{{Number: 2, Text: para}}, 10, 3)

	// stride = 10-3 = 7: pieces start at 0, 7, 14.
	require.Len(t, drafts, 3)
	assert.Equal(t, "abcdefghij", drafts[0].Content)
	assert.Equal(t, "hijklmnopq", drafts[1].Content)
	assert.Equal(t, "opqrst", drafts[2].Content)
	for _, d := range drafts {
		assert.Equal(t, 2, d.Page)
	}
}

func TestStreamChunksBufferCarriesAcrossPages(t *testing.T) {
	pages := []page{
		{Number: 1, Text: "one two three"},
		{Number: 2, Text: "   \n  "}, // blank page, buffer untouched
		{Number: 3, Text: "four five"},
	}
	drafts := runChunker(t, pages, 100, 10)

	require.Len(t, drafts, 1)
	assert.Equal(t, "one two three four five", drafts[0].Content)
	assert.Equal(t, 3, drafts[0].Page)
}

func TestStreamChunksTagsChunkWithClosingPage(t *testing.T) {
	pages := []page{
		{Number: 1, Text: strings.Repeat("a", 30)},
		{Number: 2, Text: strings.Repeat("b", 30)},
	}
	drafts := runChunker(t, pages, 40, 5)

	// Page 1's buffer overflows while consuming page 2, so the first
	// chunk closes on page 2.
	require.Len(t, drafts, 2)
	assert.Equal(t, 2, drafts[0].Page)
	assert.Equal(t, 2, drafts[1].Page)
}

func TestStreamChunksRoundTripWithoutOverlap(t *testing.T) {
	// With zero overlap, concatenating the chunks reconstructs the
	// paragraph stream up to whitespace normalization.
	pages := []page{
		{Number: 1, Text: "first paragraph here\n\nsecond one follows\n\nthird block of text"},
		{Number: 2, Text: "fourth paragraph continues\n\nfifth wraps it up"},
	}
	var paras []string
	for _, p := range pages {
		paras = append(paras, splitParagraphs(p.Text)...)
	}

	drafts := runChunker(t, pages, 45, 0)
	require.Greater(t, len(drafts), 1)

	var contents []string
	for _, d := range drafts {
		contents = append(contents, d.Content)
	}
	assert.Equal(t, strings.Join(paras, " "), strings.Join(contents, " "))
}

func TestStreamChunksDeterministic(t *testing.T) {
	pages := []page{
		{Number: 1, Text: strings.Repeat("revenue grew across segments\n\n", 10)},
		{Number: 2, Text: strings.Repeat("margins held steady\n\n", 8)},
	}
	first := runChunker(t, pages, 120, 30)
	second := runChunker(t, pages, 120, 30)

	require.Equal(t, first, second)
}

func TestTailAndHeadRunesRespectBoundaries(t *testing.T) {
	s := "héllo wörld"
	assert.True(t, strings.HasSuffix(s, tailRunes(s, 4)))
	assert.True(t, strings.HasPrefix(s, headRunes(s, 4)))

	// Never splits a multi-byte rune.
	for n := 0; n <= len(s); n++ {
		assert.True(t, strings.HasSuffix(s, tailRunes(s, n)))
		assert.True(t, strings.HasPrefix(s, headRunes(s, n)))
	}
}
