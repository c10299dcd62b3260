package ingestion_engine

import (
	"context"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// streamChunks turns the page stream into overlapping chunk drafts.
//
// Paragraphs (blank-line delimited) accumulate into a running buffer.
// When the next paragraph would push the buffer past the chunk-size
// budget, the buffer is emitted as a chunk tagged with the page on which
// it closed, and the next buffer is seeded with the trailing overlap of
// the closed one. A single paragraph longer than the budget is itself
// force-split at fixed boundaries. The buffer carries across page
// boundaries, so a chunk may span pages; an empty page leaves it intact.
//
// Identical input pages always produce identical chunk boundaries.
func streamChunks(
	ctx context.Context,
	g *errgroup.Group,
	pages <-chan page,
	chunkSize int,
	chunkOverlap int,
) <-chan chunkDraft {
	out := make(chan chunkDraft, 8)

	g.Go(func() error {
		defer close(out)

		var (
			current  string // running buffer, seeded with overlap from the last emitted chunk
			index    int    // next chunk index, zero-based and strictly increasing
			lastPage int    // page number of the most recent non-empty page
		)

		emit := func(content string, pageNumber int) error {
			d := chunkDraft{Index: index, Page: pageNumber, Content: content}
			index++
			select {
			case out <- d:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		for p := range pages {
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			lastPage = p.Number

			for _, para := range splitParagraphs(p.Text) {
				if len(current)+len(para) > chunkSize {
					if strings.TrimSpace(current) != "" {
						if err := emit(strings.TrimSpace(current), p.Number); err != nil {
							return err
						}
						current = tailRunes(current, chunkOverlap) + " " + para
						continue
					}

					// Paragraph alone exceeds the budget: force-split it with overlap.
					stride := chunkSize - chunkOverlap
					if stride <= 0 {
						stride = chunkSize
					}
					for start := 0; start < len(para); start += stride {
						piece := headRunes(para[start:], chunkSize)
						if strings.TrimSpace(piece) != "" {
							if err := emit(strings.TrimSpace(piece), p.Number); err != nil {
								return err
							}
						}
					}
					current = ""
					continue
				}

				if current != "" {
					current += " " + para
				} else {
					current = para
				}
			}
		}

		// Trailing buffer after the last page becomes the final chunk.
		if strings.TrimSpace(current) != "" {
			return emit(strings.TrimSpace(current), lastPage)
		}
		return nil
	})

	return out
}

// splitParagraphs splits text at blank lines, collapsing the lines of
// each paragraph into a single space-joined string.
func splitParagraphs(text string) []string {
	var paragraphs []string
	var current string

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if current != "" {
				paragraphs = append(paragraphs, current)
				current = ""
			}
			continue
		}
		if current != "" {
			current += " " + line
		} else {
			current = line
		}
	}
	if current != "" {
		paragraphs = append(paragraphs, current)
	}
	return paragraphs
}

// tailRunes returns the last n bytes of s, backed off to a rune boundary.
func tailRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

// headRunes returns the first n bytes of s, backed off to a rune boundary.
func headRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
