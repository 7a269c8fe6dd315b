package parser

import (
	"regexp"
	"strings"
	"unicode"

	"finrag/internal/models"
)

const (
	DefaultChunkSize    = 900 // characters
	DefaultChunkOverlap = 150 // characters
)

var (
	horizontalSpaceRe = regexp.MustCompile(`[ \t\f\v]+`)
	blankLinesRe      = regexp.MustCompile(`\n{3,}`)
)

// CleanText strips null bytes, collapses horizontal whitespace runs to a single
// space and three or more newlines to a paragraph break, then trims.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = horizontalSpaceRe.ReplaceAllString(s, " ")
	s = blankLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// pageSpan is the [start, end) rune range a page occupies in the merged buffer.
type pageSpan struct {
	start, end int
	page       int
}

// ChunkPages merges the cleaned pages into one buffer and slides a window of
// chunkSize characters over it with stride chunkSize-overlap (at least 1).
// Every chunk carries the pages owning its first and last character.
func ChunkPages(pages []models.PageText, chunkSize, overlap int) []models.Chunk {
	if chunkSize <= 0 {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}

	var buf []rune
	var spans []pageSpan
	for _, p := range pages {
		txt := CleanText(p.Text)
		if txt == "" {
			continue
		}
		start := len(buf)
		buf = append(buf, []rune(txt)...)
		buf = append(buf, '\n', '\n')
		spans = append(spans, pageSpan{start: start, end: len(buf), page: p.PageNumber})
	}
	if len(spans) == 0 {
		return nil
	}

	stride := max(chunkSize-overlap, 1)
	n := len(buf)

	var chunks []models.Chunk
	for i := 0; i < n; i += stride {
		j := min(i+chunkSize, n)
		lo, hi := trimBounds(buf, i, j)
		if lo < hi {
			chunks = append(chunks, models.Chunk{
				ChunkIndex: len(chunks),
				PageStart:  pageAt(spans, lo),
				PageEnd:    pageAt(spans, hi-1),
				Text:       string(buf[lo:hi]),
			})
		}
		if j == n {
			break
		}
	}
	return chunks
}

// trimBounds narrows [lo, hi) past leading and trailing whitespace.
func trimBounds(buf []rune, lo, hi int) (int, int) {
	for lo < hi && unicode.IsSpace(buf[lo]) {
		lo++
	}
	for hi > lo && unicode.IsSpace(buf[hi-1]) {
		hi--
	}
	return lo, hi
}

// pageAt scans the spans linearly; offsets past the end belong to the last page.
func pageAt(spans []pageSpan, offset int) int {
	for _, s := range spans {
		if offset >= s.start && offset < s.end {
			return s.page
		}
	}
	return spans[len(spans)-1].page
}
