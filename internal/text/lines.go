package text

import "sort"

// LineIndex maps byte offsets to zero-based line/column pairs.
type LineIndex struct {
	starts []int
	length int
}

// NewLineIndex indexes the line starts of content.
func NewLineIndex(content string) *LineIndex {
	starts := []int{0}
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &LineIndex{starts: starts, length: len(content)}
}

// LineCount returns the number of lines; a trailing newline opens a new line.
func (li *LineIndex) LineCount() int {
	return len(li.starts)
}

// Position returns the line and byte column of offset.
func (li *LineIndex) Position(offset int) (line, col int) {
	offset = min(max(offset, 0), li.length)
	line = sort.Search(len(li.starts), func(i int) bool { return li.starts[i] > offset }) - 1
	return line, offset - li.starts[line]
}

// Offset returns the byte offset of line/col, clamped to the text.
func (li *LineIndex) Offset(line, col int) int {
	if line < 0 {
		return 0
	}
	if line >= len(li.starts) {
		return li.length
	}
	return min(li.starts[line]+max(col, 0), li.length)
}

// LineSpan returns the span of a whole line excluding its newline.
func (li *LineIndex) LineSpan(line int) Span {
	if line < 0 || line >= len(li.starts) {
		return Span{Start: li.length, End: li.length}
	}
	start := li.starts[line]
	end := li.length
	if line+1 < len(li.starts) {
		end = li.starts[line+1] - 1
	}
	return Span{Start: start, End: end}
}

// ExpandToLines widens span to full lines, which is what a
// lines-in-range highlighter covers.
func (li *LineIndex) ExpandToLines(span Span) Span {
	first, _ := li.Position(span.Start)
	last, _ := li.Position(span.End)
	return Span{Start: li.LineSpan(first).Start, End: li.LineSpan(last).End}
}

// Blocks splits [0, length) into spans of at most n lines each.
func (li *LineIndex) Blocks(n int) []Span {
	if n <= 0 {
		n = 1
	}
	var out []Span
	for line := 0; line < len(li.starts); line += n {
		start := li.starts[line]
		end := li.length
		if line+n < len(li.starts) {
			end = li.starts[line+n]
		}
		out = append(out, Span{Start: start, End: end})
	}
	return out
}
