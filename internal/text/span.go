package text

import "fmt"

// Span is a half-open byte range [Start, End) in a document. A zero-length
// span marks a point, e.g. where text was deleted.
type Span struct {
	Start int
	End   int
}

// NewSpan returns the span [start, end), swapping the bounds if needed.
func NewSpan(start, end int) Span {
	if end < start {
		start, end = end, start
	}
	return Span{Start: start, End: end}
}

// Len returns the number of bytes covered by the span.
func (s Span) Len() int {
	return s.End - s.Start
}

// IsEmpty reports whether the span covers no bytes.
func (s Span) IsEmpty() bool {
	return s.End <= s.Start
}

// Union returns the smallest span covering both s and o.
func (s Span) Union(o Span) Span {
	return Span{Start: min(s.Start, o.Start), End: max(s.End, o.End)}
}

// Contains reports whether o lies entirely inside s.
func (s Span) Contains(o Span) bool {
	return s.Start <= o.Start && o.End <= s.End
}

// ContainsOffset reports whether offset lies in [Start, End].
// The end offset is included so a caret after the last byte still hits.
func (s Span) ContainsOffset(offset int) bool {
	return s.Start <= offset && offset <= s.End
}

// Intersects reports whether the two spans share at least one byte, or
// whether a zero-length span touches the other one.
func (s Span) Intersects(o Span) bool {
	if s.IsEmpty() || o.IsEmpty() {
		return s.Start <= o.End && o.Start <= s.End
	}
	return s.Start < o.End && o.Start < s.End
}

// Clamp restricts the span to [0, length].
func (s Span) Clamp(length int) Span {
	start := min(max(s.Start, 0), length)
	end := min(max(s.End, start), length)
	return Span{Start: start, End: end}
}

func (s Span) String() string {
	return fmt.Sprintf("[%d,%d)", s.Start, s.End)
}
