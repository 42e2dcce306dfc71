package highlight

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/jward/vigil/internal/text"
)

// Severity defines the importance of a diagnostic. Higher is more severe.
type Severity uint8

const (
	SevInformation Severity = iota + 1
	SevWeakWarning
	SevWarning
	SevError
)

func (s Severity) String() string {
	switch s {
	case SevInformation:
		return "INFO"
	case SevWeakWarning:
		return "WEAK_WARNING"
	case SevWarning:
		return "WARNING"
	case SevError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// ParseSeverity accepts the String forms case-insensitively plus the short
// aliases used in config files and scripts.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "information":
		return SevInformation, nil
	case "weak_warning", "weak", "hint":
		return SevWeakWarning, nil
	case "warning", "warn":
		return SevWarning, nil
	case "error", "err":
		return SevError, nil
	}
	return 0, fmt.Errorf("highlight: unknown severity %q", s)
}

// TargetArea says whether a highlighter covers the exact range or the full
// lines the range touches.
type TargetArea uint8

const (
	TargetExactRange TargetArea = iota
	TargetLinesInRange
)

func (a TargetArea) String() string {
	if a == TargetLinesInRange {
		return "LINES_IN_RANGE"
	}
	return "EXACT_RANGE"
}

// EffectType is the decoration drawn under or around highlighted text.
type EffectType uint8

const (
	EffectNone EffectType = iota
	EffectLineUnderscore
	EffectWaveUnderscore
	EffectBoxed
	EffectStrikeout
	EffectBoldDottedLine
)

// FontStyle is a bit set of font modifiers.
type FontStyle uint8

const (
	FontPlain  FontStyle = 0
	FontBold   FontStyle = 1
	FontItalic FontStyle = 2
)

// Color is a packed 0xAARRGGBB value; zero means "not set".
type Color uint32

// TextAttributes are literal rendering attributes, used when a diagnostic
// does not refer to a named color-scheme key.
type TextAttributes struct {
	Foreground Color
	Background Color
	Effect     Color
	EffectType EffectType
	FontStyle  FontStyle
}

// Attributes is either a color-scheme key or literal attributes. At most one
// of the two is set.
type Attributes struct {
	Key     string
	Literal *TextAttributes
}

// Valid reports whether at most one of Key and Literal is present.
func (a Attributes) Valid() bool {
	return a.Key == "" || a.Literal == nil
}

// Equal compares attributes by value.
func (a Attributes) Equal(o Attributes) bool {
	if a.Key != o.Key {
		return false
	}
	if (a.Literal == nil) != (o.Literal == nil) {
		return false
	}
	return a.Literal == nil || *a.Literal == *o.Literal
}

// Diagnostic is one finding produced by a collaborator.
type Diagnostic struct {
	Span          text.Span
	FileLevel     bool
	Severity      Severity
	Description   string
	SourceID      string
	Attributes    Attributes
	Layer         int32
	TargetArea    TargetArea
	GutterIconURL string

	// Zombie marks a diagnostic restored from a grave rather than produced
	// by live analysis.
	Zombie bool
}

// ContentHash hashes everything but the span and zombie flag. File-level
// diagnostics are identified by (SourceID, ContentHash).
func (d Diagnostic) ContentHash() uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "src:%s\nsev:%d\ndesc:%s\nkey:%s\nlayer:%d\narea:%d\nicon:%s\n",
		d.SourceID, d.Severity, d.Description, d.Attributes.Key, d.Layer, d.TargetArea, d.GutterIconURL)
	if l := d.Attributes.Literal; l != nil {
		fmt.Fprintf(h, "lit:%x:%x:%x:%d:%d\n", l.Foreground, l.Background, l.Effect, l.EffectType, l.FontStyle)
	}
	return h.Sum64()
}

// SameContent reports whether two diagnostics differ at most in their span
// and zombie flag.
func (d Diagnostic) SameContent(o Diagnostic) bool {
	return d.SourceID == o.SourceID &&
		d.Severity == o.Severity &&
		d.Description == o.Description &&
		d.Layer == o.Layer &&
		d.TargetArea == o.TargetArea &&
		d.GutterIconURL == o.GutterIconURL &&
		d.Attributes.Equal(o.Attributes)
}

func (d Diagnostic) String() string {
	if d.FileLevel {
		return fmt.Sprintf("%s file %s: %s", d.Severity, d.SourceID, d.Description)
	}
	return fmt.Sprintf("%s %s %s: %s", d.Severity, d.Span, d.SourceID, d.Description)
}
