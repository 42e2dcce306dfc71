package lsp

import (
	"unicode/utf16"
	"unicode/utf8"

	"fortio.org/safecast"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/jward/vigil/internal/highlight"
	"github.com/jward/vigil/internal/text"
)

const diagnosticSource = "vigil"

// Diagnostics converts the live highlights of a document to LSP
// diagnostics. Highlights without a description are pure markup and are
// left out. Columns count UTF-16 code units, the LSP default encoding.
func Diagnostics(content string, ranged, fileLevel []highlight.Diagnostic) []protocol.Diagnostic {
	li := text.NewLineIndex(content)
	out := make([]protocol.Diagnostic, 0, len(ranged)+len(fileLevel))
	for _, d := range fileLevel {
		if d.Description == "" {
			continue
		}
		out = append(out, toProtocol(d, protocol.Range{}))
	}
	for _, d := range ranged {
		if d.Description == "" {
			continue
		}
		out = append(out, toProtocol(d, protocol.Range{
			Start: position(content, li, d.Span.Start),
			End:   position(content, li, d.Span.End),
		}))
	}
	return out
}

func toProtocol(d highlight.Diagnostic, r protocol.Range) protocol.Diagnostic {
	sev := severity(d.Severity)
	source := diagnosticSource
	pd := protocol.Diagnostic{
		Range:    r,
		Severity: &sev,
		Source:   &source,
		Message:  d.Description,
	}
	if d.SourceID != "" {
		pd.Code = &protocol.IntegerOrString{Value: d.SourceID}
	}
	// Restored from a previous session and not yet confirmed by a run.
	if d.Zombie {
		pd.Data = map[string]any{"zombie": true}
	}
	return pd
}

func severity(s highlight.Severity) protocol.DiagnosticSeverity {
	switch {
	case s >= highlight.SevError:
		return protocol.DiagnosticSeverityError
	case s >= highlight.SevWarning:
		return protocol.DiagnosticSeverityWarning
	case s >= highlight.SevWeakWarning:
		return protocol.DiagnosticSeverityInformation
	default:
		return protocol.DiagnosticSeverityHint
	}
}

func position(content string, li *text.LineIndex, offset int) protocol.Position {
	line, col := li.Position(offset)
	start := li.Offset(line, 0)
	units := 0
	for _, r := range content[start : start+col] {
		units += utf16.RuneLen(r)
	}
	l, err := safecast.Conv[uint32](line)
	if err != nil {
		l = 0
	}
	c, err := safecast.Conv[uint32](units)
	if err != nil {
		c = 0
	}
	return protocol.Position{Line: l, Character: c}
}

// offset converts an LSP position back to a byte offset. A character past
// the end of the line clamps to the line end.
func offset(content string, li *text.LineIndex, p protocol.Position) int {
	i := li.Offset(int(p.Line), 0)
	want := int(p.Character)
	for units := 0; units < want && i < len(content) && content[i] != '\n'; {
		r, size := utf8.DecodeRuneInString(content[i:])
		units += utf16.RuneLen(r)
		if units > want {
			break
		}
		i += size
	}
	return i
}
