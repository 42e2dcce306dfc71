package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/jward/vigil"
	"github.com/jward/vigil/internal/text"
)

var (
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	weakColor    = color.New(color.FgCyan)
	infoColor    = color.New(color.Faint)
	zombieColor  = color.New(color.FgMagenta)
)

// outputResult writes result in the selected format to stdout.
func outputResult(result CLIResult) error {
	if flagFormat == "text" {
		return outputResultText(os.Stdout, result)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// outputError writes an error in the selected format and returns it so RunE
// can propagate it to Cobra. In JSON mode the error is written to stdout as a
// CLIResult envelope. In text mode it goes to stderr.
func outputError(command string, err error) error {
	errorHandled = true
	if flagFormat == "text" {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return err
	}
	result := CLIResult{
		Command: command,
		Error:   err.Error(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	return err
}

// outputResultText dispatches to the text formatter for the result type.
func outputResultText(w io.Writer, result CLIResult) error {
	switch v := result.Results.(type) {
	case []CLIFileReport:
		for _, r := range v {
			formatDiagnosticsText(w, r.Diagnostics)
		}
	case []CLIGrave:
		formatGravesText(w, v)
	case CLIGraveDetail:
		formatGraveDetailText(w, v)
	case CLIWatchEvent:
		formatWatchEventText(w, v)
	case CLIClearResult:
		fmt.Fprintf(w, "removed %d grave(s)\n", v.Removed)
	case nil:
	default:
		return fmt.Errorf("unsupported result type for text format: %T", v)
	}
	return nil
}

// formatDiagnosticsText writes one "file:line:col: SEVERITY message" line
// per diagnostic.
func formatDiagnosticsText(w io.Writer, diags []CLIDiagnostic) {
	for _, d := range diags {
		loc := d.File
		if !d.FileLevel {
			loc = fmt.Sprintf("%s:%d:%d", d.File, d.StartLine, d.StartCol)
		}
		sev := severityColor(d.Severity).Sprint(d.Severity)
		if d.Zombie {
			sev += zombieColor.Sprint(" (restored)")
		}
		msg := d.Message
		if msg == "" {
			msg = d.AttributeID
		}
		if d.Source != "" {
			fmt.Fprintf(w, "%s: %s %s [%s]\n", loc, sev, msg, d.Source)
		} else {
			fmt.Fprintf(w, "%s: %s %s\n", loc, sev, msg)
		}
	}
}

func severityColor(sev string) *color.Color {
	switch sev {
	case vigil.SevError.String():
		return errorColor
	case vigil.SevWarning.String():
		return warningColor
	case vigil.SevWeakWarning.String():
		return weakColor
	}
	return infoColor
}

// formatGravesText formats CLIGrave results as aligned columns.
func formatGravesText(w io.Writer, graves []CLIGrave) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tRECORDS\tSIZE\tVERSION\tBURIED")
	for _, g := range graves {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", g.File, g.RecordCount, g.Size, g.FormatVersion, g.BuriedAt)
	}
	tw.Flush()
}

// formatGraveDetailText formats one grave and its records.
func formatGraveDetailText(w io.Writer, g CLIGraveDetail) {
	fmt.Fprintf(w, "File: %s\n", g.File)
	fmt.Fprintf(w, "Buried: %s\n", g.BuriedAt)
	fmt.Fprintf(w, "Content hash: %s\n", g.ContentHash)
	fmt.Fprintf(w, "Records: %d\n", g.RecordCount)
	if len(g.Records) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tEND\tLAYER\tAREA\tATTRIBUTES\tICON")
	for _, r := range g.Records {
		attrs := r.AttributesKey
		if r.Literal {
			attrs = "<literal>"
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\n", r.Start, r.End, r.Layer, r.TargetArea, attrs, r.GutterIconURL)
	}
	tw.Flush()
}

// formatWatchEventText writes one watch event header plus its diagnostics.
func formatWatchEventText(w io.Writer, ev CLIWatchEvent) {
	switch {
	case ev.Error != "":
		fmt.Fprintf(w, "%s %s: %s\n", ev.Event, ev.File, errorColor.Sprint(ev.Error))
	case ev.Reason != "":
		fmt.Fprintf(w, "%s %s (%s)\n", ev.Event, ev.File, ev.Reason)
	default:
		fmt.Fprintf(w, "%s %s: %d diagnostic(s)\n", ev.Event, ev.File, len(ev.Diagnostics))
	}
	formatDiagnosticsText(w, ev.Diagnostics)
}

// toCLIDiagnostics converts engine diagnostics computed on content.
// Positions are 1-based, columns count bytes.
func toCLIDiagnostics(file, content string, diags []vigil.Diagnostic) []CLIDiagnostic {
	li := text.NewLineIndex(content)
	out := make([]CLIDiagnostic, 0, len(diags))
	for _, d := range diags {
		cd := CLIDiagnostic{
			File:        file,
			Severity:    d.Severity.String(),
			Message:     d.Description,
			Source:      d.SourceID,
			FileLevel:   d.FileLevel,
			Zombie:      d.Zombie,
			AttributeID: d.Attributes.Key,
		}
		if !d.FileLevel {
			sl, sc := li.Position(d.Span.Start)
			el, ec := li.Position(d.Span.End)
			cd.StartLine, cd.StartCol = sl+1, sc+1
			cd.EndLine, cd.EndCol = el+1, ec+1
		}
		out = append(out, cd)
	}
	return out
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be %s", format, strings.Join(validFormats, " or "))
}
