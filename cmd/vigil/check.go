package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jward/vigil"
	"github.com/jward/vigil/internal/syntax"
)

var flagMinSeverity string

var checkCmd = &cobra.Command{
	Use:   "check [path...]",
	Short: "Analyse files once and print their diagnostics",
	Long: "Open every file, run all analysis stages to completion, print the diagnostics and bury them so " +
		"the next open of unchanged files restores them immediately. Directories are walked recursively.",
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&flagMinSeverity, "min-severity", "", "only report diagnostics at or above this severity")
}

// skipDirs are never descended into when walking a directory.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
}

func runCheck(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		args = []string{"."}
	}
	ws, err := loadWorkspace(args[0])
	if err != nil {
		return outputError("check", err)
	}

	var floor vigil.Severity
	if flagMinSeverity != "" {
		floor, err = vigil.ParseSeverity(flagMinSeverity)
		if err != nil {
			return outputError("check", err)
		}
	}

	paths, err := collectFiles(args)
	if err != nil {
		return outputError("check", err)
	}

	opts := []vigil.Option{}
	if floor != 0 {
		opts = append(opts, vigil.WithMinSeverity(floor))
	}
	engine, err := ws.openEngine(opts...)
	if err != nil {
		return outputError("check", err)
	}
	defer engine.Close()

	for _, p := range paths {
		if err := ws.applyHighlighting(engine, p); err != nil {
			return outputError("check", err)
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	reports, checkErr := engine.CheckFiles(ctx, paths)

	results := make([]CLIFileReport, 0, len(reports))
	total := 0
	for _, r := range reports {
		file := displayPath(ws.root, r.Path)
		diags := toCLIDiagnostics(file, r.Content, filterSeverity(r.Diagnostics, floor))
		total += len(diags)
		results = append(results, CLIFileReport{File: file, Language: r.Language, Diagnostics: diags})
	}
	if checkErr != nil {
		ws.logger.Warn("check finished with errors", "err", checkErr)
	}
	if err := outputResult(CLIResult{Command: "check", Results: results, TotalCount: &total}); err != nil {
		return err
	}
	if checkErr != nil {
		errorHandled = true
		return checkErr
	}
	return nil
}

// filterSeverity drops diagnostics below floor; zero keeps everything.
func filterSeverity(diags []vigil.Diagnostic, floor vigil.Severity) []vigil.Diagnostic {
	if floor == 0 {
		return diags
	}
	out := diags[:0:0]
	for _, d := range diags {
		if d.Severity >= floor {
			out = append(out, d)
		}
	}
	return out
}

// collectFiles expands args into absolute file paths. Files are taken as
// given; directories are walked for files with a known extension, skipping
// hidden directories, node_modules, vendor and __pycache__.
func collectFiles(args []string) ([]string, error) {
	var paths []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, fmt.Errorf("resolving path %q: %w", arg, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", arg, err)
		}
		if !info.IsDir() {
			add(abs)
			continue
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				name := d.Name()
				if path != abs && (strings.HasPrefix(name, ".") || skipDirs[name]) {
					return filepath.SkipDir
				}
				return nil
			}
			if _, ok := syntax.LanguageForFile(path); ok {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk directory: %w", err)
		}
	}
	return paths, nil
}
