package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jward/vigil"
	"github.com/jward/vigil/internal/config"
	"github.com/jward/vigil/scripts"
)

var version = "dev"

var (
	flagDB         string
	flagFormat     string
	flagConfig     string
	flagScriptsDir string
	flagVerbose    bool
)

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "vigil",
	Short:         "Incremental background code analysis",
	Long:          "Vigil re-analyses edited files in the background, keeps their highlights current and restores them across restarts.",
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return validateFormat(flagFormat)
	},
	// No Run, so it prints help.
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database path (default: .vigil/vigil.db relative to repo root)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "json", "output format: json|text")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: nearest vigil.toml)")
	rootCmd.PersistentFlags().StringVar(&flagScriptsDir, "scripts-dir", "", "load scripts from disk path instead of embedded")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging on stderr")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(lspCmd)
	rootCmd.AddCommand(graveCmd)
}

// workspace is the resolved on-disk context every command runs in.
type workspace struct {
	root   string
	dbPath string
	cfg    *config.Config
	logger *slog.Logger
}

// loadWorkspace resolves the repo root, database path and config starting
// from dir.
func loadWorkspace(dir string) (*workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving path %q: %w", dir, err)
	}
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		abs = filepath.Dir(abs)
	}
	root := findRepoRoot(abs)

	cfg, err := loadConfig(abs)
	if err != nil {
		return nil, err
	}
	if cfg.Path != "" {
		root = filepath.Dir(cfg.Path)
	}

	dbPath := resolveDBPath(root)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", filepath.Dir(dbPath), err)
	}
	return &workspace{root: root, dbPath: dbPath, cfg: cfg, logger: newLogger()}, nil
}

// loadConfig reads --config, or the nearest vigil.toml above dir, or the
// defaults.
func loadConfig(dir string) (*config.Config, error) {
	path := flagConfig
	if path == "" {
		found, ok, err := config.Find(dir)
		if err != nil {
			return nil, fmt.Errorf("finding config: %w", err)
		}
		if !ok {
			return config.Default(), nil
		}
		path = found
	}
	return config.Load(path)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openEngine builds an engine from the workspace config plus extra options.
func (w *workspace) openEngine(extra ...vigil.Option) (*vigil.Engine, error) {
	d := w.cfg.Daemon
	opts := []vigil.Option{
		vigil.WithLogger(w.logger),
		vigil.WithReparseDelay(d.ReparseDelay.Duration),
		vigil.WithWorkers(d.Workers),
		vigil.WithSerialPasses(d.Serial),
		vigil.WithMinSeverity(w.cfg.MinSeverity()),
	}
	if d.ChunkLines > 0 {
		opts = append(opts, vigil.WithChunkLines(d.ChunkLines))
	}

	// Script source: --scripts-dir, then [scripts].dir, then embedded FS.
	switch {
	case flagScriptsDir != "":
		opts = append(opts, vigil.WithScriptsDir(flagScriptsDir))
	case w.cfg.Scripts.Dir != "":
		dir := w.cfg.Scripts.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(w.root, dir)
		}
		opts = append(opts, vigil.WithScriptsDir(dir))
	default:
		opts = append(opts, vigil.WithScriptsFS(scripts.FS))
	}

	engine, err := vigil.New(w.dbPath, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	return engine, nil
}

// applyHighlighting turns highlighting off for path when it matches a
// [highlighting].disabled pattern.
func (w *workspace) applyHighlighting(engine *vigil.Engine, path string) error {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || !filepath.IsLocal(rel) {
		return nil
	}
	if !w.cfg.HighlightingDisabled(rel) {
		return nil
	}
	return engine.SetHighlightingEnabled(path, false)
}

// findRepoRoot walks up from startDir looking for a .git directory.
// Returns the directory containing .git, or startDir if not found.
func findRepoRoot(startDir string) string {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root without finding .git.
			return startDir
		}
		dir = parent
	}
}

// resolveDBPath returns the database path from the --db flag or the default.
func resolveDBPath(repoRoot string) string {
	if flagDB != "" {
		if filepath.IsAbs(flagDB) {
			return flagDB
		}
		return filepath.Join(repoRoot, flagDB)
	}
	return filepath.Join(repoRoot, ".vigil", "vigil.db")
}

// displayPath shortens path relative to root for output.
func displayPath(root, path string) string {
	if rel, err := filepath.Rel(root, path); err == nil && filepath.IsLocal(rel) {
		return filepath.ToSlash(rel)
	}
	return path
}
