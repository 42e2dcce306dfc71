// Package config loads the optional vigil.toml file.
//
// Example:
//
//	[daemon]
//	reparse_delay = "300ms"
//	workers = 4
//	serial = false
//	min_severity = "warning"
//	chunk_lines = 200
//
//	[highlighting]
//	disabled = ["vendor/**", "*.min.js"]
//
//	[scripts]
//	dir = "scripts"
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/jward/vigil/internal/highlight"
)

// FileName is the config file looked up by Find.
const FileName = "vigil.toml"

// DefaultReparseDelay is the debounce between an edit and the restart of
// analysis.
const DefaultReparseDelay = 300 * time.Millisecond

type Config struct {
	Daemon       Daemon       `toml:"daemon"`
	Highlighting Highlighting `toml:"highlighting"`
	Scripts      Scripts      `toml:"scripts"`

	// Path is the file the config was loaded from, empty for defaults.
	Path string `toml:"-"`
}

type Daemon struct {
	ReparseDelay Duration `toml:"reparse_delay"`
	Workers      int      `toml:"workers"`
	Serial       bool     `toml:"serial"`
	MinSeverity  string   `toml:"min_severity"`
	ChunkLines   int      `toml:"chunk_lines"`
}

type Highlighting struct {
	// Disabled lists slash-separated glob patterns. A trailing "/**"
	// matches everything below a directory.
	Disabled []string `toml:"disabled"`
}

type Scripts struct {
	Dir string `toml:"dir"`
}

// Duration decodes TOML strings such as "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{Daemon: Daemon{ReparseDelay: Duration{DefaultReparseDelay}}}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Find walks up from dir looking for FileName. It reports false when none
// exists.
func Find(dir string) (string, bool, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", false, err
	}
	for {
		candidate := filepath.Join(dir, FileName)
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", false, err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false, nil
		}
		dir = parent
	}
}

// Validate checks value ranges and patterns.
func (c *Config) Validate() error {
	d := c.Daemon
	if d.ReparseDelay.Duration < 0 {
		return fmt.Errorf("[daemon].reparse_delay must not be negative")
	}
	if d.Workers < 0 {
		return fmt.Errorf("[daemon].workers must not be negative")
	}
	if d.ChunkLines < 0 {
		return fmt.Errorf("[daemon].chunk_lines must not be negative")
	}
	if d.MinSeverity != "" {
		if _, err := highlight.ParseSeverity(d.MinSeverity); err != nil {
			return fmt.Errorf("[daemon].min_severity: %w", err)
		}
	}
	for _, p := range c.Highlighting.Disabled {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("[highlighting].disabled: bad pattern %q", p)
		}
	}
	return nil
}

// MinSeverity returns the parsed severity floor, zero when unset.
func (c *Config) MinSeverity() highlight.Severity {
	s, _ := highlight.ParseSeverity(c.Daemon.MinSeverity)
	return s
}

// HighlightingDisabled reports whether rel, a slash-separated path relative
// to the config root, matches a [highlighting].disabled pattern. Patterns
// without a slash also match the base name.
func (c *Config) HighlightingDisabled(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, p := range c.Highlighting.Disabled {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if !strings.Contains(p, "/") {
			if ok, _ := doublestar.Match(p, path.Base(rel)); ok {
				return true
			}
		}
	}
	return false
}
