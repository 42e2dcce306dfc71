package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jward/vigil"
	"github.com/jward/vigil/internal/metrics"
	"github.com/jward/vigil/internal/syntax"
)

var flagMetricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Keep diagnostics of a directory current while files change",
	Long: "Open every supported file under dir and re-analyse files as they are written. Each finished run " +
		"prints the file's diagnostics; removed files are closed and their highlights buried.",
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
}

func runWatch(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	ws, err := loadWorkspace(dir)
	if err != nil {
		return outputError("watch", err)
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return outputError("watch", err)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []vigil.Option
	if flagMetricsAddr != "" {
		m := metrics.New(prometheus.NewRegistry())
		opts = append(opts, vigil.WithMetrics(m))
		srv := &http.Server{Addr: flagMetricsAddr, Handler: metricsMux(m), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				ws.logger.Error("metrics server failed", "addr", flagMetricsAddr, "err", err)
			}
		}()
		defer srv.Close()
	}

	engine, err := ws.openEngine(opts...)
	if err != nil {
		return outputError("watch", err)
	}
	defer engine.Close()

	w := &watcher{ws: ws, engine: engine}
	unsubscribe := engine.Subscribe(w.onEvent)
	defer unsubscribe()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return outputError("watch", fmt.Errorf("creating watcher: %w", err))
	}
	defer fsw.Close()

	paths, err := collectFiles([]string{root})
	if err != nil {
		return outputError("watch", err)
	}
	if err := addWatches(fsw, root); err != nil {
		return outputError("watch", err)
	}
	for _, p := range paths {
		w.sync(p)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.print(CLIWatchEvent{Event: "error", File: displayPath(ws.root, root), Error: err.Error()})
		}
	}
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

// addWatches registers root and every directory below it that a walk would
// descend into.
func addWatches(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && (strings.HasPrefix(d.Name(), ".") || skipDirs[d.Name()]) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// watcher maps file system events onto engine documents and prints engine
// events. Output from the watch loop and the engine's event goroutine is
// serialised by mu.
type watcher struct {
	ws     *workspace
	engine *vigil.Engine
	mu     sync.Mutex
}

func (w *watcher) handle(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if id, ok := w.engine.Lookup(ev.Name); ok {
			if err := w.engine.CloseDocument(id); err != nil {
				w.print(CLIWatchEvent{Event: "close", File: w.display(ev.Name), Error: err.Error()})
				return
			}
			w.print(CLIWatchEvent{Event: "closed", File: w.display(ev.Name)})
		}
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if ev.Op&fsnotify.Create != 0 {
				if err := addWatches(fsw, ev.Name); err != nil {
					w.print(CLIWatchEvent{Event: "error", File: w.display(ev.Name), Error: err.Error()})
				}
			}
			return
		}
		if _, ok := syntax.LanguageForFile(ev.Name); ok {
			w.sync(ev.Name)
		}
	}
}

// sync opens path or replaces the text of the open document.
func (w *watcher) sync(path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		w.print(CLIWatchEvent{Event: "error", File: w.display(path), Error: err.Error()})
		return
	}
	if id, ok := w.engine.Lookup(path); ok {
		err = w.engine.Replace(id, string(content))
	} else {
		if err = w.ws.applyHighlighting(w.engine, path); err == nil {
			_, err = w.engine.Open(path, string(content))
		}
	}
	if err != nil {
		w.print(CLIWatchEvent{Event: "error", File: w.display(path), Error: err.Error()})
	}
}

func (w *watcher) onEvent(ev vigil.Event) {
	switch ev.Kind {
	case vigil.EventFinished:
		content, err := w.engine.Text(ev.Doc)
		if err != nil {
			return
		}
		ranged, err := w.engine.Highlights(ev.Doc)
		if err != nil {
			return
		}
		fileLevel, err := w.engine.FileLevelHighlights(ev.Doc)
		if err != nil {
			return
		}
		file := w.display(ev.Path)
		w.print(CLIWatchEvent{
			Event:       "analyzed",
			File:        file,
			Diagnostics: toCLIDiagnostics(file, content, append(fileLevel, ranged...)),
		})
	case vigil.EventFault:
		w.print(CLIWatchEvent{Event: "fault", File: w.display(ev.Path), Reason: ev.Source, Error: ev.Err.Error()})
	case vigil.EventCanceled:
		if flagVerbose {
			w.print(CLIWatchEvent{Event: "canceled", File: w.display(ev.Path), Reason: ev.Reason.String()})
		}
	}
}

func (w *watcher) display(path string) string { return displayPath(w.ws.root, path) }

// print writes one event: a JSON line in json mode, text otherwise.
func (w *watcher) print(ev CLIWatchEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if flagFormat == "text" {
		formatWatchEventText(os.Stdout, ev)
		return
	}
	_ = json.NewEncoder(os.Stdout).Encode(ev)
}
