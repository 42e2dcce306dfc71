package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jward/vigil/internal/grave"
	"github.com/jward/vigil/internal/store"
)

var graveCmd = &cobra.Command{
	Use:   "grave",
	Short: "Inspect and clear buried highlights",
	Long:  "Highlights are buried when a file is closed and restored when identical text is reopened.",
}

func init() {
	graveCmd.AddCommand(graveListCmd)
	graveCmd.AddCommand(graveShowCmd)
	graveCmd.AddCommand(graveClearCmd)
}

var graveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List buried snapshots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, s, err := openGraveStore()
		if err != nil {
			return outputError("grave list", err)
		}
		defer s.Close()

		infos, err := s.Graves()
		if err != nil {
			return outputError("grave list", err)
		}
		results := make([]CLIGrave, 0, len(infos))
		for _, gi := range infos {
			results = append(results, toCLIGrave(ws.root, gi))
		}
		total := len(results)
		return outputResult(CLIResult{Command: "grave list", Results: results, TotalCount: &total})
	},
}

var graveShowCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "Decode the snapshot buried for a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, s, err := openGraveStore()
		if err != nil {
			return outputError("grave show", err)
		}
		defer s.Close()

		path, err := filepath.Abs(args[0])
		if err != nil {
			return outputError("grave show", err)
		}
		g, err := s.GraveByPath(path)
		if err != nil {
			return outputError("grave show", err)
		}
		if g == nil {
			return outputError("grave show", fmt.Errorf("no grave for %s", args[0]))
		}
		snap, err := grave.Decode(g.Data)
		if err != nil {
			return outputError("grave show", fmt.Errorf("decoding grave for %s: %w", args[0], err))
		}

		detail := CLIGraveDetail{
			CLIGrave: toCLIGrave(ws.root, &store.GraveInfo{
				Path:          g.Path,
				FormatVersion: g.FormatVersion,
				ContentHash:   g.ContentHash,
				RecordCount:   g.RecordCount,
				Size:          len(g.Data),
				BuriedAt:      g.BuriedAt,
			}),
			Records: make([]CLIGraveRecord, 0, len(snap.Records)),
		}
		for _, r := range snap.Records {
			cr := CLIGraveRecord{
				Start:      r.Start,
				End:        r.End,
				Layer:      r.Layer,
				TargetArea: r.TargetArea.String(),
				Literal:    r.Literal != nil,
			}
			if r.AttributesKey != nil {
				cr.AttributesKey = *r.AttributesKey
			}
			if r.GutterIconURL != nil {
				cr.GutterIconURL = *r.GutterIconURL
			}
			detail.Records = append(detail.Records, cr)
		}
		return outputResult(CLIResult{Command: "grave show", Results: detail})
	},
}

var graveClearCmd = &cobra.Command{
	Use:   "clear [file]",
	Short: "Delete the grave of one file, or every grave",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, s, err := openGraveStore()
		if err != nil {
			return outputError("grave clear", err)
		}
		defer s.Close()

		if len(args) == 0 {
			n, err := s.ClearGraves()
			if err != nil {
				return outputError("grave clear", err)
			}
			return outputResult(CLIResult{Command: "grave clear", Results: CLIClearResult{Removed: n}})
		}

		path, err := filepath.Abs(args[0])
		if err != nil {
			return outputError("grave clear", err)
		}
		g, err := s.GraveByPath(path)
		if err != nil {
			return outputError("grave clear", err)
		}
		var removed int64
		if g != nil {
			if err := s.DeleteGrave(path); err != nil {
				return outputError("grave clear", err)
			}
			removed = 1
		}
		return outputResult(CLIResult{Command: "grave clear", Results: CLIClearResult{Removed: removed}})
	},
}

// openGraveStore opens the workspace database without starting an engine.
func openGraveStore() (*workspace, *store.Store, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("getting cwd: %w", err)
	}
	ws, err := loadWorkspace(cwd)
	if err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(ws.dbPath); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("database not found: %s (run 'vigil check' first)", ws.dbPath)
	}
	s, err := store.NewStore(ws.dbPath)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, nil, err
	}
	return ws, s, nil
}

func toCLIGrave(root string, gi *store.GraveInfo) CLIGrave {
	return CLIGrave{
		File:          displayPath(root, gi.Path),
		FormatVersion: gi.FormatVersion,
		ContentHash:   fmt.Sprintf("%016x", gi.ContentHash),
		RecordCount:   gi.RecordCount,
		Size:          gi.Size,
		BuriedAt:      gi.BuriedAt.UTC().Format(time.RFC3339),
	}
}
