package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jward/vigil/internal/lsp"
)

var lspCmd = &cobra.Command{
	Use:   "lsp",
	Short: "Serve live diagnostics over the Language Server Protocol on stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		ws, err := loadWorkspace(cwd)
		if err != nil {
			return err
		}
		engine, err := ws.openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		srv := lsp.NewServer(engine, ws.logger, version)
		defer srv.Close()
		return srv.RunStdio()
	},
}
