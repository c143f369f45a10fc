// Package cli wires the specforge commands: compile turns action specs
// into SQL artifacts, serve runs the HTTP invocation surface.
package cli

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	Schema string
	Views  string
}

// NewRootCommand creates the root command for the specforge CLI
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "specforge",
		Short: "Compile declarative business actions into transactional procedures",
		Long: `specforge compiles action specifications into transactional
procedures with impact metadata and denormalized view refresh
orchestration, and serves the compiled actions over HTTP.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := godotenv.Load(); err == nil {
				log.Println("loaded environment from .env")
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Schema, "schema", "schema.yaml", "entity metadata file")
	cmd.PersistentFlags().StringVar(&opts.Views, "views", "views.yaml", "view graph file")

	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewHashPasswordCommand())

	return cmd
}
