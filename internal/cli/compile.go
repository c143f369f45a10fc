package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/specforge/specforge/internal/emit"
)

// CompileOptions holds flags for the compile command
type CompileOptions struct {
	*RootOptions
	Output string
}

// NewCompileCommand creates the compile command
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <actions-dir>",
		Short: "Compile action specs into SQL procedures and impact sidecars",
		Long: `Compile reads every action spec in the given directory, checks it
against the entity metadata and view graph, and writes one
<action>.sql procedure pair plus an <action>.impact.json sidecar
per action. Output is deterministic; identical inputs produce
byte-identical artifacts.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "dist", "artifact output directory")

	return cmd
}

func runCompile(cmd *cobra.Command, opts *CompileOptions, actionsDir string) error {
	ctx, err := loadContext(opts.RootOptions)
	if err != nil {
		return err
	}

	procs, err := compileDir(ctx, actionsDir)
	if err != nil {
		return err
	}

	emitter := emit.New(ctx.Entities, ctx.Views)
	artifacts := make([]*emit.Artifact, 0, len(procs))
	for _, p := range procs {
		a, err := emitter.Emit(p)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, a)
	}
	if err := emitter.WriteDir(opts.Output, artifacts...); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "compiled %d action(s) to %s\n", len(artifacts), opts.Output)
	for _, a := range artifacts {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s.sql  %s.impact.json\n", a.Action, a.Action)
	}
	return nil
}
