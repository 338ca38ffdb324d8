// Package clihandler is the ambient CLI scaffolding shared by cmd/moor and
// cmd/moor-edge: a cobra root command builder, colored status output, and
// the hidden joke command, mirroring the teacher's pkg/cli.CommandHandler
// (RootCmd, CompletionOptions, SilenceErrors/SilenceUsage) and cmd/yeet's
// hidden "skirt" command. Unlike the teacher's CommandHandler, which wraps a
// single io.ReadWriter because every subcommand round-trips over one SSH
// session, moor's two binaries talk to different backends per subcommand
// (SSH + Docker engine for the orchestrator, the local state store for the
// proxy), so this package only supplies the common scaffolding; each binary
// builds and attaches its own subcommands.
package clihandler

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/hugomd/ascii-live/frames"
	"github.com/spf13/cobra"
)

// NewRoot returns a bare root command with the same posture the teacher's
// CommandHandler.RootCmd uses: no default completion command, errors and
// usage printed by the caller rather than cobra itself.
func NewRoot(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}
}

// Status colors match spec.md §8's three deploy outcomes.
var (
	Green  = color.New(color.FgGreen)
	Yellow = color.New(color.FgYellow)
	Red    = color.New(color.FgRed)
)

// PrintDeployed prints a "deployed" line in green.
func PrintDeployed(out io.Writer, service, detail string) {
	Green.Fprintf(out, "deployed")
	fmt.Fprintf(out, " %s: %s\n", service, detail)
}

// PrintSkipped prints a "skipped" line in yellow.
func PrintSkipped(out io.Writer, service, reason string) {
	Yellow.Fprintf(out, "skipped")
	fmt.Fprintf(out, "  %s: %s\n", service, reason)
}

// PrintFailed prints a "failed" line in red.
func PrintFailed(out io.Writer, service, reason string) {
	Red.Fprintf(out, "failed")
	fmt.Fprintf(out, "   %s: %s\n", service, reason)
}

// WaveCmd is the hidden joke command kept in the same spirit as the
// teacher's hidden "skirt" command: a colorized ascii-live animation with no
// functional purpose, gated behind Hidden so it never shows up in --help.
func WaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "wave",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			colors := []*color.Color{
				color.New(color.FgBlue),
				color.New(color.FgCyan),
				color.New(color.FgWhite),
			}
			p := frames.Parrot
			x := 0
			for {
				fmt.Fprint(cmd.OutOrStdout(), "\033[H\033[2J")
				x++
				i := x % p.GetLength()
				c := colors[x%len(colors)]
				c.Fprintln(cmd.OutOrStdout(), p.GetFrame(i))
				select {
				case <-cmd.Context().Done():
					return nil
				case <-time.After(p.GetSleep()):
					continue
				}
			}
		},
	}
}
