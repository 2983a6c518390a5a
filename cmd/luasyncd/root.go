package main

import (
	"errors"

	"github.com/spf13/cobra"
)

// argError marks a failure that should exit with code 2 (bad
// arguments), per SPEC_FULL.md §6's exit-code contract.
type argError struct{ err error }

func (e *argError) Error() string { return e.err.Error() }
func (e *argError) Unwrap() error { return e.err }

// startupError marks a failure that should exit with code 1 (the
// daemon or command never reached a running state).
type startupError struct{ err error }

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

// exitCodeFor maps a command error to the process exit code: 0 is
// cobra's own default for a nil error and never reaches here.
func exitCodeFor(err error) int {
	var ae *argError
	if errors.As(err, &ae) {
		return 2
	}
	var se *startupError
	if errors.As(err, &se) {
		return 1
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "luasyncd",
	Short: "Bidirectional sync daemon between an editor DataModel and a local script tree",
	Long: `luasyncd keeps a remote editor's in-memory object tree and a local
directory of script files in sync: it projects editor-reported
instances into files on disk, maintains a sourcemap.json index, and
relays local file edits back to the editor.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a TOML config file (default .luasync.toml in the working directory)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(buildCmd)
}
