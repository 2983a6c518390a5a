package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luasync/luasync/internal/cliui"
	"github.com/luasync/luasync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the daemon's TOML configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a new config file populated with the built-in defaults",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := ".luasync.toml"
	if len(args) == 1 {
		path = args[0]
	}
	if err := config.WriteDefault(path); err != nil {
		return &startupError{err}
	}
	fmt.Printf("%s wrote default config to %s\n", cliui.RenderPass("✓"), path)
	return nil
}
