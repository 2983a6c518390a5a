package main

import (
	"fmt"
	"path/filepath"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/luasync/luasync/internal/cliui"
	"github.com/luasync/luasync/internal/config"
	"github.com/luasync/luasync/internal/logging"
	"github.com/luasync/luasync/internal/push"
	"github.com/luasync/luasync/internal/transport"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Send a one-shot build snapshot of a local source tree to the editor, without pushing",
	RunE:  runBuild,
}

func init() {
	buildCmd.Flags().String("sync-dir", "", "local source directory to snapshot (overrides config)")
	buildCmd.Flags().Bool("rojo", false, "treat sync-dir as a rojo-style project manifest rather than a plain directory")
	buildCmd.Flags().String("rojo-project", "", "path to the project manifest (default: default.project.json under sync-dir)")
}

func runBuild(cmd *cobra.Command, args []string) error {
	rojo, _ := cmd.Flags().GetBool("rojo")
	rojoProject, _ := cmd.Flags().GetString("rojo-project")
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return &argError{err}
	}
	logger := logging.New(logging.Config{Prefix: "[build] ", Debug: cfg.Debug})

	builder := push.New(push.Config{Logger: logger.Std()})

	var entries []transport.WireEntry
	if rojo {
		manifestPath := rojoProject
		if manifestPath == "" {
			manifestPath = filepath.Join(cfg.SyncDir, "default.project.json")
		}
		entries, err = builder.BuildManifest(manifestPath, nil)
	} else {
		entries, err = builder.BuildPlain(cfg.SyncDir, nil)
	}
	if err != nil {
		return &startupError{fmt.Errorf("building snapshot: %w", err)}
	}

	srv := transport.New(transport.Config{Port: cfg.Port, Logger: logger.Std()})
	if err := srv.Start(); err != nil {
		return &startupError{fmt.Errorf("starting transport: %w", err)}
	}
	defer srv.Stop()
	fmt.Printf("%s waiting for editor on %s\n", cliui.RenderAccent("●"), srv.Addr())

	waitForConnection(cmd.Context(), srv, pushConfigWait)

	data, err := transport.EncodeBuildSnapshot(entries)
	if err != nil {
		return &startupError{fmt.Errorf("encoding buildSnapshot: %w", err)}
	}
	if err := srv.Send(data); err != nil {
		return &startupError{fmt.Errorf("sending buildSnapshot: %w", err)}
	}

	var totalBytes int64
	for _, e := range entries {
		if e.Source != nil {
			totalBytes += int64(len(*e.Source))
		}
	}
	fmt.Printf("%s sent build snapshot with %d entries (%s of source)\n",
		cliui.RenderPass("✓"), len(entries), humanize.Bytes(uint64(totalBytes)))
	return nil
}
