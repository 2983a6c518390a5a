package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/luasync/luasync/internal/cliui"
	"github.com/luasync/luasync/internal/config"
	"github.com/luasync/luasync/internal/fsproject"
	"github.com/luasync/luasync/internal/logging"
	"github.com/luasync/luasync/internal/model"
	"github.com/luasync/luasync/internal/reconcile"
	"github.com/luasync/luasync/internal/sourcemap"
	"github.com/luasync/luasync/internal/transport"
	"github.com/luasync/luasync/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon until a shutdown signal",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("sync-dir", "", "directory to mirror script files into (overrides config)")
	serveCmd.Flags().Int("port", 0, "port to listen on (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return &argError{err}
	}

	logger := logging.New(logging.Config{
		Prefix:       "[luasyncd] ",
		Debug:        cfg.Debug,
		LogFile:      cfg.LogFile,
		LogMaxSizeMB: cfg.LogMaxSizeMB,
	})

	store := model.NewStore(cfg.ExcludedServices, logger.Std())
	projector := fsproject.New(fsproject.Config{
		BaseDir: cfg.SyncDir,
		Ext:     cfg.ScriptExtension,
		Logger:  logger.Std(),
	})
	// WorkDir is left unset so the Writer defaults it to the directory
	// containing the sourcemap file (normally the process's working
	// directory), not the sync directory itself — file paths in the
	// document are stored relative to that default, e.g. "sync/Foo.luau".
	index := sourcemap.New(sourcemap.Config{
		OutputPath: cfg.SourcemapPath,
		Logger:     logger.Std(),
	})
	watcher, err := watch.New(watch.Config{
		BaseDir:  cfg.SyncDir,
		Debounce: cfg.FileWatchDebounce,
		Logger:   logger.Std(),
	})
	if err != nil {
		return &startupError{fmt.Errorf("creating watcher: %w", err)}
	}
	srv := transport.New(transport.Config{
		Port:   cfg.Port,
		Logger: logger.Std(),
	})

	r := reconcile.New(reconcile.Config{
		Store:                  store,
		Projector:              projector,
		Index:                  index,
		Watcher:                watcher,
		Transport:              srv,
		DeleteOrphansOnConnect: cfg.DeleteOrphansOnConnect,
		Logger:                 logger.Std(),
	})

	if err := srv.Start(); err != nil {
		return &startupError{fmt.Errorf("starting transport: %w", err)}
	}
	defer srv.Stop()

	fmt.Printf("%s luasyncd listening on %s, mirroring into %s\n",
		cliui.RenderAccent("●"), srv.Addr(), cfg.SyncDir)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := r.Run(ctx); err != nil {
		return &startupError{err}
	}

	fmt.Printf("%s luasyncd stopped cleanly\n", cliui.RenderPass("✓"))
	return nil
}
