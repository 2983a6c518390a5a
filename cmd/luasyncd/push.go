package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/luasync/luasync/internal/cliui"
	"github.com/luasync/luasync/internal/config"
	"github.com/luasync/luasync/internal/logging"
	"github.com/luasync/luasync/internal/model"
	"github.com/luasync/luasync/internal/push"
	"github.com/luasync/luasync/internal/transport"
)

// pushConfigWait is how long the push command waits for the editor:
// without --destination, for a pushConfig reply (the command fails if
// none arrives in time); with --destination, only for any inbound
// message as a sign that the editor has connected (SPEC_FULL.md §5).
// build uses it for the same connection wait.
const pushConfigWait = 8 * time.Second

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push a local source tree to the connected editor",
	RunE:  runPush,
}

func init() {
	pushCmd.Flags().StringP("source", "s", ".", "local source directory to push")
	pushCmd.Flags().StringP("destination", "d", "", "dotted destination path in the editor tree (e.g. ReplicatedStorage.Shared)")
	pushCmd.Flags().Bool("destructive", false, "remove editor-side instances not present in the pushed tree")
	pushCmd.Flags().Bool("rojo", false, "treat source as a rojo-style project manifest rather than a plain directory")
	pushCmd.Flags().String("rojo-project", "", "path to the project manifest (default: default.project.json under source)")
	pushCmd.Flags().Bool("no-place-config", false, "do not push place-level configuration (no-op: this daemon never materializes place settings)")
}

func runPush(cmd *cobra.Command, args []string) error {
	source, _ := cmd.Flags().GetString("source")
	destination, _ := cmd.Flags().GetString("destination")
	destructive, _ := cmd.Flags().GetBool("destructive")
	rojo, _ := cmd.Flags().GetBool("rojo")
	rojoProject, _ := cmd.Flags().GetString("rojo-project")
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return &argError{err}
	}
	logger := logging.New(logging.Config{Prefix: "[push] ", Debug: cfg.Debug})

	srv := transport.New(transport.Config{Port: cfg.Port, Logger: logger.Std()})
	if err := srv.Start(); err != nil {
		return &startupError{fmt.Errorf("starting transport: %w", err)}
	}
	defer srv.Stop()
	fmt.Printf("%s waiting for editor on %s\n", cliui.RenderAccent("●"), srv.Addr())

	if err := sendOutbound(srv, transport.EncodeRequestPushConfig); err != nil {
		logger.Warnf("sending requestPushConfig: %v", err)
	}

	var mappings []transport.PushConfigMapping
	if destination != "" {
		mappings = []transport.PushConfigMapping{{
			Source:      source,
			Destination: strings.Split(destination, "."),
			Destructive: destructive,
			RojoMode:    rojo,
		}}
		waitForConnection(cmd.Context(), srv, pushConfigWait)
	} else if body, ok := awaitPushConfig(cmd.Context(), srv, pushConfigWait); ok {
		mappings = body.Mappings
	} else {
		return &argError{fmt.Errorf("no --destination given and no pushConfig received from the editor within %s", pushConfigWait)}
	}

	builder := push.New(push.Config{Logger: logger.Std()})
	var outMappings []transport.PushMapping
	for _, m := range mappings {
		destPath := model.Path(m.Destination)
		var instances []transport.WireEntry
		if m.RojoMode || rojo {
			manifestPath := rojoProject
			if manifestPath == "" {
				manifestPath = filepath.Join(m.Source, "default.project.json")
			}
			entries, err := builder.BuildManifest(manifestPath, nil)
			if err != nil {
				return &startupError{fmt.Errorf("building manifest snapshot: %w", err)}
			}
			instances = descendantsUnder(entries, destPath)
		} else {
			entries, err := builder.BuildPlain(m.Source, destPath)
			if err != nil {
				return &startupError{fmt.Errorf("building plain snapshot: %w", err)}
			}
			instances = entries
		}

		outMappings = append(outMappings, transport.PushMapping{
			Destination: []string(destPath),
			Destructive: m.Destructive,
			Instances:   instances,
		})
	}

	data, err := transport.EncodePushSnapshot(outMappings)
	if err != nil {
		return &startupError{fmt.Errorf("encoding pushSnapshot: %w", err)}
	}
	if err := srv.Send(data); err != nil {
		return &startupError{fmt.Errorf("sending pushSnapshot: %w", err)}
	}

	total, totalBytes := 0, int64(0)
	for _, m := range outMappings {
		total += len(m.Instances)
		for _, e := range m.Instances {
			if e.Source != nil {
				totalBytes += int64(len(*e.Source))
			}
		}
	}
	fmt.Printf("%s pushed %d instances (%s of source) across %d mapping(s)\n",
		cliui.RenderPass("✓"), total, humanize.Bytes(uint64(totalBytes)), len(outMappings))

	time.Sleep(drainInterval)
	return nil
}

// drainInterval is the short pause before the process exits after
// sending a one-shot payload, giving the transport's write a chance to
// flush before the listener is torn down.
const drainInterval = 200 * time.Millisecond

func sendOutbound(srv *transport.Server, encode func() ([]byte, error)) error {
	data, err := encode()
	if err != nil {
		return err
	}
	return srv.Send(data)
}

// awaitPushConfig waits up to timeout for the editor to connect and
// send a pushConfig message, ignoring any other message it sends in
// the meantime (e.g. a stray ping).
func awaitPushConfig(ctx context.Context, srv *transport.Server, timeout time.Duration) (*transport.PushConfigBody, bool) {
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		select {
		case raw := <-srv.Inbound():
			msg, err := transport.ParseInbound(raw)
			if err != nil {
				continue
			}
			if msg.Tag == transport.TagPushConfig {
				return &msg.PushConfig, true
			}
		case <-deadline.Done():
			return nil, false
		}
	}
}

// waitForConnection waits up to timeout for any inbound message, as
// evidence the editor has connected, so the subsequent Send is not
// silently dropped against an empty active connection. It never
// errors: a timeout just means the later Send is best-effort.
func waitForConnection(ctx context.Context, srv *transport.Server, timeout time.Duration) {
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-srv.Inbound():
	case <-deadline.Done():
	}
}

// descendantsUnder returns the entries in entries whose path is dest or
// a strict descendant of dest, excluding dest itself so the editor's
// own destination instance is not duplicated.
func descendantsUnder(entries []transport.WireEntry, dest model.Path) []transport.WireEntry {
	var out []transport.WireEntry
	for _, e := range entries {
		p := model.Path(e.Path)
		if len(p) <= len(dest) {
			continue
		}
		if model.Path(p[:len(dest)]).Equal(dest) {
			out = append(out, e)
		}
	}
	return out
}
