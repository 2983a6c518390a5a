// Package reconcile runs the event loop that ties the Tree Store, the
// Filesystem Projector, the Index Writer, the local Watcher, and the
// editor Transport together: every inbound editor message and every
// settled local file change flows through here and nowhere else.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/luasync/luasync/internal/fsproject"
	"github.com/luasync/luasync/internal/model"
	"github.com/luasync/luasync/internal/sourcemap"
	"github.com/luasync/luasync/internal/transport"
	"github.com/luasync/luasync/internal/watch"
)

// Config configures a Reconciler.
type Config struct {
	Store     *model.Store
	Projector *fsproject.Projector
	Index     *sourcemap.Writer
	Watcher   *watch.Watcher
	Transport *transport.Server

	// DeleteOrphansOnConnect, when set, sweeps files under the sync
	// directory that are not in the current mapping the first time a
	// fullSnapshot is applied.
	DeleteOrphansOnConnect bool

	Logger *log.Logger
}

// Reconciler is the daemon's single-threaded coordinator. Every method
// that touches the Tree Store, Projector, or Index runs on the Run
// goroutine — nothing here is safe to call concurrently from outside
// the event loop.
type Reconciler struct {
	store     *model.Store
	projector *fsproject.Projector
	index     *sourcemap.Writer
	watcher   *watch.Watcher
	transport *transport.Server

	deleteOrphansOnConnect bool
	orphanSweepDone        bool

	Logger *log.Logger
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	return &Reconciler{
		store:                  cfg.Store,
		projector:              cfg.Projector,
		index:                  cfg.Index,
		watcher:                cfg.Watcher,
		transport:              cfg.Transport,
		deleteOrphansOnConnect: cfg.DeleteOrphansOnConnect,
		Logger:                 logger,
	}
}

// Run multiplexes inbound editor messages and settled local file
// changes until ctx is cancelled. It starts the Watcher itself and
// stops it on the way out.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.watcher.Start(); err != nil {
		return fmt.Errorf("reconcile: starting watcher: %w", err)
	}
	defer r.watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case raw, ok := <-r.transport.Inbound():
			if !ok {
				return nil
			}
			r.handleInbound(raw)

		case path, ok := <-r.watcher.Events():
			if !ok {
				return nil
			}
			r.handleLocalChange(path)

		case err, ok := <-r.watcher.Errors():
			if !ok {
				continue
			}
			r.Logger.Printf("watcher error: %v", err)
		}
	}
}

func (r *Reconciler) handleInbound(raw []byte) {
	msg, err := transport.ParseInbound(raw)
	if err != nil {
		r.Logger.Printf("warn: %v", err)
		r.sendError(err.Error())
		return
	}

	switch msg.Tag {
	case transport.TagFullSnapshot:
		r.handleFullSnapshot(msg.Snapshot)
	case transport.TagInstanceUpdated:
		r.handleInstanceUpdated(msg.Instance)
	case transport.TagScriptChanged:
		r.handleScriptChanged(msg.ScriptChanged)
	case transport.TagDeleted:
		r.handleDeleted(msg.DeletedID)
	case transport.TagPing:
		if data, err := transport.EncodePong(); err == nil {
			_ = r.transport.Send(data)
		}
	case transport.TagClientDisconnect:
		r.Logger.Printf("editor requested disconnect")
	case transport.TagPushConfig:
		// Only meaningful during one-shot push mode, handled by the push
		// package's own request/response flow rather than here.
	}
}

func (r *Reconciler) sendError(message string) {
	data, err := transport.EncodeError(message)
	if err != nil {
		return
	}
	_ = r.transport.Send(data)
}

func entryFromWire(e transport.WireEntry) model.Entry {
	return model.Entry{
		ID:     model.ID(e.ID),
		Class:  model.Class(e.ClassName),
		Name:   e.Name,
		Path:   model.Path(e.Path),
		Source: e.Source,
	}
}

func (r *Reconciler) handleFullSnapshot(wire []transport.WireEntry) {
	entries := make([]model.Entry, len(wire))
	for i, e := range wire {
		entries[i] = entryFromWire(e)
	}

	r.store.ApplyFullSnapshot(entries)

	for _, n := range r.store.Nodes() {
		if !n.IsScript() || n.IsRoot() {
			continue
		}
		r.projectNode(n)
	}

	if r.deleteOrphansOnConnect && !r.orphanSweepDone {
		if removed, err := r.projector.SweepOrphans(); err != nil {
			r.Logger.Printf("warn: orphan sweep failed: %v", err)
		} else if removed > 0 {
			r.Logger.Printf("swept %d orphaned files", removed)
		}
		r.orphanSweepDone = true
	}

	if err := r.index.Regenerate(r.store, r.projector); err != nil {
		r.Logger.Printf("warn: regenerating index after snapshot failed: %v", err)
	}

	r.Logger.Printf("applied full snapshot: %d nodes", r.store.Len())
}

// projectNode writes n's file, arming echo suppression first so the
// resulting fsnotify event is not relayed back as a local edit. If n was
// previously projected at a different path (a rename or reparent), the
// stale file is removed once the new one is safely written.
func (r *Reconciler) projectNode(n *model.Node) {
	source := ""
	if n.Source != nil {
		source = *n.Source
	}
	hasChildren := len(n.Children) > 0
	dest := r.projector.PathFor(n.Path, n.Class, hasChildren)

	prev, hadPrev := r.projector.PathOf(n.ID)

	r.watcher.SuppressNextChange(dest)
	if _, err := r.projector.Write(n.ID, n.Path, n.Class, hasChildren, source); err != nil {
		r.Logger.Printf("warn: writing %s: %v", n.Path, err)
		return
	}

	if hadPrev && prev != dest {
		// No SuppressNextChange here: the watcher never forwards Remove
		// events (see handleEvent), so a suppression entry armed for prev
		// would never be consumed and would leak in the suppressed map for
		// the lifetime of the daemon.
		if err := r.projector.DeletePath(prev); err != nil {
			r.Logger.Printf("warn: removing stale file %s: %v", prev, err)
		}
	}
}

func (r *Reconciler) upsertIndexFor(n *model.Node, oldPath model.Path, isNew bool) {
	filePath := ""
	if n.IsScript() {
		if abs, ok := r.projector.PathOf(n.ID); ok {
			filePath = r.index.RelPath(abs)
		}
	}
	if err := r.index.Upsert(r.store, r.projector, n, filePath, oldPath, isNew); err != nil {
		r.Logger.Printf("warn: upserting index entry for %s: %v", n.Path, err)
	}
}

func (r *Reconciler) handleInstanceUpdated(wire transport.WireEntry) {
	entry := entryFromWire(wire)
	res, err := r.store.UpdateInstance(entry)
	if err != nil {
		r.Logger.Printf("warn: updateInstance %s: %v", entry.ID, err)
		r.sendError(err.Error())
		return
	}

	affected := []*model.Node{}
	if res.Node.IsScript() {
		affected = append(affected, res.Node)
	}
	if res.PathChanged || res.NameChanged {
		affected = append(affected, r.store.GetDescendantScripts(res.Node.ID)...)
	}

	for _, n := range affected {
		r.projectNode(n)
	}

	if res.IsNew || res.PathChanged || res.NameChanged || res.Node.IsScript() {
		r.upsertIndexFor(res.Node, res.PrevPath, res.IsNew)
	}

	if err := r.projector.SweepEmptyDirs(); err != nil {
		r.Logger.Printf("warn: sweeping empty directories: %v", err)
	}
}

func (r *Reconciler) handleScriptChanged(payload transport.ScriptChangedPayload) {
	id := model.ID(payload.ID)
	node, ok := r.store.ByID(id)
	if !ok {
		res, err := r.store.UpdateInstance(model.Entry{
			ID:     id,
			Class:  model.Class(payload.ClassName),
			Name:   model.Path(payload.Path).Name(),
			Path:   model.Path(payload.Path),
			Source: &payload.Source,
		})
		if err != nil {
			r.Logger.Printf("warn: upserting unknown script %s from scriptChanged: %v", id, err)
			return
		}
		node = res.Node
	} else if _, err := r.store.UpdateScriptSource(id, payload.Source); err != nil {
		r.Logger.Printf("warn: updateScriptSource %s: %v", id, err)
		return
	}

	r.projectNode(node)
	r.upsertIndexFor(node, nil, false)
}

func (r *Reconciler) handleDeleted(rawID string) {
	id := model.ID(rawID)
	node, ok := r.store.ByID(id)
	if !ok {
		return
	}

	scripts := r.store.GetDescendantScripts(id)
	oldPath := node.Path.Clone()
	class := node.Class

	r.store.DeleteInstance(id)

	for _, s := range scripts {
		if _, ok := r.projector.PathOf(s.ID); ok {
			if err := r.projector.Delete(s.ID); err != nil {
				r.Logger.Printf("warn: deleting file for %s: %v", s.Path, err)
			}
			continue
		}
		if err := r.projector.DeletePath(r.projector.PathFor(s.Path, s.Class, false)); err != nil {
			r.Logger.Printf("warn: direct-path delete for %s: %v", s.Path, err)
		}
	}

	// Prune already falls back to a full Regenerate on a miss or on any
	// JSON-surgery error, so an error here means regeneration itself
	// failed too.
	if err := r.index.Prune(r.store, r.projector, oldPath, string(class)); err != nil {
		r.Logger.Printf("warn: pruning index at %s failed: %v", oldPath, err)
	}

	if err := r.projector.SweepEmptyDirs(); err != nil {
		r.Logger.Printf("warn: sweeping empty directories: %v", err)
	}
}

// handleLocalChange is invoked for a settled (debounced) local file
// write reported by the Watcher. Unmapped files are ignored — per the
// external-interface contract, the daemon never auto-creates instances
// on the editor side from a stray file.
func (r *Reconciler) handleLocalChange(path string) {
	id, ok := r.projector.IDOf(path)
	if !ok {
		r.Logger.Printf("ignoring local change to unmapped file %s", path)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		r.Logger.Printf("warn: reading locally changed file %s: %v", path, err)
		return
	}

	if _, err := r.store.UpdateScriptSource(id, string(data)); err != nil {
		r.Logger.Printf("warn: updating source for %s: %v", id, err)
		return
	}

	msg, err := transport.EncodePatchScript(string(id), string(data))
	if err != nil {
		r.Logger.Printf("warn: encoding patchScript for %s: %v", id, err)
		return
	}
	if err := r.transport.Send(msg); err != nil {
		r.Logger.Printf("warn: sending patchScript for %s: %v", id, err)
	}
}
