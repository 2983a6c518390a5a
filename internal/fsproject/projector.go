// Package fsproject projects script nodes onto the local filesystem: it
// decides each script's on-disk path, writes and deletes its file, and
// prunes directories left empty by those operations. It owns the
// canonical identifier -> file path mapping; the Reconciler reads
// through its accessors rather than recomputing paths itself.
package fsproject

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/luasync/luasync/internal/model"
)

// Projector writes script sources under a base directory and tracks the
// resulting file mapping.
type Projector struct {
	baseDir string
	ext     string // model.ExtLuau or model.ExtLua

	mu      sync.Mutex
	fileMap map[model.ID]string // node id -> absolute file path

	Logger *log.Logger
}

// Config configures a Projector.
type Config struct {
	BaseDir string
	// Ext is the configured script extension, defaulting to .luau.
	Ext    string
	Logger *log.Logger
}

// New creates a Projector rooted at cfg.BaseDir.
func New(cfg Config) *Projector {
	ext := cfg.Ext
	if ext == "" {
		ext = model.ExtLuau
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[fsproject] ", log.LstdFlags)
	}
	return &Projector{
		baseDir: cfg.BaseDir,
		ext:     ext,
		fileMap: make(map[model.ID]string),
		Logger:  logger,
	}
}

// PathFor computes the absolute file path a script node at path with
// class class would occupy, without writing anything. hasChildren
// reports whether this node has any children in the Tree Store: a
// script with children must itself be represented as a directory
// (named after the script), with its own source living at
// "<dir>/init<suffix><ext>" inside — the container-collapse case. A
// script with no children is instead a plain file beside its siblings.
func (p *Projector) PathFor(path model.Path, class model.Class, hasChildren bool) string {
	segs := make([]string, len(path))
	for i, seg := range path {
		segs[i] = model.Sanitize(seg)
	}

	if hasChildren {
		// The node's own name becomes the containing directory; its
		// name therefore equals that directory's name, which is exactly
		// the condition EncodeFile tests for "init" naming.
		fileName := model.EncodeFile(class, path.Name(), path.Name(), p.ext)
		return filepath.Join(append([]string{p.baseDir}, append(segs, fileName)...)...)
	}

	parentName := ""
	if len(path) >= 2 {
		parentName = path[len(path)-2]
	}
	fileName := model.EncodeFile(class, path.Name(), parentName, p.ext)
	dirSegs := segs[:len(segs)-1]
	return filepath.Join(append([]string{p.baseDir}, append(dirSegs, fileName)...)...)
}

// Write creates or overwrites the file for a script node, creating any
// intermediate directories on demand, and records the id -> path
// mapping. Call suppressNextChange (on the Watcher) before Write when
// the source originated from the editor, to avoid echoing the write
// back as a local edit.
func (p *Projector) Write(id model.ID, path model.Path, class model.Class, hasChildren bool, source string) (string, error) {
	dest := p.PathFor(path, class, hasChildren)

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("fsproject: creating directory for %s: %w", dest, err)
	}
	if err := os.WriteFile(dest, []byte(source), 0644); err != nil {
		return "", fmt.Errorf("fsproject: writing %s: %w", dest, err)
	}

	p.mu.Lock()
	p.fileMap[id] = dest
	p.mu.Unlock()

	return dest, nil
}

// Delete removes the file mapped to id, if any, and forgets the
// mapping. It does not sweep empty directories; call SweepEmptyDirs
// separately once a batch of deletes/reparents has settled.
func (p *Projector) Delete(id model.ID) error {
	p.mu.Lock()
	path, ok := p.fileMap[id]
	delete(p.fileMap, id)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return p.deletePath(path)
}

// DeletePath removes the file at an absolute path directly, for the
// case where the id -> path mapping has already evaporated (e.g. the
// node was deleted out from under a stale mapping).
func (p *Projector) DeletePath(path string) error {
	return p.deletePath(path)
}

func (p *Projector) deletePath(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fsproject: removing %s: %w", path, err)
	}
	return nil
}

// PathOf returns the file mapped to id, if any.
func (p *Projector) PathOf(id model.ID) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path, ok := p.fileMap[id]
	return path, ok
}

// IDOf returns the node id mapped to an absolute file path, if any. The
// Reconciler uses this to resolve watcher events back to tree nodes.
func (p *Projector) IDOf(path string) (model.ID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, mapped := range p.fileMap {
		if mapped == path {
			return id, true
		}
	}
	return "", false
}

// Forget removes id from the mapping without touching the filesystem,
// for the case where the caller has already deleted the file itself
// (e.g. via DeletePath) and only needs to reconcile bookkeeping.
func (p *Projector) Forget(id model.ID) {
	p.mu.Lock()
	delete(p.fileMap, id)
	p.mu.Unlock()
}

// SweepEmptyDirs removes every empty directory beneath the base
// directory, deepest first, so a directory emptied by the removal of
// its last subdirectory goes too; the base directory itself is kept.
// The file mapping is not consulted: directories with remaining content
// are left alone. It is cheap to call after every batch of
// writes/deletes.
func (p *Projector) SweepEmptyDirs() error {
	return sweepDir(p.baseDir, p.baseDir)
}

// sweepDir removes dir if it is empty (after recursively sweeping its
// children), but never removes root itself.
func sweepDir(dir, root string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("fsproject: reading %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			if err := sweepDir(filepath.Join(dir, entry.Name()), root); err != nil {
				return err
			}
		}
	}

	if dir == root {
		return nil
	}

	entries, err = os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("fsproject: re-reading %s: %w", dir, err)
	}
	if len(entries) == 0 {
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("fsproject: removing empty dir %s: %w", dir, err)
		}
	}
	return nil
}

// SweepOrphans deletes every file under the base directory matching the
// configured script extension that is not present in the current
// mapping. This is the opt-in orphan-cleanup feature (default off);
// callers gate it on deleteOrphansOnConnect themselves.
func (p *Projector) SweepOrphans() (removed int, err error) {
	p.mu.Lock()
	known := make(map[string]bool, len(p.fileMap))
	for _, path := range p.fileMap {
		known[path] = true
	}
	p.mu.Unlock()

	err = filepath.Walk(p.baseDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		if filepath.Ext(path) != p.ext {
			return nil
		}
		if known[path] {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			p.Logger.Printf("warn: failed to remove orphan %s: %v", path, rmErr)
			return nil
		}
		removed++
		return nil
	})
	if err != nil && os.IsNotExist(err) {
		return removed, nil
	}
	return removed, err
}

// BaseDir returns the directory the projector writes beneath.
func (p *Projector) BaseDir() string {
	return p.baseDir
}
