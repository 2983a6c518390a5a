// Package sourcemap maintains the external index file ("sourcemap")
// that mirrors the Tree Store: one JSON document describing where every
// node lives on disk. It supports full regeneration from the Tree Store
// and incremental upsert/prune of a single subtree, so a one-node change
// does not require re-walking and re-serializing the whole forest.
package sourcemap

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"

	"github.com/luasync/luasync/internal/model"
)

// Entry is one node's representation in the sourcemap document.
type Entry struct {
	Name      string   `json:"name"`
	ClassName string   `json:"className"`
	FilePaths []string `json:"filePaths,omitempty"`
	Children  []*Entry `json:"children,omitempty"`
}

// PathResolver resolves a script node's current absolute file path. It is
// satisfied by *fsproject.Projector; the interface lives here so this
// package does not import fsproject just for one method.
type PathResolver interface {
	PathOf(id model.ID) (string, bool)
}

// Writer owns the on-disk sourcemap document.
type Writer struct {
	outputPath string
	workDir    string

	Logger *log.Logger
}

// Config configures a Writer.
type Config struct {
	// OutputPath is the absolute path of the sourcemap file, e.g.
	// "<cwd>/sourcemap.json".
	OutputPath string
	// WorkDir is the directory file paths are made relative to. Defaults
	// to the directory containing OutputPath.
	WorkDir string
	Logger  *log.Logger
}

// New creates a Writer.
func New(cfg Config) *Writer {
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Dir(cfg.OutputPath)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sourcemap] ", log.LstdFlags)
	}
	return &Writer{outputPath: cfg.OutputPath, workDir: workDir, Logger: logger}
}

// relPath converts an absolute file path into one relative to the
// Writer's work directory, using forward slashes regardless of host OS.
func (w *Writer) relPath(abs string) string {
	rel, err := filepath.Rel(w.workDir, abs)
	if err != nil {
		rel = abs
	}
	return filepath.ToSlash(rel)
}

// RelPath exposes relPath for callers (the Reconciler) that need to
// convert a Projector-reported absolute path into the form stored in
// the sourcemap document before calling Upsert.
func (w *Writer) RelPath(abs string) string {
	return w.relPath(abs)
}

// Generate rebuilds the entire sourcemap document from store in a single
// pass and returns the pretty-printed bytes (not yet written to disk).
// It builds a parent-path -> children index implicitly via the Tree
// Store's own Children lists, so the walk is O(N), not O(N^2).
func (w *Writer) Generate(store *model.Store, resolver PathResolver) ([]byte, error) {
	root := &Entry{Name: "Game", ClassName: string(model.ClassDataModel)}
	visited := make(map[model.ID]bool)

	for _, svc := range store.Roots() {
		if entry := w.buildEntry(store, resolver, svc, visited); entry != nil {
			root.Children = append(root.Children, entry)
		}
	}

	raw, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("sourcemap: marshaling document: %w", err)
	}
	return formatDocument(raw), nil
}

// buildEntry recursively builds the Entry for node and its descendants.
// visited guards against a cycle introduced by a bad update; a node
// revisited mid-walk is logged and dropped rather than recursed into
// again.
func (w *Writer) buildEntry(store *model.Store, resolver PathResolver, node *model.Node, visited map[model.ID]bool) *Entry {
	if visited[node.ID] {
		w.Logger.Printf("warn: cycle detected at node %s (%s); dropping", node.ID, node.Path)
		return nil
	}
	visited[node.ID] = true
	defer delete(visited, node.ID)

	entry := &Entry{Name: node.Name, ClassName: string(node.Class)}
	if node.IsScript() {
		if path, ok := resolver.PathOf(node.ID); ok {
			entry.FilePaths = []string{w.relPath(path)}
		}
	}
	for _, childID := range node.Children {
		child, ok := store.ByID(childID)
		if !ok {
			continue
		}
		if child := w.buildEntry(store, resolver, child, visited); child != nil {
			entry.Children = append(entry.Children, child)
		}
	}
	return entry
}

// formatDocument pretty-prints compact JSON with a two-space indent and
// a trailing newline, matching the on-disk convention in SPEC_FULL.md §6.
func formatDocument(compact []byte) []byte {
	formatted := pretty.PrettyOptions(compact, &pretty.Options{Indent: "  "})
	if len(formatted) == 0 || formatted[len(formatted)-1] != '\n' {
		formatted = append(formatted, '\n')
	}
	return formatted
}

// WriteAtomic writes data to path by writing to a temporary file in the
// same directory and renaming it over path, so a concurrent reader never
// observes a partially written document.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("sourcemap: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".sourcemap-*.tmp")
	if err != nil {
		return fmt.Errorf("sourcemap: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("sourcemap: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sourcemap: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("sourcemap: renaming %s to %s: %w", tmpPath, path, err)
	}
	return nil
}

// Regenerate is the fallback path for any failed incremental operation:
// it rebuilds the whole document from store and writes it atomically.
func (w *Writer) Regenerate(store *model.Store, resolver PathResolver) error {
	data, err := w.Generate(store, resolver)
	if err != nil {
		return err
	}
	return WriteAtomic(w.outputPath, data)
}

// readDocument reads the current sourcemap file, or returns a minimal
// valid skeleton if the file does not exist or is not valid JSON.
func (w *Writer) readDocument() []byte {
	data, err := os.ReadFile(w.outputPath)
	if err != nil || !gjson.ValidBytes(data) {
		return []byte(`{"name":"Game","className":"DataModel","children":[]}`)
	}
	return data
}

// childrenPath returns the gjson/sjson path of the "children" array
// belonging to the entry at entryPath, or "children" for the document
// root when entryPath is empty.
func childrenPath(entryPath string) string {
	if entryPath == "" {
		return "children"
	}
	return entryPath + ".children"
}
