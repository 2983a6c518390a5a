// Package push builds a one-shot snapshot of a local source tree for
// the push and build commands: a plain directory walk, or a
// manifest-driven merge of declared nodes with filesystem content,
// flattened into the same wire entry shape the Reconciler exchanges
// with the editor over a live connection.
package push

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/match"

	"github.com/luasync/luasync/internal/model"
	"github.com/luasync/luasync/internal/transport"
)

// defaultIgnore is the built-in glob-ignore set applied during every
// filesystem merge, in addition to any manifest-supplied $ignore list.
var defaultIgnore = []string{"**/.git", "**/sourcemap.json", "**/*.lock", "**/~$*"}

// manifestFileSuffix names the convention used to recognize a
// subdirectory as a nested project during a filesystem merge.
const manifestFileSuffix = ".project.json"

// Config configures a Builder.
type Config struct {
	Logger *log.Logger
}

// Builder produces a flattened, shallow-first entry list from a local
// source tree.
type Builder struct {
	Logger *log.Logger
}

// New creates a Builder.
func New(cfg Config) *Builder {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[push] ", log.LstdFlags)
	}
	return &Builder{Logger: logger}
}

func (b *Builder) newEntry(class model.Class, name string, path model.Path, source string) transport.WireEntry {
	e := transport.WireEntry{
		ID:        string(model.NewID()),
		ClassName: string(class),
		Name:      name,
		Path:      []string(path.Clone()),
	}
	if class.IsScript() {
		e.Source = &source
	}
	return e
}

// BuildPlain walks sourceDir per the plain-mode rules and returns its
// contents as entries rooted at basePath. sourceDir itself is not
// represented as a node — only its contents are — so callers combine
// this with whatever node already represents the destination.
func (b *Builder) BuildPlain(sourceDir string, basePath model.Path) ([]transport.WireEntry, error) {
	entries, err := b.walkDir(sourceDir, basePath, nil)
	if err != nil {
		return nil, err
	}
	sortEntries(entries)
	return entries, nil
}

// walkOptions carries the filesystem-merge-only behaviors (glob ignore,
// nested-project detection) that plain mode does not need.
type walkOptions struct {
	ignore         []string
	skipNames      map[string]bool // manifest-defined child names at this level, not re-emitted
	detectNested   bool
	manifestRoot   string // absolute path the $ignore patterns are matched relative to
}

// walkDir processes the contents of dir — both files and
// subdirectories — appending one path segment per entry onto basePath.
func (b *Builder) walkDir(dir string, basePath model.Path, opts *walkOptions) ([]transport.WireEntry, error) {
	listing, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("push: reading directory %s: %w", dir, err)
	}
	sort.Slice(listing, func(i, j int) bool { return listing[i].Name() < listing[j].Name() })

	var out []transport.WireEntry
	for _, e := range listing {
		full := filepath.Join(dir, e.Name())

		if opts != nil && opts.skipNames[e.Name()] {
			continue
		}
		if opts != nil && isIgnored(full, opts) {
			continue
		}

		if e.IsDir() {
			childPath := append(basePath.Clone(), e.Name())

			if opts != nil && opts.detectNested {
				if manifestPath, ok := findNestedManifest(full); ok {
					nested, err := b.buildManifestSubtree(manifestPath, childPath)
					if err != nil {
						return nil, err
					}
					out = append(out, nested...)
					continue
				}
			}

			sub, err := b.buildDirNode(full, childPath, opts)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			continue
		}

		if !model.IsScriptFile(e.Name()) || model.IsInitFile(e.Name()) {
			continue
		}
		class, logicalName := model.ClassifyFile(e.Name())
		src, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("push: reading %s: %w", full, err)
		}
		out = append(out, b.newEntry(class, logicalName, append(basePath.Clone(), logicalName), string(src)))
	}
	return out, nil
}

// buildDirNode resolves the container-collapse rule for dir: an init
// script collapses the directory into a script node; otherwise it
// becomes a Folder node. Either way, dir's own contents are walked for
// children once the node itself is decided.
func (b *Builder) buildDirNode(dir string, path model.Path, opts *walkOptions) ([]transport.WireEntry, error) {
	listing, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("push: reading directory %s: %w", dir, err)
	}

	var initFile string
	for _, e := range listing {
		if !e.IsDir() && model.IsInitFile(e.Name()) {
			initFile = e.Name()
			break
		}
	}

	var node transport.WireEntry
	if initFile != "" {
		class, _ := model.ClassifyFile(initFile)
		src, err := os.ReadFile(filepath.Join(dir, initFile))
		if err != nil {
			return nil, fmt.Errorf("push: reading init file %s: %w", initFile, err)
		}
		node = b.newEntry(class, path.Name(), path, string(src))
	} else {
		node = b.newEntry(model.ClassFolder, path.Name(), path, "")
	}

	children, err := b.walkDir(dir, path, opts)
	if err != nil {
		return nil, err
	}
	return append([]transport.WireEntry{node}, children...), nil
}

func isIgnored(absPath string, opts *walkOptions) bool {
	rel, err := filepath.Rel(opts.manifestRoot, absPath)
	if err != nil {
		rel = absPath
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range opts.ignore {
		if globMatch(rel, pattern) {
			return true
		}
	}
	return false
}

// globMatch matches rel against pattern using tidwall/match's wildcard
// semantics (a bare "*" already crosses "/" boundaries), with one
// addition: a "**/" prefix also matches at the root, not only at depth
// one or more, since match.Match's "*" still requires the literal "/"
// that follows it to be present somewhere in the string.
func globMatch(rel, pattern string) bool {
	if match.Match(rel, pattern) {
		return true
	}
	if trimmed, ok := strings.CutPrefix(pattern, "**/"); ok {
		if match.Match(rel, trimmed) || match.Match(filepath.Base(rel), trimmed) {
			return true
		}
	}
	return false
}

func findNestedManifest(dir string) (string, bool) {
	listing, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range listing {
		if !e.IsDir() && strings.HasSuffix(e.Name(), manifestFileSuffix) {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

// sortEntries orders entries by path depth, then lexically by dotted
// path, matching the shallow-first stability rule shared by plain and
// manifest mode.
func sortEntries(entries []transport.WireEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		pi, pj := entries[i].Path, entries[j].Path
		if len(pi) != len(pj) {
			return len(pi) < len(pj)
		}
		return strings.Join(pi, ".") < strings.Join(pj, ".")
	})
}

// manifestDoc is the top-level shape of a project manifest file.
type manifestDoc struct {
	Tree map[string]json.RawMessage `json:"tree"`
}

// manifestMeta holds the "$"-prefixed metadata keys of one manifest
// tree node; the remaining, non-"$" keys are its declared children.
type manifestMeta struct {
	ClassName string   `json:"$className"`
	Path      string   `json:"$path"`
	Ignore    []string `json:"$ignore"`
}

// BuildManifest loads the project manifest at manifestPath and returns
// its flattened entries rooted at basePath.
func (b *Builder) BuildManifest(manifestPath string, basePath model.Path) ([]transport.WireEntry, error) {
	entries, err := b.buildManifestSubtree(manifestPath, basePath)
	if err != nil {
		return nil, err
	}
	sortEntries(entries)
	return entries, nil
}

// buildManifestSubtree loads one manifest file and walks its tree,
// rooted at basePath — basePath is non-empty when this manifest was
// discovered as a nested project during a parent's filesystem merge.
func (b *Builder) buildManifestSubtree(manifestPath string, basePath model.Path) ([]transport.WireEntry, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("push: reading manifest %s: %w", manifestPath, err)
	}
	var doc manifestDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("push: parsing manifest %s: %w", manifestPath, err)
	}

	manifestDir := filepath.Dir(manifestPath)

	var out []transport.WireEntry
	for _, key := range sortedKeys(doc.Tree) {
		if strings.HasPrefix(key, "$") {
			continue
		}
		childPath := append(basePath.Clone(), key)
		nodeEntries, err := b.buildManifestNode(manifestDir, key, childPath, doc.Tree[key])
		if err != nil {
			return nil, err
		}
		out = append(out, nodeEntries...)
	}
	return out, nil
}

// buildManifestNode builds one manifest tree node: its own entry, its
// declared children, and — when $path is present — the filesystem
// content merged in under it.
func (b *Builder) buildManifestNode(manifestDir, name string, path model.Path, raw json.RawMessage) ([]transport.WireEntry, error) {
	var tree map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("push: parsing manifest node %q: %w", name, err)
	}

	var meta manifestMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("push: parsing manifest node %q metadata: %w", name, err)
	}

	class := model.ClassFolder
	switch {
	case meta.ClassName != "":
		class = model.Class(meta.ClassName)
	case len(path) == 1:
		class = model.Class(name)
	}

	out := []transport.WireEntry{b.newEntry(class, name, path, "")}

	skip := make(map[string]bool, len(tree))
	for key := range tree {
		if !strings.HasPrefix(key, "$") {
			skip[key] = true
			childPath := append(path.Clone(), key)
			children, err := b.buildManifestNode(manifestDir, key, childPath, tree[key])
			if err != nil {
				return nil, err
			}
			out = append(out, children...)
		}
	}

	if meta.Path != "" {
		fsDir := meta.Path
		if !filepath.IsAbs(fsDir) {
			fsDir = filepath.Join(manifestDir, fsDir)
		}
		opts := &walkOptions{
			ignore:       append(append([]string{}, defaultIgnore...), meta.Ignore...),
			skipNames:    skip,
			detectNested: true,
			manifestRoot: fsDir,
		}
		merged, err := b.walkDir(fsDir, path, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, merged...)
	}

	return out, nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LooseScripts walks sourceRoot for script files not covered by any
// manifest-declared path, materializing folder ancestors as needed.
// coveredDirs lists the absolute directories already merged by a
// manifest's $path entries (and thus excluded here).
func (b *Builder) LooseScripts(sourceRoot string, coveredDirs []string, basePath model.Path) ([]transport.WireEntry, error) {
	covered := make(map[string]bool, len(coveredDirs))
	for _, d := range coveredDirs {
		covered[filepath.Clean(d)] = true
	}

	opts := &walkOptions{ignore: defaultIgnore, manifestRoot: sourceRoot}
	entries, err := b.walkLooseDir(sourceRoot, basePath, covered, opts)
	if err != nil {
		return nil, err
	}
	sortEntries(entries)
	return entries, nil
}

func (b *Builder) walkLooseDir(dir string, path model.Path, covered map[string]bool, opts *walkOptions) ([]transport.WireEntry, error) {
	if covered[filepath.Clean(dir)] {
		return nil, nil
	}

	listing, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("push: reading directory %s: %w", dir, err)
	}
	sort.Slice(listing, func(i, j int) bool { return listing[i].Name() < listing[j].Name() })

	var out []transport.WireEntry
	for _, e := range listing {
		full := filepath.Join(dir, e.Name())
		if isIgnored(full, opts) {
			continue
		}
		childPath := append(path.Clone(), e.Name())

		if e.IsDir() {
			children, err := b.walkLooseDir(full, childPath, covered, opts)
			if err != nil {
				return nil, err
			}
			if len(children) > 0 {
				out = append(out, b.newEntry(model.ClassFolder, e.Name(), childPath, ""))
				out = append(out, children...)
			}
			continue
		}

		if !model.IsScriptFile(e.Name()) || model.IsInitFile(e.Name()) {
			continue
		}
		class, logicalName := model.ClassifyFile(e.Name())
		src, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("push: reading %s: %w", full, err)
		}
		out = append(out, b.newEntry(class, logicalName, append(path.Clone(), logicalName), string(src)))
	}
	return out, nil
}
