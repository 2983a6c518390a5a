package push

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/luasync/luasync/internal/model"
	"github.com/luasync/luasync/internal/transport"
)

// shape strips the random id from a WireEntry so a built snapshot can
// be diffed structurally against an expected shape, ignoring identity.
type shape struct {
	ClassName string
	Name      string
	Path      []string
	Source    string
}

func shapesOf(entries []transport.WireEntry) []shape {
	out := make([]shape, len(entries))
	for i, e := range entries {
		src := ""
		if e.Source != nil {
			src = *e.Source
		}
		out[i] = shape{ClassName: e.ClassName, Name: e.Name, Path: e.Path, Source: src}
	}
	return out
}

func mustWriteFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll(%s): %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}

func findEntry(entries []transport.WireEntry, path ...string) *transport.WireEntry {
	for i := range entries {
		if len(entries[i].Path) != len(path) {
			continue
		}
		match := true
		for j, seg := range path {
			if entries[i].Path[j] != seg {
				match = false
				break
			}
		}
		if match {
			return &entries[i]
		}
	}
	return nil
}

func TestBuildPlain_ContainerCollapse(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "Mod", "init.luau"), "return 1\n")
	mustWriteFile(t, filepath.Join(dir, "Mod", "Sub.luau"), "return 2\n")

	b := New(Config{})
	entries, err := b.BuildPlain(dir, model.Path{"X"})
	if err != nil {
		t.Fatalf("BuildPlain() error = %v", err)
	}

	mod := findEntry(entries, "X", "Mod")
	if mod == nil {
		t.Fatal("expected an entry at X.Mod")
	}
	if mod.ClassName != "ModuleScript" {
		t.Errorf("Mod.ClassName = %q, want ModuleScript", mod.ClassName)
	}
	if mod.Source == nil || *mod.Source != "return 1\n" {
		t.Errorf("Mod.Source = %v, want return 1", mod.Source)
	}

	sub := findEntry(entries, "X", "Mod", "Sub")
	if sub == nil {
		t.Fatal("expected an entry at X.Mod.Sub")
	}
	if sub.Source == nil || *sub.Source != "return 2\n" {
		t.Errorf("Sub.Source = %v, want return 2", sub.Source)
	}

	// Shallow-first ordering: X.Mod must appear before X.Mod.Sub.
	modIdx, subIdx := -1, -1
	for i := range entries {
		if entries[i].Name == "Mod" {
			modIdx = i
		}
		if entries[i].Name == "Sub" {
			subIdx = i
		}
	}
	if modIdx == -1 || subIdx == -1 || modIdx > subIdx {
		t.Errorf("expected Mod before Sub, got modIdx=%d subIdx=%d", modIdx, subIdx)
	}
}

func TestBuildPlain_PlainScriptsAndFolders(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "Util.lua"), "return {}\n")
	mustWriteFile(t, filepath.Join(dir, "Nested", "Helper.server.luau"), "print('hi')\n")

	b := New(Config{})
	entries, err := b.BuildPlain(dir, nil)
	if err != nil {
		t.Fatalf("BuildPlain() error = %v", err)
	}

	util := findEntry(entries, "Util")
	if util == nil || util.ClassName != "ModuleScript" {
		t.Fatalf("Util entry = %+v", util)
	}

	nested := findEntry(entries, "Nested")
	if nested == nil || nested.ClassName != "Folder" {
		t.Fatalf("Nested entry = %+v", nested)
	}

	helper := findEntry(entries, "Nested", "Helper")
	if helper == nil || helper.ClassName != "Script" {
		t.Fatalf("Helper entry = %+v", helper)
	}
}

func TestBuildManifest_PackagesMapping(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "default.project.json")
	mustWriteFile(t, manifestPath, `{
		"tree": {
			"ReplicatedStorage": {
				"$className": "ReplicatedStorage",
				"Packages": { "$path": "Packages" }
			}
		}
	}`)
	mustWriteFile(t, filepath.Join(dir, "Packages", "Util.lua"), "return {}\n")

	b := New(Config{})
	entries, err := b.BuildManifest(manifestPath, nil)
	if err != nil {
		t.Fatalf("BuildManifest() error = %v", err)
	}

	rs := findEntry(entries, "ReplicatedStorage")
	if rs == nil || rs.ClassName != "ReplicatedStorage" {
		t.Fatalf("ReplicatedStorage entry = %+v", rs)
	}

	pkgs := findEntry(entries, "ReplicatedStorage", "Packages")
	if pkgs == nil {
		t.Fatal("expected ReplicatedStorage.Packages entry")
	}

	util := findEntry(entries, "ReplicatedStorage", "Packages", "Util")
	if util == nil {
		t.Fatal("expected ReplicatedStorage.Packages.Util entry")
	}
	if util.ClassName != "ModuleScript" {
		t.Errorf("Util.ClassName = %q, want ModuleScript", util.ClassName)
	}
}

func TestBuildManifest_IgnoresGlobMatches(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "default.project.json")
	mustWriteFile(t, manifestPath, `{
		"tree": {
			"ReplicatedStorage": { "$path": "Shared", "$ignore": ["**/Secret.lua"] }
		}
	}`)
	mustWriteFile(t, filepath.Join(dir, "Shared", "Visible.lua"), "return 1\n")
	mustWriteFile(t, filepath.Join(dir, "Shared", "Secret.lua"), "return 2\n")

	b := New(Config{})
	entries, err := b.BuildManifest(manifestPath, nil)
	if err != nil {
		t.Fatalf("BuildManifest() error = %v", err)
	}

	if findEntry(entries, "ReplicatedStorage", "Visible") == nil {
		t.Error("expected Visible to be present")
	}
	if findEntry(entries, "ReplicatedStorage", "Secret") != nil {
		t.Error("expected Secret to be filtered out by $ignore")
	}
}

func TestBuildManifest_NestedProjectNotWalkedByParent(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "default.project.json")
	mustWriteFile(t, manifestPath, `{
		"tree": { "ReplicatedStorage": { "$path": "Shared" } }
	}`)
	mustWriteFile(t, filepath.Join(dir, "Shared", "Outer.lua"), "return 1\n")

	nestedManifest := filepath.Join(dir, "Shared", "SubProject", "default.project.json")
	mustWriteFile(t, nestedManifest, `{
		"tree": { "Inner": { "$className": "Folder" } }
	}`)
	mustWriteFile(t, filepath.Join(dir, "Shared", "SubProject", "Stray.lua"), "return 2\n")

	b := New(Config{})
	entries, err := b.BuildManifest(manifestPath, nil)
	if err != nil {
		t.Fatalf("BuildManifest() error = %v", err)
	}

	if findEntry(entries, "ReplicatedStorage", "Outer") == nil {
		t.Error("expected Outer to be present")
	}
	if findEntry(entries, "ReplicatedStorage", "SubProject", "Stray") != nil {
		t.Error("expected the nested project's own filesystem to be merged via its manifest, not the parent's plain walk")
	}
	if findEntry(entries, "ReplicatedStorage", "SubProject", "Inner") == nil {
		t.Error("expected the nested manifest's declared Inner node to appear")
	}
}

func TestBuildPlain_FullSnapshotShape(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "A.lua"), "return 1\n")
	mustWriteFile(t, filepath.Join(dir, "Sub", "B.lua"), "return 2\n")

	b := New(Config{})
	entries, err := b.BuildPlain(dir, model.Path{"Root"})
	if err != nil {
		t.Fatalf("BuildPlain() error = %v", err)
	}

	want := []shape{
		{ClassName: "ModuleScript", Name: "A", Path: []string{"Root", "A"}, Source: "return 1\n"},
		{ClassName: "Folder", Name: "Sub", Path: []string{"Root", "Sub"}},
		{ClassName: "ModuleScript", Name: "B", Path: []string{"Root", "Sub", "B"}, Source: "return 2\n"},
	}
	if diff := cmp.Diff(want, shapesOf(entries)); diff != "" {
		t.Errorf("BuildPlain() snapshot mismatch (-want +got):\n%s", diff)
	}
}
