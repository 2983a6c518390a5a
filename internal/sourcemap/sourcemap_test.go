package sourcemap

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/luasync/luasync/internal/model"
)

type fakeResolver map[model.ID]string

func (f fakeResolver) PathOf(id model.ID) (string, bool) {
	p, ok := f[id]
	return p, ok
}

func newWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	dir := t.TempDir()
	return New(Config{OutputPath: filepath.Join(dir, "sourcemap.json"), WorkDir: dir}), dir
}

func decode(t *testing.T, path string) *Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("unmarshaling %s: %v\ncontents:\n%s", path, err, data)
	}
	return &e
}

func findChild(e *Entry, name string) *Entry {
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestGenerate_RoundTrip(t *testing.T) {
	w, dir := newWriter(t)
	store := model.NewStore(nil, nil)

	store.ApplyFullSnapshot([]model.Entry{
		{ID: model.ID("a0000000000000000000000000000001"), Class: model.ClassFolder, Name: "ReplicatedStorage", Path: model.Path{"ReplicatedStorage"}},
		{ID: model.ID("b0000000000000000000000000000001"), Class: model.ClassModuleScript, Name: "Foo", Path: model.Path{"ReplicatedStorage", "Foo"}},
	})

	resolver := fakeResolver{
		model.ID("b0000000000000000000000000000001"): filepath.Join(dir, "ReplicatedStorage", "Foo.luau"),
	}

	if err := w.Regenerate(store, resolver); err != nil {
		t.Fatalf("Regenerate() error = %v", err)
	}

	root := decode(t, w.outputPath)
	want := &Entry{
		Name:      "Game",
		ClassName: "DataModel",
		Children: []*Entry{
			{
				Name:      "ReplicatedStorage",
				ClassName: "Folder",
				Children: []*Entry{
					{Name: "Foo", ClassName: "ModuleScript", FilePaths: []string{"ReplicatedStorage/Foo.luau"}},
				},
			},
		},
	}
	if diff := cmp.Diff(want, root); diff != "" {
		t.Errorf("Regenerate() document mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsert_AppendsNewLeaf(t *testing.T) {
	w, dir := newWriter(t)
	store := model.NewStore(nil, nil)

	svc, _ := store.UpdateInstance(model.Entry{ID: model.ID("a0000000000000000000000000000001"), Class: model.ClassFolder, Name: "ReplicatedStorage", Path: model.Path{"ReplicatedStorage"}})
	if err := w.Upsert(store, nil, svc.Node, "", nil, true); err != nil {
		t.Fatalf("Upsert(service) error = %v", err)
	}

	foo, _ := store.UpdateInstance(model.Entry{ID: model.ID("b0000000000000000000000000000001"), Class: model.ClassModuleScript, Name: "Foo", Path: model.Path{"ReplicatedStorage", "Foo"}})
	if err := w.Upsert(store, nil, foo.Node, "ReplicatedStorage/Foo.luau", nil, true); err != nil {
		t.Fatalf("Upsert(script) error = %v", err)
	}

	root := decode(t, w.outputPath)
	rs := findChild(root, "ReplicatedStorage")
	if rs == nil {
		t.Fatal("ReplicatedStorage missing")
	}
	fooEntry := findChild(rs, "Foo")
	if fooEntry == nil || len(fooEntry.FilePaths) != 1 {
		t.Fatalf("Foo entry = %+v, want one filePath", fooEntry)
	}
	_ = dir
}

func TestUpsert_ReplaceExistingLeafPreservesChildren(t *testing.T) {
	w, _ := newWriter(t)
	store := model.NewStore(nil, nil)

	svc, _ := store.UpdateInstance(model.Entry{ID: model.ID("a0000000000000000000000000000001"), Class: model.ClassFolder, Name: "S", Path: model.Path{"S"}})
	w.Upsert(store, nil, svc.Node, "", nil, true)

	mod, _ := store.UpdateInstance(model.Entry{ID: model.ID("b0000000000000000000000000000001"), Class: model.ClassModuleScript, Name: "Mod", Path: model.Path{"S", "Mod"}})
	w.Upsert(store, nil, mod.Node, "S/Mod/init.luau", nil, true)

	sub, _ := store.UpdateInstance(model.Entry{ID: model.ID("c0000000000000000000000000000001"), Class: model.ClassModuleScript, Name: "Sub", Path: model.Path{"S", "Mod", "Sub"}})
	if err := w.Upsert(store, nil, sub.Node, "S/Mod/Sub.luau", nil, true); err != nil {
		t.Fatalf("Upsert(Sub) error = %v", err)
	}

	// Re-upsert Mod (e.g. a scriptChanged re-confirmation) and verify Sub
	// survives underneath it.
	if err := w.Upsert(store, nil, mod.Node, "S/Mod/init.luau", nil, false); err != nil {
		t.Fatalf("Upsert(Mod again) error = %v", err)
	}

	root := decode(t, w.outputPath)
	s := findChild(root, "S")
	modEntry := findChild(s, "Mod")
	if modEntry == nil {
		t.Fatal("Mod missing after re-upsert")
	}
	if findChild(modEntry, "Sub") == nil {
		t.Error("Sub should survive Mod's re-upsert")
	}
}

func TestUpsert_RenameMovesEntry(t *testing.T) {
	w, _ := newWriter(t)
	store := model.NewStore(nil, nil)

	svc, _ := store.UpdateInstance(model.Entry{ID: model.ID("a0000000000000000000000000000001"), Class: model.ClassFolder, Name: "S", Path: model.Path{"S"}})
	w.Upsert(store, nil, svc.Node, "", nil, true)

	p, _ := store.UpdateInstance(model.Entry{ID: model.ID("b0000000000000000000000000000001"), Class: model.ClassModuleScript, Name: "P", Path: model.Path{"S", "P"}})
	w.Upsert(store, nil, p.Node, "S/P.luau", nil, true)

	res, err := store.UpdateInstance(model.Entry{ID: p.Node.ID, Class: model.ClassModuleScript, Name: "R", Path: model.Path{"S", "R"}})
	if err != nil {
		t.Fatalf("UpdateInstance(rename) error = %v", err)
	}
	if err := w.Upsert(store, nil, res.Node, "S/R.luau", res.PrevPath, false); err != nil {
		t.Fatalf("Upsert(rename) error = %v", err)
	}

	root := decode(t, w.outputPath)
	s := findChild(root, "S")
	if findChild(s, "P") != nil {
		t.Error("old name P should no longer be present")
	}
	if findChild(s, "R") == nil {
		t.Error("renamed entry R should be present")
	}
}

func TestPrune_RemovesChildlessAncestors(t *testing.T) {
	w, _ := newWriter(t)
	store := model.NewStore(nil, nil)

	svc, _ := store.UpdateInstance(model.Entry{ID: model.ID("a0000000000000000000000000000001"), Class: model.ClassFolder, Name: "S", Path: model.Path{"S"}})
	w.Upsert(store, nil, svc.Node, "", nil, true)

	folder, _ := store.UpdateInstance(model.Entry{ID: model.ID("b0000000000000000000000000000001"), Class: model.ClassFolder, Name: "Sub", Path: model.Path{"S", "Sub"}})
	w.Upsert(store, nil, folder.Node, "", nil, true)

	leaf, _ := store.UpdateInstance(model.Entry{ID: model.ID("c0000000000000000000000000000001"), Class: model.ClassModuleScript, Name: "Leaf", Path: model.Path{"S", "Sub", "Leaf"}})
	w.Upsert(store, nil, leaf.Node, "S/Sub/Leaf.luau", nil, true)

	if err := w.Prune(store, nil, model.Path{"S", "Sub", "Leaf"}, string(model.ClassModuleScript)); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	// Leaf was Sub's only child and Sub was S's only child, so both
	// unwind away along with the leaf itself.
	root := decode(t, w.outputPath)
	if findChild(root, "S") != nil {
		t.Error("S should have unwound away once its only descendant was pruned")
	}
}

func TestPrune_KeepsAncestorWithRemainingSibling(t *testing.T) {
	w, _ := newWriter(t)
	store := model.NewStore(nil, nil)

	svc, _ := store.UpdateInstance(model.Entry{ID: model.ID("a0000000000000000000000000000001"), Class: model.ClassFolder, Name: "S", Path: model.Path{"S"}})
	w.Upsert(store, nil, svc.Node, "", nil, true)

	leafA, _ := store.UpdateInstance(model.Entry{ID: model.ID("b0000000000000000000000000000001"), Class: model.ClassModuleScript, Name: "A", Path: model.Path{"S", "A"}})
	w.Upsert(store, nil, leafA.Node, "S/A.luau", nil, true)

	leafB, _ := store.UpdateInstance(model.Entry{ID: model.ID("c0000000000000000000000000000001"), Class: model.ClassModuleScript, Name: "B", Path: model.Path{"S", "B"}})
	w.Upsert(store, nil, leafB.Node, "S/B.luau", nil, true)

	if err := w.Prune(store, nil, model.Path{"S", "A"}, string(model.ClassModuleScript)); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	root := decode(t, w.outputPath)
	s := findChild(root, "S")
	if s == nil {
		t.Fatal("S should survive")
	}
	if findChild(s, "A") != nil {
		t.Error("A should be pruned")
	}
	if findChild(s, "B") == nil {
		t.Error("B should survive pruning its sibling")
	}
}

func TestPrune_MissingTargetTriggersRegeneration(t *testing.T) {
	w, _ := newWriter(t)
	store := model.NewStore(nil, nil)

	svc, _ := store.UpdateInstance(model.Entry{ID: model.ID("a0000000000000000000000000000001"), Class: model.ClassFolder, Name: "S", Path: model.Path{"S"}})
	w.Upsert(store, nil, svc.Node, "", nil, true)

	// Drop S from the Tree Store without telling the index, simulating
	// the index having drifted out from under a prune target that no
	// longer matches what's on disk.
	store.DeleteInstance(svc.Node.ID)

	if err := w.Prune(store, nil, model.Path{"S", "Nonexistent"}, ""); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	root := decode(t, w.outputPath)
	if len(root.Children) != 0 {
		t.Errorf("Prune() on a miss should regenerate from the store; got children = %+v, want none", root.Children)
	}
}
