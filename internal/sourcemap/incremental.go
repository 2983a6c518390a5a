package sourcemap

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/luasync/luasync/internal/model"
)

// Upsert applies a single node's current state to the sourcemap document
// without rebuilding the whole thing. node is the node as it now stands
// in the Tree Store; filePath is its current on-disk relative path (for
// a script node) or "" (for a non-script node). oldPath, when non-nil
// and different from node.Path, is pruned first — this is the rename
// case, where the entry must move rather than appear twice.
//
// A missing intermediate ancestor gets a placeholder entry (class from
// the Tree Store, or Folder if unknown). Any JSON surgery error falls
// back to a full Regenerate so the document never drifts from the Tree
// Store.
func (w *Writer) Upsert(store *model.Store, resolver PathResolver, node *model.Node, filePath string, oldPath model.Path, isNew bool) error {
	data := w.readDocument()

	if len(oldPath) > 0 && !oldPath.Equal(node.Path) {
		pruned, found, err := w.pruneBytes(data, oldPath, string(node.Class))
		if err != nil {
			w.Logger.Printf("warn: upsert prune of old path %s failed, regenerating: %v", oldPath, err)
			return w.Regenerate(store, resolver)
		}
		if found {
			data = pruned
		}
	}

	data, err := w.upsertBytes(data, store, node, filePath, isNew)
	if err != nil {
		w.Logger.Printf("warn: incremental upsert of %s failed, regenerating: %v", node.Path, err)
		return w.Regenerate(store, resolver)
	}

	return WriteAtomic(w.outputPath, formatDocument(compactify(data)))
}

// upsertBytes performs the actual descend-and-splice over data.
func (w *Writer) upsertBytes(data []byte, store *model.Store, node *model.Node, filePath string, isNew bool) ([]byte, error) {
	if len(node.Path) == 0 {
		return nil, fmt.Errorf("cannot upsert the root")
	}

	prefix := "" // "" denotes the document root
	for i, seg := range node.Path[:len(node.Path)-1] {
		arrPath := childrenPath(prefix)
		arr := gjson.GetBytes(data, arrPath).Array()

		idx := -1
		for j, el := range arr {
			if el.Get("name").String() == seg {
				idx = j
				break
			}
		}

		if idx == -1 {
			class := "Folder"
			if anc, ok := store.FindByPath(node.Path[:i+1]); ok {
				class = string(anc.Class)
			}
			placeholder, err := json.Marshal(Entry{Name: seg, ClassName: class})
			if err != nil {
				return nil, fmt.Errorf("marshaling placeholder for %s: %w", seg, err)
			}
			newData, err := sjson.SetRawBytes(data, arrPath+".-1", placeholder)
			if err != nil {
				return nil, fmt.Errorf("appending placeholder for %s: %w", seg, err)
			}
			data = newData
			idx = len(arr)
		}

		prefix = fmt.Sprintf("%s.%d", arrPath, idx)
	}

	leafArrPath := childrenPath(prefix)
	arr := gjson.GetBytes(data, leafArrPath).Array()
	leafIdx := -1
	if !isNew {
		for j, el := range arr {
			if el.Get("name").String() == node.Name && el.Get("className").String() == string(node.Class) {
				leafIdx = j
				break
			}
		}
	}

	if leafIdx == -1 {
		entry := Entry{Name: node.Name, ClassName: string(node.Class)}
		if filePath != "" {
			entry.FilePaths = []string{filePath}
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("marshaling new entry for %s: %w", node.Path, err)
		}
		newData, err := sjson.SetRawBytes(data, leafArrPath+".-1", raw)
		if err != nil {
			return nil, fmt.Errorf("appending entry for %s: %w", node.Path, err)
		}
		return newData, nil
	}

	leafPath := fmt.Sprintf("%s.%d", leafArrPath, leafIdx)
	var err error
	data, err = sjson.SetBytes(data, leafPath+".name", node.Name)
	if err != nil {
		return nil, fmt.Errorf("setting name at %s: %w", leafPath, err)
	}
	data, err = sjson.SetBytes(data, leafPath+".className", string(node.Class))
	if err != nil {
		return nil, fmt.Errorf("setting className at %s: %w", leafPath, err)
	}
	if filePath != "" {
		data, err = sjson.SetBytes(data, leafPath+".filePaths", []string{filePath})
		if err != nil {
			return nil, fmt.Errorf("setting filePaths at %s: %w", leafPath, err)
		}
	} else if gjson.GetBytes(data, leafPath+".filePaths").Exists() {
		data, err = sjson.DeleteBytes(data, leafPath+".filePaths")
		if err != nil {
			return nil, fmt.Errorf("clearing filePaths at %s: %w", leafPath, err)
		}
	}
	return data, nil
}

// Prune removes the entry at path from the sourcemap document, and
// unwinds any ancestor entries left with no children and no filePaths.
// className, when non-empty, additionally requires the leaf entry's
// className to match — guarding against pruning the wrong node when
// siblings share a name but differ in class.
func (w *Writer) Prune(store *model.Store, resolver PathResolver, path model.Path, className string) error {
	data := w.readDocument()
	pruned, found, err := w.pruneBytes(data, path, className)
	if err != nil {
		w.Logger.Printf("warn: prune of %s failed, regenerating: %v", path, err)
		return w.Regenerate(store, resolver)
	}
	if !found {
		w.Logger.Printf("warn: prune target %s not found in sourcemap, regenerating", path)
		return w.Regenerate(store, resolver)
	}
	return WriteAtomic(w.outputPath, formatDocument(compactify(pruned)))
}

type pruneStep struct {
	entryPath string
}

// pruneBytes locates path within data and removes its leaf entry,
// reporting found=false (not an error) when any segment along the way
// is missing — the caller decides whether that warrants a full
// regeneration.
func (w *Writer) pruneBytes(data []byte, path model.Path, className string) ([]byte, bool, error) {
	if len(path) == 0 {
		return data, false, fmt.Errorf("cannot prune the root")
	}

	chain := make([]pruneStep, 0, len(path))
	prefix := ""
	for i, seg := range path {
		arrPath := childrenPath(prefix)
		arr := gjson.GetBytes(data, arrPath).Array()

		idx := -1
		isLeaf := i == len(path)-1
		for j, el := range arr {
			if el.Get("name").String() != seg {
				continue
			}
			if isLeaf && className != "" && el.Get("className").String() != className {
				continue
			}
			idx = j
			break
		}
		if idx == -1 {
			return data, false, nil
		}

		entryPath := fmt.Sprintf("%s.%d", arrPath, idx)
		chain = append(chain, pruneStep{entryPath: entryPath})
		prefix = entryPath
	}

	leaf := chain[len(chain)-1]
	newData, err := sjson.DeleteBytes(data, leaf.entryPath)
	if err != nil {
		return data, false, fmt.Errorf("deleting %s: %w", leaf.entryPath, err)
	}
	data = newData

	for i := len(chain) - 2; i >= 0; i-- {
		ancestor := chain[i]
		remaining := gjson.GetBytes(data, ancestor.entryPath+".children").Array()
		if len(remaining) != 0 {
			break
		}
		if gjson.GetBytes(data, ancestor.entryPath+".filePaths").Exists() {
			break
		}
		newData, err := sjson.DeleteBytes(data, ancestor.entryPath)
		if err != nil {
			return data, false, fmt.Errorf("deleting empty ancestor %s: %w", ancestor.entryPath, err)
		}
		data = newData
	}

	return data, true, nil
}

// compactify strips insignificant whitespace so formatDocument's pretty
// pass always starts from a known-compact baseline, regardless of
// whether data came from json.Marshal (already compact) or a chain of
// sjson edits (compact by construction, but cheap to normalize either
// way).
func compactify(data []byte) []byte {
	if !gjson.ValidBytes(data) {
		return data
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return data
	}
	out, err := json.Marshal(v)
	if err != nil {
		return data
	}
	return out
}
