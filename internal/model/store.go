package model

import (
	"fmt"
	"log"
	"os"
	"sort"
)

// Entry is the wire shape of one inbound tree observation: a full
// snapshot entry or an instance-updated payload. It is intentionally a
// plain struct rather than the tagged message envelope in package
// transport — the store only ever sees already-unwrapped entries.
type Entry struct {
	ID     ID
	Class  Class
	Name   string
	Path   Path
	Source *string
}

// UpdateResult reports what updateInstance actually did, so the
// Reconciler can decide which descendants need rewriting and which
// sourcemap path to prune.
type UpdateResult struct {
	Node        *Node
	IsNew       bool
	PrevPath    Path
	PathChanged bool
	NameChanged bool
}

// Store is the canonical in-memory forest: authoritative identity,
// secondary indexes by path and by parent, and the mutation operations
// the Reconciler drives. A Store is private to its owner; nothing
// outside holds a *Node across a mutation, since reparenting may
// invalidate a node's Path in place.
type Store struct {
	byID     map[ID]*Node
	pathIdx  map[string]ID   // dotted path -> id, O(1) findByPath
	children map[ID][]ID     // parent id -> ordered child ids (duplicate of Node.Children, indexed for detach)
	excluded map[string]bool // root service names filtered at the boundary

	Logger *log.Logger
}

// NewStore creates an empty Tree Store; the synthetic root is
// materialized immediately.
// excludedServices names root services that are dropped on sight, per
// the excluded-services decision in SPEC_FULL.md §4.2.
func NewStore(excludedServices []string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[model] ", log.LstdFlags)
	}
	excl := make(map[string]bool, len(excludedServices))
	for _, name := range excludedServices {
		excl[name] = true
	}
	s := &Store{
		byID:     make(map[ID]*Node),
		pathIdx:  make(map[string]ID),
		children: make(map[ID][]ID),
		excluded: excl,
		Logger:   logger,
	}
	s.root() // materialize eagerly; cheap and keeps lookups simple
	return s
}

// root returns the synthetic root node, creating it on first use.
func (s *Store) root() *Node {
	if r, ok := s.byID[RootID]; ok {
		return r
	}
	r := &Node{ID: RootID, Class: ClassDataModel, Name: "Game", Path: Path{}}
	s.byID[RootID] = r
	s.pathIdx[r.Path.String()] = RootID
	return r
}

// isExcluded reports whether path's root segment names an excluded
// service.
func (s *Store) isExcluded(path Path) bool {
	if len(path) == 0 || len(s.excluded) == 0 {
		return false
	}
	return s.excluded[path[0]]
}

// ByID looks up a node by identifier.
func (s *Store) ByID(id ID) (*Node, bool) {
	n, ok := s.byID[id]
	return n, ok
}

// FindByPath looks up a node by its logical path via the secondary
// index — O(1), not a linear scan, so full snapshots and push builds
// stay O(N) overall.
func (s *Store) FindByPath(path Path) (*Node, bool) {
	id, ok := s.pathIdx[path.String()]
	if !ok {
		return nil, false
	}
	n, ok := s.byID[id]
	return n, ok
}

// findParent locates the node whose path matches the parent prefix of
// path. Returns the root if path has a single segment.
func (s *Store) findParent(path Path) (*Node, bool) {
	if len(path) <= 1 {
		return s.root(), true
	}
	return s.FindByPath(path.Parent())
}

// attach links child under parent: updates the parent-index, the
// parent's Children slice, and the path index for child.
func (s *Store) attach(parent *Node, child *Node) {
	child.ParentID = parent.ID
	parent.Children = append(parent.Children, child.ID)
	s.children[parent.ID] = append(s.children[parent.ID], child.ID)
	s.pathIdx[child.Path.String()] = child.ID
}

// detach unlinks child from its current parent, if any, without
// touching child.Path or child.ParentID — callers update those
// separately once the new location is known.
func (s *Store) detach(child *Node) {
	parent, ok := s.byID[child.ParentID]
	if !ok {
		return
	}
	parent.Children = removeID(parent.Children, child.ID)
	s.children[parent.ID] = removeID(s.children[parent.ID], child.ID)
	delete(s.pathIdx, child.Path.String())
}

func removeID(ids []ID, target ID) []ID {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// ApplyFullSnapshot replaces the entire forest with entries. Nodes are
// built in two passes — create, then attach — so that an entry whose
// parent appears later in the slice still resolves correctly.
func (s *Store) ApplyFullSnapshot(entries []Entry) {
	s.byID = make(map[ID]*Node)
	s.pathIdx = make(map[string]ID)
	s.children = make(map[ID][]ID)
	s.root()

	nodes := make(map[ID]*Node, len(entries))
	for _, e := range entries {
		if s.isExcluded(e.Path) {
			continue
		}
		if !e.ID.Valid() || e.ID == RootID {
			s.Logger.Printf("warn: dropping snapshot entry with invalid id for path %s", e.Path)
			continue
		}
		nodes[e.ID] = &Node{
			ID:     e.ID,
			Class:  e.Class,
			Name:   e.Name,
			Path:   e.Path.Clone(),
			Source: e.Source,
		}
	}

	// Second pass: attach by matching the parent prefix among already-
	// created nodes and the root. Entries are processed shallowest-first
	// so a grandchild's parent (a child) is attached before the
	// grandchild itself is looked up.
	ordered := make([]*Node, 0, len(nodes))
	queued := make(map[ID]bool, len(nodes))
	for _, e := range entries {
		if n, ok := nodes[e.ID]; ok && !queued[e.ID] {
			queued[e.ID] = true
			ordered = append(ordered, n)
		}
	}
	sortByDepth(ordered)

	for _, n := range ordered {
		s.byID[n.ID] = n
	}
	for _, n := range ordered {
		// Nodes are processed shallowest-first, so a node's parent (one
		// path segment shorter) has already been attached and is
		// visible in the path index by the time we reach this node.
		parent, ok := s.findParent(n.Path)
		if !ok {
			s.Logger.Printf("warn: no parent found for snapshot entry %s at %s; dropping", n.ID, n.Path)
			delete(s.byID, n.ID)
			continue
		}
		s.attach(parent, n)
	}
}

// sortByDepth orders nodes shallowest path first, for deterministic,
// single-pass attachment. The sort is stable, so nodes of equal depth
// keep their snapshot order, and O(N log N).
func sortByDepth(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return len(nodes[i].Path) < len(nodes[j].Path)
	})
}

// UpdateInstance upserts a single entry. If the entry names a node that
// already exists, its fields are replaced in place; if its path or name
// differs from the stored node, the node is reparented.
func (s *Store) UpdateInstance(e Entry) (UpdateResult, error) {
	if s.isExcluded(e.Path) {
		return UpdateResult{}, fmt.Errorf("model: entry %s rejected, root service is excluded", e.ID)
	}
	if !e.ID.Valid() || e.ID == RootID {
		return UpdateResult{}, fmt.Errorf("model: entry has invalid id %q", e.ID)
	}

	existing, isNew := s.byID[e.ID]
	if !isNew {
		n := &Node{ID: e.ID, Class: e.Class, Name: e.Name, Path: e.Path.Clone(), Source: e.Source}
		s.byID[e.ID] = n
		parent, ok := s.findParent(e.Path)
		if !ok {
			s.Logger.Printf("warn: no parent for new instance %s at %s; orphaned", e.ID, e.Path)
			return UpdateResult{Node: n, IsNew: true, PathChanged: true, NameChanged: true}, nil
		}
		s.attach(parent, n)
		return UpdateResult{Node: n, IsNew: true, PathChanged: true, NameChanged: true}, nil
	}

	prevPath := existing.Path.Clone()
	pathChanged := !existing.Path.Equal(e.Path)
	nameChanged := existing.Name != e.Name

	existing.Class = e.Class
	existing.Name = e.Name
	if e.Source != nil {
		existing.Source = e.Source
	}

	if pathChanged {
		s.detach(existing)
		existing.Path = e.Path.Clone()
		s.reindexDescendants(existing)
		parent, ok := s.findParent(e.Path)
		if !ok {
			existing.ParentID = RootID
			s.Logger.Printf("warn: no parent for reparented instance %s at %s; orphaned", e.ID, e.Path)
			return UpdateResult{Node: existing, IsNew: false, PrevPath: prevPath, PathChanged: true, NameChanged: nameChanged}, nil
		}
		s.attach(parent, existing)
	}

	return UpdateResult{Node: existing, IsNew: false, PrevPath: prevPath, PathChanged: pathChanged, NameChanged: nameChanged}, nil
}

// reindexDescendants re-derives every descendant's Path from n's current
// Path and keeps the path index in step.
func (s *Store) reindexDescendants(n *Node) {
	for _, childID := range n.Children {
		child, ok := s.byID[childID]
		if !ok {
			continue
		}
		delete(s.pathIdx, child.Path.String())
		child.Path = append(n.Path.Clone(), child.Name)
		s.pathIdx[child.Path.String()] = child.ID
		s.reindexDescendants(child)
	}
}

// UpdateScriptSource mutates a script node's source body in place. It
// never reparents; the node's path is untouched.
func (s *Store) UpdateScriptSource(id ID, source string) (*Node, error) {
	n, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("model: unknown node %s", id)
	}
	n.Source = &source
	return n, nil
}

// DeleteInstance removes id and, recursively, all of its descendants.
// It returns the removed node (still populated, just detached) so the
// caller can enumerate affected scripts before the tree forgets them.
func (s *Store) DeleteInstance(id ID) (*Node, bool) {
	n, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	for _, childID := range append([]ID{}, n.Children...) {
		s.DeleteInstance(childID)
	}
	s.detach(n)
	delete(s.byID, id)
	return n, true
}

// GetDescendantScripts returns every script-class descendant of id, in
// pre-order.
func (s *Store) GetDescendantScripts(id ID) []*Node {
	n, ok := s.byID[id]
	if !ok {
		return nil
	}
	var out []*Node
	if n.IsScript() {
		out = append(out, n)
	}
	for _, childID := range n.Children {
		out = append(out, s.GetDescendantScripts(childID)...)
	}
	return out
}

// Nodes returns every node currently in the forest, including the root,
// in no particular order. Callers that need stable ordering should sort
// by Path.
func (s *Store) Nodes() []*Node {
	out := make([]*Node, 0, len(s.byID))
	for _, n := range s.byID {
		out = append(out, n)
	}
	return out
}

// Roots returns the direct children of the synthetic root, i.e. the
// top-level services.
func (s *Store) Roots() []*Node {
	root := s.root()
	out := make([]*Node, 0, len(root.Children))
	for _, id := range root.Children {
		if n, ok := s.byID[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Len reports the number of nodes in the forest, including the root.
func (s *Store) Len() int {
	return len(s.byID)
}
