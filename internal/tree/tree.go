// Package tree implements the copy-on-write B+tree used for tables, indexes,
// the catalog and the transaction log.
package tree

import (
	"bytes"
	"fmt"

	"github.com/alexhholmes/gendb/internal/algo"
	"github.com/alexhholmes/gendb/internal/base"
)

// Tree is a B+tree rooted at one page. Mutations never touch published pages:
// every changed node is obtained through Space.Writable, so the path from the
// leaf up to a new root is rewritten and Root changes.
type Tree struct {
	space Space
	root  base.PageID
}

// New opens the tree rooted at root.
func New(space Space, root base.PageID) *Tree {
	return &Tree{space: space, root: root}
}

// Create allocates an empty tree.
func Create(space Space) (*Tree, error) {
	leaf, err := space.NewNode(true)
	if err != nil {
		return nil, err
	}
	return &Tree{space: space, root: leaf.PageID}, nil
}

// Root returns the current root page id.
func (t *Tree) Root() base.PageID {
	return t.root
}

// frame is one branch on the way from the root to a leaf.
type frame struct {
	node *base.Node
	idx  int // child followed
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return base.ErrKeyEmpty
	}
	if len(key) > base.MaxKeySize {
		return base.ErrKeyTooLarge
	}
	return nil
}

// descend walks from the root to the leaf that owns key.
func (t *Tree) descend(key []byte) ([]frame, *base.Node, error) {
	node, err := t.space.Load(t.root)
	if err != nil {
		return nil, nil, err
	}

	var path []frame
	for !node.Leaf {
		idx := algo.FindChildIndex(node, key)
		path = append(path, frame{node: node, idx: idx})
		if node, err = t.space.Load(node.Children[idx]); err != nil {
			return nil, nil, err
		}
	}
	return path, node, nil
}

// Get returns the value stored under key or base.ErrKeyNotFound.
func (t *Tree) Get(key []byte) ([]byte, error) {
	_, leaf, err := t.descend(key)
	if err != nil {
		return nil, err
	}
	idx := algo.FindKeyInLeaf(leaf, key)
	if idx < 0 {
		return nil, base.ErrKeyNotFound
	}
	return loadValue(t.space, leaf.Values[idx])
}

// Has reports whether key is present without resolving its value.
func (t *Tree) Has(key []byte) (bool, error) {
	_, leaf, err := t.descend(key)
	if err != nil {
		return false, err
	}
	return algo.FindKeyInLeaf(leaf, key) >= 0, nil
}

// Insert adds a new key. An existing key fails with base.ErrDuplicateKey and
// leaves the tree unchanged.
func (t *Tree) Insert(key, value []byte) error {
	return t.put(key, value, false)
}

// Put inserts or replaces the value under key.
func (t *Tree) Put(key, value []byte) error {
	return t.put(key, value, true)
}

func (t *Tree) put(key, value []byte, overwrite bool) error {
	if err := validateKey(key); err != nil {
		return err
	}

	path, leaf, err := t.descend(key)
	if err != nil {
		return err
	}
	pos, found := leaf.Search(key)
	if found && !overwrite {
		return fmt.Errorf("key %x: %w", key, base.ErrDuplicateKey)
	}

	stored, err := storeValue(t.space, value)
	if err != nil {
		return err
	}
	if leaf, err = t.space.Writable(leaf); err != nil {
		return err
	}
	if found {
		releaseValue(t.space, leaf.Values[pos])
		algo.ApplyLeafUpdate(leaf, pos, stored)
	} else {
		algo.ApplyLeafInsert(leaf, pos, bytes.Clone(key), stored)
	}

	child := leaf
	right, sep, err := t.splitIfNeeded(child, pos)
	if err != nil {
		return err
	}

	for i := len(path) - 1; i >= 0; i-- {
		parent, err := t.space.Writable(path[i].node)
		if err != nil {
			return err
		}
		idx := path[i].idx
		parent.Children[idx] = child.PageID
		if right != nil {
			algo.ApplyChildSplit(parent, idx, child, right, sep)
		}
		if right, sep, err = t.splitIfNeeded(parent, idx); err != nil {
			return err
		}
		child = parent
	}

	if right == nil {
		t.root = child.PageID
		return nil
	}

	root, err := t.space.NewNode(false)
	if err != nil {
		return err
	}
	root.Keys = [][]byte{sep}
	root.Children = []base.PageID{child.PageID, right.PageID}
	t.root = root.PageID
	return nil
}

// splitIfNeeded splits an oversized writable node. pos is where the
// triggering change landed and picks the split bias.
func (t *Tree) splitIfNeeded(node *base.Node, pos int) (*base.Node, []byte, error) {
	if node.Fits() {
		return nil, nil, nil
	}

	right, err := t.space.NewNode(node.Leaf)
	if err != nil {
		return nil, nil, err
	}
	r, sep := algo.SplitNode(node, algo.HintFor(node, pos))
	right.Keys, right.Values, right.Children = r.Keys, r.Values, r.Children
	return right, sep, nil
}

// Delete removes key, returning base.ErrKeyNotFound if it is absent.
func (t *Tree) Delete(key []byte) error {
	path, leaf, err := t.descend(key)
	if err != nil {
		return err
	}
	idx := algo.FindKeyInLeaf(leaf, key)
	if idx < 0 {
		return base.ErrKeyNotFound
	}

	if leaf, err = t.space.Writable(leaf); err != nil {
		return err
	}
	releaseValue(t.space, leaf.Values[idx])
	algo.ApplyLeafDelete(leaf, idx)

	child := leaf
	for i := len(path) - 1; i >= 0; i-- {
		parent, err := t.space.Writable(path[i].node)
		if err != nil {
			return err
		}
		parent.Children[path[i].idx] = child.PageID
		if child.IsUnderflow() {
			if err := t.rebalance(parent, path[i].idx, child); err != nil {
				return err
			}
		}
		child = parent
	}

	// A branch root left with a single child is replaced by it.
	for !child.Leaf && len(child.Keys) == 0 {
		next, err := t.space.Load(child.Children[0])
		if err != nil {
			return err
		}
		t.space.Free(child.PageID)
		child = next
	}
	t.root = child.PageID
	return nil
}

// rebalance fixes an underflowing child of parent at idx by merging it with a
// sibling, or redistributing entries when the pair does not fit in one page.
func (t *Tree) rebalance(parent *base.Node, idx int, child *base.Node) error {
	if len(parent.Children) < 2 {
		return nil
	}

	var left, right *base.Node
	sepIdx := idx
	if idx > 0 {
		sepIdx = idx - 1
		sibling, err := t.space.Load(parent.Children[idx-1])
		if err != nil {
			return err
		}
		left, right = sibling, child
	} else {
		sibling, err := t.space.Load(parent.Children[idx+1])
		if err != nil {
			return err
		}
		left, right = child, sibling
	}

	var err error
	if left, err = t.space.Writable(left); err != nil {
		return err
	}

	if algo.CanMerge(left, right, parent.Keys[sepIdx]) {
		algo.MergeNodes(left, right, parent.Keys[sepIdx])
		algo.ApplyBranchRemoveSeparator(parent, sepIdx)
		parent.Children[sepIdx] = left.PageID
		t.space.Free(right.PageID)
		return nil
	}

	if right, err = t.space.Writable(right); err != nil {
		return err
	}
	algo.Redistribute(left, right, parent, sepIdx)
	parent.Children[sepIdx] = left.PageID
	parent.Children[sepIdx+1] = right.PageID
	return nil
}

// Free releases every page of the tree, overflow runs included.
func (t *Tree) Free() error {
	return t.free(t.root)
}

func (t *Tree) free(id base.PageID) error {
	node, err := t.space.Load(id)
	if err != nil {
		return err
	}
	if node.Leaf {
		for _, stored := range node.Values {
			releaseValue(t.space, stored)
		}
	} else {
		for _, child := range node.Children {
			if err := t.free(child); err != nil {
				return err
			}
		}
	}
	t.space.Free(id)
	return nil
}

// Location addresses an entry directly by leaf page and slot. It is only
// meaningful within the snapshot it was obtained from.
type Location struct {
	Page base.PageID
	Slot int
}

// Locate returns the location of key.
func (t *Tree) Locate(key []byte) (Location, error) {
	_, leaf, err := t.descend(key)
	if err != nil {
		return Location{}, err
	}
	idx := algo.FindKeyInLeaf(leaf, key)
	if idx < 0 {
		return Location{}, base.ErrKeyNotFound
	}
	return Location{Page: leaf.PageID, Slot: idx}, nil
}

// At reads the entry stored at loc.
func (t *Tree) At(loc Location) (key, value []byte, err error) {
	node, err := t.space.Load(loc.Page)
	if err != nil {
		return nil, nil, err
	}
	if !node.Leaf || loc.Slot < 0 || loc.Slot >= len(node.Keys) {
		return nil, nil, fmt.Errorf("location %d/%d: %w", loc.Page, loc.Slot, base.ErrKeyNotFound)
	}
	value, err = loadValue(t.space, node.Values[loc.Slot])
	if err != nil {
		return nil, nil, err
	}
	return node.Keys[loc.Slot], value, nil
}
