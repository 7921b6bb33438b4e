package tree

import (
	"bytes"

	"github.com/alexhholmes/gendb/internal/algo"
	"github.com/alexhholmes/gendb/internal/base"
)

// Cursor provides ordered iteration over a tree. It is bound to the root the
// tree had when the cursor was created; mutating the tree through the same
// Space invalidates it.
type Cursor struct {
	space Space
	root  base.PageID
	stack []frame    // branches from root to the current leaf
	leaf  *base.Node // current leaf
	idx   int        // current slot in leaf
	valid bool
	err   error
}

// Cursor returns a cursor positioned nowhere; call First, Last or Seek.
func (t *Tree) Cursor() *Cursor {
	return &Cursor{space: t.space, root: t.root}
}

// First positions the cursor at the smallest key.
func (c *Cursor) First() ([]byte, []byte) {
	c.reset()
	if !c.descend(c.root, true) {
		return nil, nil
	}
	if len(c.leaf.Keys) == 0 && !c.nextLeaf() {
		return nil, nil
	}
	c.idx = 0
	return c.current()
}

// Last positions the cursor at the largest key.
func (c *Cursor) Last() ([]byte, []byte) {
	c.reset()
	if !c.descend(c.root, false) {
		return nil, nil
	}
	if len(c.leaf.Keys) == 0 && !c.prevLeaf() {
		return nil, nil
	}
	c.idx = len(c.leaf.Keys) - 1
	return c.current()
}

// Seek positions the cursor at the first key >= seek.
func (c *Cursor) Seek(seek []byte) ([]byte, []byte) {
	c.reset()
	node, err := c.space.Load(c.root)
	if err != nil {
		return c.fail(err)
	}
	for !node.Leaf {
		idx := algo.FindChildIndex(node, seek)
		c.stack = append(c.stack, frame{node: node, idx: idx})
		if node, err = c.space.Load(node.Children[idx]); err != nil {
			return c.fail(err)
		}
	}
	c.leaf = node
	c.idx = algo.FindInsertPosition(node, seek)
	if c.idx >= len(node.Keys) {
		if !c.nextLeaf() {
			return nil, nil
		}
		c.idx = 0
	}
	return c.current()
}

// Next advances to the next key.
func (c *Cursor) Next() ([]byte, []byte) {
	if !c.valid {
		return nil, nil
	}
	c.idx++
	if c.idx >= len(c.leaf.Keys) {
		if !c.nextLeaf() {
			c.valid = false
			return nil, nil
		}
		c.idx = 0
	}
	return c.current()
}

// Prev moves to the previous key.
func (c *Cursor) Prev() ([]byte, []byte) {
	if !c.valid {
		return nil, nil
	}
	c.idx--
	if c.idx < 0 {
		if !c.prevLeaf() {
			c.valid = false
			return nil, nil
		}
		c.idx = len(c.leaf.Keys) - 1
	}
	return c.current()
}

// Valid reports whether the cursor is positioned on a key.
func (c *Cursor) Valid() bool {
	return c.valid
}

// Err returns the first error the cursor hit.
func (c *Cursor) Err() error {
	return c.err
}

func (c *Cursor) reset() {
	c.stack = c.stack[:0]
	c.leaf = nil
	c.valid = false
}

func (c *Cursor) fail(err error) ([]byte, []byte) {
	c.err = err
	c.valid = false
	return nil, nil
}

func (c *Cursor) current() ([]byte, []byte) {
	value, err := loadValue(c.space, c.leaf.Values[c.idx])
	if err != nil {
		return c.fail(err)
	}
	c.valid = true
	return c.leaf.Keys[c.idx], value
}

// descend walks from id to its leftmost or rightmost leaf.
func (c *Cursor) descend(id base.PageID, leftmost bool) bool {
	node, err := c.space.Load(id)
	if err != nil {
		c.fail(err)
		return false
	}
	for !node.Leaf {
		idx := 0
		if !leftmost {
			idx = len(node.Children) - 1
		}
		c.stack = append(c.stack, frame{node: node, idx: idx})
		if node, err = c.space.Load(node.Children[idx]); err != nil {
			c.fail(err)
			return false
		}
	}
	c.leaf = node
	return true
}

// nextLeaf moves to the next non-empty leaf.
func (c *Cursor) nextLeaf() bool {
	for {
		depth := len(c.stack) - 1
		for depth >= 0 && c.stack[depth].idx+1 >= len(c.stack[depth].node.Children) {
			depth--
		}
		if depth < 0 {
			return false
		}

		c.stack[depth].idx++
		c.stack = c.stack[:depth+1]
		top := c.stack[depth]
		if !c.descend(top.node.Children[top.idx], true) {
			return false
		}
		if len(c.leaf.Keys) > 0 {
			return true
		}
	}
}

// prevLeaf moves to the previous non-empty leaf.
func (c *Cursor) prevLeaf() bool {
	for {
		depth := len(c.stack) - 1
		for depth >= 0 && c.stack[depth].idx == 0 {
			depth--
		}
		if depth < 0 {
			return false
		}

		c.stack[depth].idx--
		c.stack = c.stack[:depth+1]
		top := c.stack[depth]
		if !c.descend(top.node.Children[top.idx], false) {
			return false
		}
		if len(c.leaf.Keys) > 0 {
			return true
		}
	}
}

// Bounds limits a scan. A nil bound is open.
type Bounds struct {
	Lo, Hi      []byte
	LoExclusive bool
	HiExclusive bool
}

// PrefixBounds covers every key starting with prefix.
func PrefixBounds(prefix []byte) Bounds {
	b := Bounds{Lo: prefix, HiExclusive: true}
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			b.Hi = end[:i+1]
			return b
		}
	}
	// all 0xff: no upper bound
	b.HiExclusive = false
	return b
}

func (b Bounds) belowLo(key []byte) bool {
	if b.Lo == nil {
		return false
	}
	cmp := bytes.Compare(key, b.Lo)
	return cmp < 0 || (cmp == 0 && b.LoExclusive)
}

func (b Bounds) aboveHi(key []byte) bool {
	if b.Hi == nil {
		return false
	}
	cmp := bytes.Compare(key, b.Hi)
	return cmp > 0 || (cmp == 0 && b.HiExclusive)
}

// Iterator is a lazy, single-pass scan over a key range.
type Iterator struct {
	cursor    *Cursor
	bounds    Bounds
	ascending bool
	started   bool
	done      bool
	key       []byte
	value     []byte
}

// Range scans the inclusive range [lo, hi]. nil bounds are open.
func (t *Tree) Range(lo, hi []byte, ascending bool) *Iterator {
	return t.Scan(Bounds{Lo: lo, Hi: hi}, ascending)
}

// Scan iterates the keys inside b in the requested order.
func (t *Tree) Scan(b Bounds, ascending bool) *Iterator {
	return &Iterator{cursor: t.Cursor(), bounds: b, ascending: ascending}
}

// Next advances the iterator, returning false when the range is exhausted or
// an error occurred.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}

	var k, v []byte
	switch {
	case !it.started && it.ascending:
		it.started = true
		if it.bounds.Lo == nil {
			k, v = it.cursor.First()
		} else {
			k, v = it.cursor.Seek(it.bounds.Lo)
			for k != nil && it.bounds.belowLo(k) {
				k, v = it.cursor.Next()
			}
		}
	case !it.started:
		it.started = true
		if it.bounds.Hi == nil {
			k, v = it.cursor.Last()
		} else {
			k, v = it.cursor.Seek(it.bounds.Hi)
			if k == nil && it.cursor.Err() == nil {
				k, v = it.cursor.Last()
			}
			for k != nil && it.bounds.aboveHi(k) {
				k, v = it.cursor.Prev()
			}
		}
	case it.ascending:
		k, v = it.cursor.Next()
	default:
		k, v = it.cursor.Prev()
	}

	if k == nil || it.bounds.belowLo(k) || it.bounds.aboveHi(k) {
		it.done = true
		it.key, it.value = nil, nil
		return false
	}
	it.key, it.value = k, v
	return true
}

// Key returns the current key.
func (it *Iterator) Key() []byte {
	return it.key
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	return it.value
}

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error {
	return it.cursor.Err()
}
