package algo

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/gendb/internal/base"
)

func TestApplyLeafOps(t *testing.T) {
	t.Parallel()

	node := newLeafNode(bs("apple", "cherry"), bs("v1", "v3"))

	ApplyLeafInsert(node, 1, []byte("banana"), []byte("v2"))
	assert.Equal(t, bs("apple", "banana", "cherry"), node.Keys)
	assert.Equal(t, bs("v1", "v2", "v3"), node.Values)
	assert.True(t, node.Dirty)

	ApplyLeafUpdate(node, 1, []byte("v2-updated"))
	assert.Equal(t, []byte("v2-updated"), node.Values[1])

	ApplyLeafDelete(node, 0)
	assert.Equal(t, bs("banana", "cherry"), node.Keys)
	assert.Equal(t, bs("v2-updated", "v3"), node.Values)
}

func TestApplyLeafInsertOnCloneLeavesOriginal(t *testing.T) {
	t.Parallel()

	original := newLeafNode(bs("a", "c"), bs("1", "3"))
	clone := original.Clone()
	ApplyLeafInsert(clone, 1, []byte("b"), []byte("2"))
	ApplyLeafDelete(clone, 0)

	assert.Equal(t, bs("a", "c"), original.Keys)
	assert.Equal(t, bs("b", "c"), clone.Keys)
}

func TestApplyChildSplitAndRoot(t *testing.T) {
	t.Parallel()

	parent := newBranchNode(bs("m"), []base.PageID{10, 20})
	left := &base.Node{PageID: 11}
	right := &base.Node{PageID: 12}

	ApplyChildSplit(parent, 0, left, right, []byte("f"))
	assert.Equal(t, bs("f", "m"), parent.Keys)
	assert.Equal(t, []base.PageID{11, 12, 20}, parent.Children)

	ApplyChildSplit(parent, 2, &base.Node{PageID: 21}, &base.Node{PageID: 22}, []byte("t"))
	assert.Equal(t, bs("f", "m", "t"), parent.Keys)
	assert.Equal(t, []base.PageID{11, 12, 21, 22}, parent.Children)

	root := NewBranchRoot(left, right, []byte("k"), 99)
	assert.Equal(t, base.PageID(99), root.PageID)
	assert.False(t, root.Leaf)
	assert.Equal(t, []base.PageID{11, 12}, root.Children)
	assert.True(t, root.Dirty)
}

func TestMergeNodes(t *testing.T) {
	t.Parallel()

	t.Run("leaf", func(t *testing.T) {
		left := newLeafNode(bs("a", "b"), bs("1", "2"))
		right := newLeafNode(bs("c"), bs("3"))
		parent := newBranchNode(bs("c"), []base.PageID{1, 2})

		require.True(t, CanMerge(left, right, parent.Keys[0]))
		MergeNodes(left, right, parent.Keys[0])
		ApplyBranchRemoveSeparator(parent, 0)

		assert.Equal(t, bs("a", "b", "c"), left.Keys)
		assert.Equal(t, bs("1", "2", "3"), left.Values)
		assert.Empty(t, parent.Keys)
		assert.Equal(t, []base.PageID{1}, parent.Children)
	})

	t.Run("branch pulls separator down", func(t *testing.T) {
		left := newBranchNode(bs("b"), []base.PageID{1, 2})
		right := newBranchNode(bs("f"), []base.PageID{3, 4})

		MergeNodes(left, right, []byte("d"))
		assert.Equal(t, bs("b", "d", "f"), left.Keys)
		assert.Equal(t, []base.PageID{1, 2, 3, 4}, left.Children)
	})

	t.Run("cannot merge full pages", func(t *testing.T) {
		big := bytes.Repeat([]byte{'x'}, 1500)
		left := newLeafNode(bs("a", "b"), [][]byte{big, big})
		right := newLeafNode(bs("c"), [][]byte{big})
		assert.False(t, CanMerge(left, right, []byte("c")))
	})
}

func TestRedistribute(t *testing.T) {
	t.Parallel()

	t.Run("leaf", func(t *testing.T) {
		big := bytes.Repeat([]byte{'x'}, 900)
		left := newLeafNode(bs("a"), bs("1"))
		right := newLeafNode(bs("c", "d", "e", "f"), [][]byte{big, big, big, big})
		parent := newBranchNode(bs("c"), []base.PageID{1, 2})

		Redistribute(left, right, parent, 0)

		assert.Equal(t, 5, len(left.Keys)+len(right.Keys))
		assert.Greater(t, len(left.Keys), 1)
		assert.Equal(t, right.Keys[0], parent.Keys[0])
		assert.True(t, left.Fits())
		assert.True(t, right.Fits())
	})

	t.Run("branch rotates through parent", func(t *testing.T) {
		k := func(c byte) []byte { return bytes.Repeat([]byte{c}, 400) }
		left := newBranchNode([][]byte{k('a')}, []base.PageID{1, 2})
		right := newBranchNode([][]byte{k('m'), k('n'), k('o'), k('p'), k('q'), k('r')},
			[]base.PageID{3, 4, 5, 6, 7, 8, 9})
		parent := newBranchNode([][]byte{k('l')}, []base.PageID{100, 200})

		Redistribute(left, right, parent, 0)

		// 1 + 6 keys plus the separator, minus the new separator
		assert.Equal(t, 7, len(left.Keys)+len(right.Keys))
		assert.Len(t, left.Children, len(left.Keys)+1)
		assert.Len(t, right.Children, len(right.Keys)+1)
		assert.Equal(t, k('l'), left.Keys[1])
		assert.Equal(t, []base.PageID{1, 2, 3}, left.Children[:3])
		assert.Equal(t, base.PageID(9), right.Children[len(right.Children)-1])
	})
}
