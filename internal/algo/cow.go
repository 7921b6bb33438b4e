package algo

import (
	"github.com/alexhholmes/gendb/internal/base"
)

// All functions here assume the nodes they modify are already writable
// (cloned by the caller). Slices owned by a clone may be edited in place;
// key and value byte slices are only ever replaced.

// ApplyLeafUpdate updates a key's value in leaf node
func ApplyLeafUpdate(node *base.Node, pos int, newValue []byte) {
	node.Values[pos] = newValue
	node.Dirty = true
}

// ApplyLeafInsert inserts new key-value at position. The node may exceed a
// page afterwards; the caller splits it.
func ApplyLeafInsert(node *base.Node, pos int, key, value []byte) {
	node.Keys = InsertAt(node.Keys, pos, key)
	node.Values = InsertAt(node.Values, pos, value)
	node.Dirty = true
}

// ApplyLeafDelete removes key at position
func ApplyLeafDelete(node *base.Node, idx int) {
	node.Keys = RemoveAt(node.Keys, idx)
	node.Values = RemoveAt(node.Values, idx)
	node.Dirty = true
}

// ApplyBranchRemoveSeparator removes separator key and child after merge.
// Removes the separator at sepIdx and the child at sepIdx+1.
func ApplyBranchRemoveSeparator(node *base.Node, sepIdx int) {
	node.Keys = RemoveAt(node.Keys, sepIdx)
	node.Children = RemoveChildAt(node.Children, sepIdx+1)
	node.Dirty = true
}

// SplitNode splits an oversized node in place. node keeps the left portion
// and the returned right node has no page id yet.
func SplitNode(node *base.Node, hint SplitHint) (right *base.Node, separator []byte) {
	sp := CalculateSplitPoint(node, hint)
	right = ExtractRightPortion(node, sp)
	TruncateLeft(node, sp)
	return right, sp.Separator
}

// TruncateLeft modifies node to keep only left portion after split
func TruncateLeft(node *base.Node, sp SplitPoint) {
	node.Keys = append([][]byte(nil), node.Keys[:sp.Mid]...)
	if node.Leaf {
		node.Values = append([][]byte(nil), node.Values[:sp.Mid]...)
	} else {
		node.Children = append([]base.PageID(nil), node.Children[:sp.Mid+1]...)
	}
	node.Dirty = true
}

// NewBranchRoot creates a new branch root node from two children after split
func NewBranchRoot(leftChild, rightChild *base.Node, sep []byte, pageID base.PageID) *base.Node {
	return &base.Node{
		PageID:   pageID,
		Dirty:    true,
		Keys:     [][]byte{sep},
		Children: []base.PageID{leftChild.PageID, rightChild.PageID},
	}
}

// ApplyChildSplit updates parent after splitting child at childIdx. The left
// half keeps position childIdx and the right half is inserted after it.
func ApplyChildSplit(parent *base.Node, childIdx int, leftChild, rightChild *base.Node, sep []byte) {
	parent.Keys = InsertAt(parent.Keys, childIdx, sep)
	parent.Children[childIdx] = leftChild.PageID
	parent.Children = InsertChildAt(parent.Children, childIdx+1, rightChild.PageID)
	parent.Dirty = true
}

// CanMerge reports whether right can be folded into left within one page.
func CanMerge(left, right *base.Node, separator []byte) bool {
	size := left.Size() + right.Size() - base.PageHeaderSize
	if !left.Leaf {
		// one first-child slot disappears, the separator comes down
		size += base.BranchElementSize + len(separator) - 8
	}
	return size <= base.PageSize
}

// MergeNodes combines right node into left node. For branch nodes the
// separator key from the parent is pulled down. Does NOT update parent;
// caller must call ApplyBranchRemoveSeparator.
func MergeNodes(leftNode, rightNode *base.Node, separatorKey []byte) {
	if leftNode.Leaf {
		leftNode.Keys = append(leftNode.Keys, rightNode.Keys...)
		leftNode.Values = append(leftNode.Values, rightNode.Values...)
	} else {
		leftNode.Keys = append(leftNode.Keys, separatorKey)
		leftNode.Keys = append(leftNode.Keys, rightNode.Keys...)
		leftNode.Children = append(leftNode.Children, rightNode.Children...)
	}
	leftNode.Dirty = true
}

// Redistribute rebalances two adjacent siblings that cannot be merged by
// pooling their entries and splitting them evenly by bytes. The parent
// separator at sepIdx is replaced.
func Redistribute(left, right, parent *base.Node, sepIdx int) {
	pooled := &base.Node{Leaf: left.Leaf}
	pooled.Keys = append([][]byte(nil), left.Keys...)
	if left.Leaf {
		pooled.Keys = append(pooled.Keys, right.Keys...)
		pooled.Values = append(append([][]byte(nil), left.Values...), right.Values...)
	} else {
		pooled.Keys = append(pooled.Keys, parent.Keys[sepIdx])
		pooled.Keys = append(pooled.Keys, right.Keys...)
		pooled.Children = append(append([]base.PageID(nil), left.Children...), right.Children...)
	}

	sp := CalculateSplitPoint(pooled, SplitBalanced)
	r := ExtractRightPortion(pooled, sp)
	TruncateLeft(pooled, sp)

	left.Keys, left.Values, left.Children = pooled.Keys, pooled.Values, pooled.Children
	right.Keys, right.Values, right.Children = r.Keys, r.Values, r.Children
	parent.Keys[sepIdx] = sp.Separator

	left.Dirty = true
	right.Dirty = true
	parent.Dirty = true
}
