// Package algo contains algorithms used for traversing and editing a b+ tree.
package algo

import (
	"bytes"
	"sort"

	"github.com/alexhholmes/gendb/internal/base"
)

const searchThreshold = 32

// FindChildIndex returns the index of child pointer to follow for key
func FindChildIndex(node *base.Node, key []byte) int {
	keys := node.Keys
	if len(keys) < searchThreshold {
		i := 0
		for i < len(keys) && bytes.Compare(key, keys[i]) >= 0 {
			i++
		}
		return i
	}

	return sort.Search(len(keys), func(i int) bool {
		return bytes.Compare(key, keys[i]) < 0
	})
}

// FindKeyInLeaf returns index of key in leaf, or -1 if not found
func FindKeyInLeaf(node *base.Node, key []byte) int {
	if !node.Leaf {
		return -1
	}
	if idx, ok := node.Search(key); ok {
		return idx
	}
	return -1
}

// FindInsertPosition returns position to insert key in leaf
func FindInsertPosition(node *base.Node, key []byte) int {
	keys := node.Keys
	if len(keys) < searchThreshold {
		pos := 0
		for pos < len(keys) && bytes.Compare(key, keys[pos]) > 0 {
			pos++
		}
		return pos
	}

	idx, _ := node.Search(key)
	return idx
}

// SplitHint guides how to bias the split point
type SplitHint int

const (
	SplitBalanced  SplitHint = iota // Default: 50/50 by bytes
	SplitLeftBias                   // Descending inserts: keep the right node full
	SplitRightBias                  // Ascending inserts: keep the left node full
)

// HintFor picks a split bias from where the triggering insert landed.
func HintFor(node *base.Node, pos int) SplitHint {
	switch {
	case len(node.Keys) < 3:
		return SplitBalanced
	case pos >= len(node.Keys)-1:
		return SplitRightBias
	case pos == 0:
		return SplitLeftBias
	default:
		return SplitBalanced
	}
}

// SplitPoint contains split calculation results. For leaves the left node
// keeps entries [0, Mid) and Separator is the right node's first key. For
// branches Keys[Mid] moves up into the parent.
type SplitPoint struct {
	Mid       int
	Separator []byte
}

// biasedFill is the share of a page the full side keeps on a biased split.
const biasedFill = base.PageSize * 9 / 10

// CalculateSplitPoint determines the split position of an oversized node by
// serialized bytes, so both halves fit in a page regardless of key count.
func CalculateSplitPoint(node *base.Node, hint SplitHint) SplitPoint {
	n := len(node.Keys)
	if n < 2 {
		panic("algo: cannot split node with fewer than two keys")
	}

	total := 0
	for i := 0; i < n; i++ {
		total += node.EntrySize(i)
	}

	target := total / 2
	switch hint {
	case SplitRightBias:
		target = biasedFill - base.PageHeaderSize
	case SplitLeftBias:
		target = total - (biasedFill - base.PageHeaderSize)
	}

	// Smallest prefix whose size reaches the target, clamped so both sides
	// stay non-empty and within a page.
	mid, acc := 0, 0
	for mid < n && acc+node.EntrySize(mid) <= target {
		acc += node.EntrySize(mid)
		mid++
	}

	lo, hi := 1, n-1
	if !node.Leaf {
		// the separator leaves both sides, each side keeps at least one key
		lo, hi = 1, n-2
		if hi < lo {
			hi = lo
		}
	}
	if mid < lo {
		mid = lo
	}
	if mid > hi {
		mid = hi
	}
	mid = fitSplit(node, mid, lo, hi)

	sep := node.Keys[mid]
	return SplitPoint{Mid: mid, Separator: sep}
}

// fitSplit nudges mid toward the larger side until both halves fit.
func fitSplit(node *base.Node, mid, lo, hi int) int {
	for i := 0; i < len(node.Keys); i++ {
		left, right := halfSizes(node, mid)
		switch {
		case left > base.PageSize && mid > lo:
			mid--
		case right > base.PageSize && mid < hi:
			mid++
		default:
			return mid
		}
	}
	return mid
}

func halfSizes(node *base.Node, mid int) (left, right int) {
	left, right = base.PageHeaderSize, base.PageHeaderSize
	if !node.Leaf {
		left += 8
		right += 8
	}
	for i := 0; i < len(node.Keys); i++ {
		switch {
		case i < mid:
			left += node.EntrySize(i)
		case i > mid || node.Leaf:
			right += node.EntrySize(i)
		}
	}
	return left, right
}

// ExtractRightPortion copies right portion data (read-only on input)
func ExtractRightPortion(node *base.Node, sp SplitPoint) *base.Node {
	right := &base.Node{Dirty: true, Leaf: node.Leaf}
	if node.Leaf {
		right.Keys = append([][]byte(nil), node.Keys[sp.Mid:]...)
		right.Values = append([][]byte(nil), node.Values[sp.Mid:]...)
		return right
	}

	right.Keys = append([][]byte(nil), node.Keys[sp.Mid+1:]...)
	right.Children = append([]base.PageID(nil), node.Children[sp.Mid+1:]...)
	return right
}

// InsertAt inserts value at index in slice
func InsertAt(slice [][]byte, index int, value []byte) [][]byte {
	slice = append(slice, nil)
	copy(slice[index+1:], slice[index:])
	slice[index] = value
	return slice
}

// InsertChildAt inserts child at index in slice
func InsertChildAt(slice []base.PageID, index int, child base.PageID) []base.PageID {
	slice = append(slice, 0)
	copy(slice[index+1:], slice[index:])
	slice[index] = child
	return slice
}

// RemoveAt removes element at index from slice
func RemoveAt(slice [][]byte, index int) [][]byte {
	return append(slice[:index], slice[index+1:]...)
}

// RemoveChildAt removes child at index from slice
func RemoveChildAt(slice []base.PageID, index int) []base.PageID {
	return append(slice[:index], slice[index+1:]...)
}
