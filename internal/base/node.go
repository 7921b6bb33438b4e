package base

import (
	"bytes"
	"fmt"
	"sort"
)

const (
	// MaxKeySize bounds encoded keys so a branch page always holds several
	// separators and a leaf split always produces two pages that fit.
	MaxKeySize = 512

	// MaxInlineValue is the largest stored leaf value; larger values are
	// moved to overflow pages by the tree.
	MaxInlineValue = 1024

	// MinFillSize is the serialized size below which a non-root node is
	// merged with or refilled from a sibling.
	MinFillSize = PageSize / 4
)

// Node represents a B-tree Node with decoded Page data
type Node struct {
	PageID PageID
	Dirty  bool
	Leaf   bool

	Keys     [][]byte
	Values   [][]byte // leaf only
	Children []PageID // branch only, len(Keys)+1
}

// NewLeaf returns an empty dirty leaf with the given id.
func NewLeaf(id PageID) *Node {
	return &Node{PageID: id, Dirty: true, Leaf: true}
}

// NumKeys returns the number of keys in the node
func (n *Node) NumKeys() int {
	return len(n.Keys)
}

// IsLeaf returns true if this is a leaf Node
func (n *Node) IsLeaf() bool {
	return n.Leaf
}

// Serialize encodes the Node into page, stamping gen and the checksum.
func (n *Node) Serialize(gen uint64, page *Page) error {
	if err := n.CheckOverflow(); err != nil {
		return err
	}
	page.Data = [PageSize]byte{}

	header := &PageHeader{
		PageID:  n.PageID,
		NumKeys: uint16(len(n.Keys)),
		Gen:     gen,
	}
	if n.Leaf {
		header.Flags = LeafPageFlag
	} else {
		header.Flags = BranchPageFlag
	}
	page.WriteHeader(header)

	if n.Leaf {
		dataOffset := PageSize
		for i := len(n.Keys) - 1; i >= 0; i-- {
			key, value := n.Keys[i], n.Values[i]

			dataOffset -= len(value)
			copy(page.Data[dataOffset:], value)
			dataOffset -= len(key)
			copy(page.Data[dataOffset:], key)

			page.WriteLeafElement(i, &LeafElement{
				KeyOffset: uint16(dataOffset),
				KeySize:   uint16(len(key)),
				ValueSize: uint16(len(value)),
			})
		}
	} else {
		page.WriteBranchFirstChild(n.Children[0])

		dataOffset := PageSize - firstChildSize
		for i := len(n.Keys) - 1; i >= 0; i-- {
			key := n.Keys[i]
			dataOffset -= len(key)
			copy(page.Data[dataOffset:], key)

			page.WriteBranchElement(i, &BranchElement{
				KeyOffset: uint16(dataOffset),
				KeySize:   uint16(len(key)),
				ChildID:   n.Children[i+1],
			})
		}
	}

	page.Seal()
	return nil
}

// Deserialize decodes the Page data into Node fields. The page checksum must
// already have been verified; structural problems are reported as corruption.
func (n *Node) Deserialize(p *Page) error {
	header := p.Header()
	n.PageID = header.PageID
	n.Dirty = false
	numKeys := int(header.NumKeys)

	switch {
	case header.Flags&LeafPageFlag != 0:
		n.Leaf = true
		dataStart := PageHeaderSize + numKeys*LeafElementSize
		if dataStart > PageSize {
			return fmt.Errorf("page %d: %d leaf elements: %w", n.PageID, numKeys, ErrCorruption)
		}
		n.Keys = make([][]byte, numKeys)
		n.Values = make([][]byte, numKeys)
		n.Children = nil

		for i := 0; i < numKeys; i++ {
			elem := p.LeafElement(i)
			if int(elem.KeyOffset) < dataStart {
				return fmt.Errorf("page %d: %w", n.PageID, ErrInvalidOffset)
			}
			kv, err := p.Slice(elem.KeyOffset, elem.KeySize+elem.ValueSize, PageSize)
			if err != nil {
				return fmt.Errorf("page %d: %w", n.PageID, err)
			}
			buf := make([]byte, len(kv))
			copy(buf, kv)
			n.Keys[i] = buf[:elem.KeySize:elem.KeySize]
			n.Values[i] = buf[elem.KeySize:]
		}

	case header.Flags&BranchPageFlag != 0:
		n.Leaf = false
		dataStart := PageHeaderSize + numKeys*BranchElementSize
		if dataStart > PageSize-firstChildSize {
			return fmt.Errorf("page %d: %d branch elements: %w", n.PageID, numKeys, ErrCorruption)
		}
		n.Keys = make([][]byte, numKeys)
		n.Values = nil
		n.Children = make([]PageID, numKeys+1)
		n.Children[0] = p.ReadBranchFirstChild()

		for i := 0; i < numKeys; i++ {
			elem := p.BranchElement(i)
			if int(elem.KeyOffset) < dataStart {
				return fmt.Errorf("page %d: %w", n.PageID, ErrInvalidOffset)
			}
			key, err := p.Slice(elem.KeyOffset, elem.KeySize, PageSize-firstChildSize)
			if err != nil {
				return fmt.Errorf("page %d: %w", n.PageID, err)
			}
			n.Keys[i] = bytes.Clone(key)
			n.Children[i+1] = elem.ChildID
		}

	default:
		return fmt.Errorf("page %d: flags %#x is not a tree page: %w", n.PageID, header.Flags, ErrCorruption)
	}

	return nil
}

// Search returns the position of key and whether it is present.
func (n *Node) Search(key []byte) (int, bool) {
	i := sort.Search(len(n.Keys), func(i int) bool {
		return bytes.Compare(n.Keys[i], key) >= 0
	})
	return i, i < len(n.Keys) && bytes.Equal(n.Keys[i], key)
}

// Clone creates a shallow copy of this Node for copy-on-write. Key and value
// byte slices are shared; they are never modified in place, only replaced.
// The clone is marked Dirty and does not have a PageID allocated yet.
func (n *Node) Clone() *Node {
	cloned := &Node{
		Dirty: true,
		Leaf:  n.Leaf,
		Keys:  append(make([][]byte, 0, len(n.Keys)+1), n.Keys...),
	}
	if n.Leaf {
		cloned.Values = append(make([][]byte, 0, len(n.Values)+1), n.Values...)
	} else {
		cloned.Children = append(make([]PageID, 0, len(n.Children)+1), n.Children...)
	}
	return cloned
}

// CheckOverflow validates node doesn't exceed PageSize
func (n *Node) CheckOverflow() error {
	if n.Size() > PageSize {
		return ErrPageOverflow
	}
	if !n.Leaf && len(n.Children) != len(n.Keys)+1 {
		return fmt.Errorf("branch %d: %d keys with %d children: %w",
			n.PageID, len(n.Keys), len(n.Children), ErrCorruption)
	}
	return nil
}

// Fits reports whether the node can be serialized into one page.
func (n *Node) Fits() bool {
	return n.Size() <= PageSize
}

// IsUnderflow checks if Node has too little data (doesn't apply to root)
func (n *Node) IsUnderflow() bool {
	return len(n.Keys) == 0 || n.Size() < MinFillSize
}

// Size calculates the Size of the serialized Node
func (n *Node) Size() int {
	size := PageHeaderSize
	if n.Leaf {
		size += len(n.Keys) * LeafElementSize
		for i := range n.Keys {
			size += len(n.Keys[i]) + len(n.Values[i])
		}
		return size
	}

	size += len(n.Keys)*BranchElementSize + firstChildSize
	for _, k := range n.Keys {
		size += len(k)
	}
	return size
}

// EntrySize is the serialized cost of the entry at i.
func (n *Node) EntrySize(i int) int {
	if n.Leaf {
		return LeafElementSize + len(n.Keys[i]) + len(n.Values[i])
	}
	return BranchElementSize + len(n.Keys[i])
}
