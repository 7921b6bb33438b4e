package tree

import "github.com/alexhholmes/gendb/internal/base"

// Space is the page arena a Tree reads and mutates through. A read
// transaction implements the read half; a write transaction implements all
// of it with copy-on-write semantics.
type Space interface {
	// Load returns the node stored at id. The node must not be modified.
	Load(id base.PageID) (*base.Node, error)

	// Writable returns a node the caller may modify in place. Published
	// nodes are cloned onto a fresh page id and their old id is freed;
	// nodes already owned by the transaction are returned as is.
	Writable(n *base.Node) (*base.Node, error)

	// NewNode returns an empty owned node with a fresh page id.
	NewNode(leaf bool) (*base.Node, error)

	// Free releases a page no longer referenced by the tree.
	Free(id base.PageID)

	// WriteOverflow stores value in a run of overflow pages.
	WriteOverflow(value []byte) (first base.PageID, err error)

	// ReadOverflow reads back a value stored by WriteOverflow.
	ReadOverflow(first base.PageID, length uint64) ([]byte, error)

	// FreeOverflow releases the run holding a value of length bytes.
	FreeOverflow(first base.PageID, length uint64)
}
