// Package node implements the on-disk/on-wire encoding of a tree node:
// a directory or chunked-file manifest stored as a content-addressed
// block like any other, distinguished from a raw leaf block by a fixed
// magic prefix.
package node

import (
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mmalmi/hashtreed/pkg/blob"
	"github.com/mmalmi/hashtreed/pkg/herr"
)

// magic prefixes every encoded TreeNode so is_tree_node stays a cheap
// constant-prefix check against an arbitrary block's raw bytes.
var magic = [4]byte{0x00, 'H', 'T', '1'}

// LinkType distinguishes a directory entry's target kind.
type LinkType uint8

const (
	TypeFile LinkType = iota
	TypeDir
)

// TreeLink is one entry in a TreeNode's link list: either a named
// directory entry (Name set) or an unnamed file chunk (Name empty,
// ordered by position in the parent's Links slice).
type TreeLink struct {
	Name string       `msgpack:"n,omitempty"`
	Hash blob.Hash     `msgpack:"h"`
	Key  *[32]byte     `msgpack:"k,omitempty"`
	Size uint64        `msgpack:"s"`
	Type LinkType      `msgpack:"t,omitempty"`
}

// CID returns the CID this link points to.
func (l TreeLink) CID() blob.CID {
	return blob.CID{Hash: l.Hash, Key: l.Key}
}

// TreeNode is a directory listing or a chunked file's index, depending
// on whether its links carry names (directory) or not (chunked file).
type TreeNode struct {
	Links []TreeLink `msgpack:"l"`
}

// IsDir reports whether this node represents a directory (its links are
// named entries rather than anonymous file chunks).
func (n *TreeNode) IsDir() bool {
	return len(n.Links) == 0 || n.Links[0].Name != ""
}

// TotalSize sums the Size field across all links, used to compute a
// chunked file's total byte length without fetching chunk bodies.
func (n *TreeNode) TotalSize() uint64 {
	var total uint64
	for _, l := range n.Links {
		total += l.Size
	}
	return total
}

// Get returns the named entry and whether it was found, for directory
// nodes only.
func (n *TreeNode) Get(name string) (TreeLink, bool) {
	for _, l := range n.Links {
		if l.Name == name {
			return l, true
		}
	}
	return TreeLink{}, false
}

// Encode serializes the node as magic-prefixed msgpack. Directory links
// are sorted by Name first, so two directories with identical contents
// always encode to identical bytes regardless of insertion order;
// chunked-file links (unnamed, order-significant) are left untouched.
func Encode(n *TreeNode) ([]byte, error) {
	encode := n
	if n.IsDir() && len(n.Links) > 1 {
		sorted := make([]TreeLink, len(n.Links))
		copy(sorted, n.Links)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
		encode = &TreeNode{Links: sorted}
	}
	body, err := msgpack.Marshal(encode)
	if err != nil {
		return nil, herr.New(herr.KindCorrupt, "node.Encode", err)
	}
	out := make([]byte, 0, len(magic)+len(body))
	out = append(out, magic[:]...)
	out = append(out, body...)
	return out, nil
}

// IsTreeNode reports whether raw bytes begin with the tree-node magic
// prefix, the constant-time sniff used to tell a directory/manifest
// block apart from a raw leaf block without attempting a full decode.
func IsTreeNode(raw []byte) bool {
	if len(raw) < len(magic) {
		return false
	}
	for i, b := range magic {
		if raw[i] != b {
			return false
		}
	}
	return true
}

// Decode parses magic-prefixed msgpack bytes into a TreeNode. Callers
// should check IsTreeNode first; Decode itself also validates the
// prefix and returns a Corrupt error if it's missing or the body fails
// to parse.
func Decode(raw []byte) (*TreeNode, error) {
	if !IsTreeNode(raw) {
		return nil, herr.New(herr.KindCorrupt, "node.Decode", errNotATreeNode)
	}
	var n TreeNode
	if err := msgpack.Unmarshal(raw[len(magic):], &n); err != nil {
		return nil, herr.New(herr.KindCorrupt, "node.Decode", err)
	}
	return &n, nil
}

var errNotATreeNode = notATreeNodeError{}

type notATreeNodeError struct{}

func (notATreeNodeError) Error() string { return "block does not carry the tree-node magic prefix" }
