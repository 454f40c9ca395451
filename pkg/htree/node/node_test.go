package node

import (
	"bytes"
	"testing"

	"github.com/mmalmi/hashtreed/pkg/blob"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	n := &TreeNode{Links: []TreeLink{
		{Name: "a.txt", Hash: blob.Sum([]byte("a")), Size: 1, Type: TypeFile},
		{Name: "sub", Hash: blob.Sum([]byte("sub")), Size: 0, Type: TypeDir},
	}}
	raw, err := Encode(n)
	if err != nil {
		t.Fatal(err)
	}
	if !IsTreeNode(raw) {
		t.Fatal("encoded node should carry magic prefix")
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(got.Links))
	}
	if l, ok := got.Get("a.txt"); !ok || l.Size != 1 {
		t.Fatalf("expected a.txt link, got %+v ok=%v", l, ok)
	}
}

func TestEncodeDirectoryIsOrderIndependent(t *testing.T) {
	a := &TreeNode{Links: []TreeLink{
		{Name: "a.txt", Hash: blob.Sum([]byte("a")), Size: 1, Type: TypeFile},
		{Name: "b.txt", Hash: blob.Sum([]byte("b")), Size: 1, Type: TypeFile},
		{Name: "c.txt", Hash: blob.Sum([]byte("c")), Size: 1, Type: TypeFile},
	}}
	b := &TreeNode{Links: []TreeLink{
		{Name: "c.txt", Hash: blob.Sum([]byte("c")), Size: 1, Type: TypeFile},
		{Name: "a.txt", Hash: blob.Sum([]byte("a")), Size: 1, Type: TypeFile},
		{Name: "b.txt", Hash: blob.Sum([]byte("b")), Size: 1, Type: TypeFile},
	}}
	rawA, err := Encode(a)
	if err != nil {
		t.Fatal(err)
	}
	rawB, err := Encode(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rawA, rawB) {
		t.Fatal("directories with identical contents but different insertion order must encode identically")
	}
}

func TestIsTreeNodeRejectsRawLeaf(t *testing.T) {
	raw := bytes.Repeat([]byte{0xFF}, 64)
	if IsTreeNode(raw) {
		t.Fatal("arbitrary leaf bytes must not be sniffed as a tree node")
	}
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error decoding a non-tree-node block")
	}
}

func TestChunkedFileNodeTotalSize(t *testing.T) {
	n := &TreeNode{Links: []TreeLink{
		{Hash: blob.Sum([]byte("c1")), Size: 100},
		{Hash: blob.Sum([]byte("c2")), Size: 50},
	}}
	if n.IsDir() {
		t.Fatal("unnamed links should not be classified as a directory")
	}
	if n.TotalSize() != 150 {
		t.Fatalf("expected total 150, got %d", n.TotalSize())
	}
}
