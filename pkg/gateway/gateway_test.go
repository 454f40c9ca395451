package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mmalmi/hashtreed/pkg/htree"
	"github.com/mmalmi/hashtreed/pkg/htree/node"
	"github.com/mmalmi/hashtreed/pkg/store/local"
)

func newTestEngine(t *testing.T) *htree.Engine {
	t.Helper()
	st, err := local.New(filepath.Join(t.TempDir(), "blobs"), 1<<30, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return htree.New(st)
}

func TestServeFileFullBody(t *testing.T) {
	engine := newTestEngine(t)
	s := New(engine, nil, nil, nil, nil, nil, nil)

	data := []byte("hello, world")
	cid, _, err := engine.Put(context.Background(), data, nil)
	if err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/htree/x/file.txt", nil)
	s.serveFile(w, r, cid, "file.txt")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != string(data) {
		t.Fatalf("unexpected body: %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected content type: %q", ct)
	}
}

func TestServeFileRangeRequest(t *testing.T) {
	engine := newTestEngine(t)
	s := New(engine, nil, nil, nil, nil, nil, nil)

	data := make([]byte, 500)
	for i := range data {
		data[i] = byte(i % 256)
	}
	cid, _, err := engine.Put(context.Background(), data, nil)
	if err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/htree/x/file.bin", nil)
	r.Header.Set("Range", "bytes=95-104")
	s.serveFile(w, r, cid, "file.bin")

	if w.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", w.Code)
	}
	if got, want := w.Body.Bytes(), data[95:105]; string(got) != string(want) {
		t.Fatalf("unexpected range body: %v vs %v", got, want)
	}
	if cr := w.Header().Get("Content-Range"); cr != "bytes 95-104/500" {
		t.Fatalf("unexpected Content-Range: %q", cr)
	}
}

func TestFindThumbnailDirectMatch(t *testing.T) {
	engine := newTestEngine(t)
	s := New(engine, nil, nil, nil, nil, nil, nil)

	thumbCID, _, err := engine.Put(context.Background(), []byte("thumb-bytes"), nil)
	if err != nil {
		t.Fatal(err)
	}
	dirCID, err := engine.PutDirectory(context.Background(), []node.TreeLink{
		{Name: "thumbnail.jpg", Hash: thumbCID.Hash, Size: 11, Type: node.TypeFile},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	got, name, err := s.findThumbnail(context.Background(), dirCID)
	if err != nil {
		t.Fatal(err)
	}
	if name != "thumbnail.jpg" || !got.Equal(thumbCID) {
		t.Fatalf("unexpected thumbnail result: %v %q", got, name)
	}
}

func TestFindThumbnailProbesSubdirectories(t *testing.T) {
	engine := newTestEngine(t)
	s := New(engine, nil, nil, nil, nil, nil, nil)

	thumbCID, _, err := engine.Put(context.Background(), []byte("thumb-bytes"), nil)
	if err != nil {
		t.Fatal(err)
	}
	subCID, err := engine.PutDirectory(context.Background(), []node.TreeLink{
		{Name: "thumbnail.png", Hash: thumbCID.Hash, Size: 11, Type: node.TypeFile},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rootCID, err := engine.PutDirectory(context.Background(), []node.TreeLink{
		{Name: "album", Hash: subCID.Hash, Size: 0, Type: node.TypeDir},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	got, name, err := s.findThumbnail(context.Background(), rootCID)
	if err != nil {
		t.Fatal(err)
	}
	if name != "thumbnail.png" || !got.Equal(thumbCID) {
		t.Fatalf("unexpected thumbnail result: %v %q", got, name)
	}
}

func TestFindThumbnailMissingReturnsNotFound(t *testing.T) {
	engine := newTestEngine(t)
	s := New(engine, nil, nil, nil, nil, nil, nil)

	dirCID, err := engine.PutDirectory(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.findThumbnail(context.Background(), dirCID); err == nil {
		t.Fatal("expected error for directory with no thumbnail")
	}
}
