package gateway

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http/httptest"
	"testing"
)

func fourByFourPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 50), G: uint8(y * 50), B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestResizeImageDownscalesPreservingFormat(t *testing.T) {
	data := fourByFourPNG(t)

	out, err := resizeImage(data, "image/png", 2, 2)
	if err != nil {
		t.Fatal(err)
	}

	img, format, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if format != "png" {
		t.Fatalf("expected png, got %q", format)
	}
	b := img.Bounds()
	if b.Dx() != 2 || b.Dy() != 2 {
		t.Fatalf("expected 2x2, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestResizeImageNonImageDataReturnedUnchanged(t *testing.T) {
	data := []byte("not an image")
	out, err := resizeImage(data, "text/plain", 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(data) {
		t.Fatal("expected non-image data to pass through unchanged")
	}
}

func TestResizeParamsRequiresWidthOrHeight(t *testing.T) {
	r := httptest.NewRequest("GET", "/htree/x/file.png", nil)
	if _, _, ok := resizeParams(r); ok {
		t.Fatal("expected no resize when neither w nor h is present")
	}

	r = httptest.NewRequest("GET", "/htree/x/file.png?w=100", nil)
	w, h, ok := resizeParams(r)
	if !ok || w != 100 || h != 0 {
		t.Fatalf("unexpected params: w=%d h=%d ok=%v", w, h, ok)
	}
}
