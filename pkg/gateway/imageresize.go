// On-the-fly image thumbnail downscaling for `?w=`/`?h=`-scaled
// requests, with EXIF orientation correction so rotated phone photos
// aren't served sideways.
package gateway

import (
	"bytes"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"net/http"
	"strconv"

	"github.com/nfnt/resize"
	"github.com/rwcarlsen/goexif/exif"
)

// resizeParams reads the `w`/`h` query params off r. Either may be zero,
// meaning "preserve aspect ratio", but not both: if neither is present
// ok is false and the caller serves the original bytes unchanged.
func resizeParams(r *http.Request) (w, h uint, ok bool) {
	q := r.URL.Query()
	ws, hs := q.Get("w"), q.Get("h")
	if ws == "" && hs == "" {
		return 0, 0, false
	}
	if ws != "" {
		if n, err := strconv.ParseUint(ws, 10, 32); err == nil {
			w = uint(n)
		}
	}
	if hs != "" {
		if n, err := strconv.ParseUint(hs, 10, 32); err == nil {
			h = uint(n)
		}
	}
	return w, h, true
}

// resizeImage decodes data as an image, corrects JPEG EXIF orientation,
// resizes to w x h (either may be 0 to preserve aspect ratio; images
// smaller than that are scaled up, not left as they are), and
// re-encodes in the original format. Non-image or
// undecodable data is returned unchanged.
func resizeImage(data []byte, mimeType string, w, h uint) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data, nil
	}

	if format == "jpeg" {
		if o, err := readOrientation(data); err == nil {
			img = applyOrientation(img, o)
		}
	}

	resized := resize.Resize(w, h, img, resize.Lanczos3)

	var buf bytes.Buffer
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85})
	case "png":
		err = png.Encode(&buf, resized)
	case "gif":
		err = gif.Encode(&buf, resized, nil)
	default:
		return data, nil
	}
	if err != nil {
		return data, err
	}
	return buf.Bytes(), nil
}

func readOrientation(data []byte) (int, error) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1, err
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1, err
	}
	o, err := tag.Int(0)
	if err != nil {
		return 1, err
	}
	return o, nil
}

// applyOrientation rotates img for the EXIF orientation values 3 (180°),
// 6 (90° clockwise) and 8 (90° counter-clockwise). Every other value,
// including the mirrored orientations 2, 4, 5 and 7, returns img
// unchanged.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 3:
		return rotate180(img)
	case 6:
		return rotate90CW(img)
	case 8:
		return rotate90CCW(img)
	default:
		return img
	}
}

func rotate90CW(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(b.Max.Y-1-y, x, img.At(x, y))
		}
	}
	return out
}

func rotate90CCW(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(y, b.Max.X-1-x, img.At(x, y))
		}
	}
	return out
}

func rotate180(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(b.Max.X-1-x, b.Max.Y-1-y, img.At(x, y))
		}
	}
	return out
}
