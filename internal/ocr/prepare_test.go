package ocr

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"testing"

	"golang.org/x/image/bmp"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/tiff"

	"ocrbot/internal/domain"
)

// textImage renders s in black on a white canvas.
func textImage(s string, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  img,
		Src:  image.Black,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(10, h/2+5),
	}
	d.DrawString(s)
	return img
}

func encode(t *testing.T, img image.Image, format string) []byte {
	t.Helper()
	var buf bytes.Buffer
	var err error
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	case "jpeg":
		err = jpeg.Encode(&buf, img, nil)
	case "bmp":
		err = bmp.Encode(&buf, img)
	case "tiff":
		err = tiff.Encode(&buf, img, nil)
	default:
		t.Fatalf("unknown format %s", format)
	}
	if err != nil {
		t.Fatalf("encode %s: %v", format, err)
	}
	return buf.Bytes()
}

func TestPrepare_PassesThroughNativeFormats(t *testing.T) {
	img := textImage("hi", 40, 20)
	for _, format := range []string{"png", "jpeg"} {
		data := encode(t, img, format)
		out, got, err := Prepare(domain.ImageBlob{Bytes: data}, 0)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if got != format {
			t.Errorf("expected format %s, got %s", format, got)
		}
		if !bytes.Equal(out.Bytes, data) {
			t.Errorf("%s: bytes should be untouched", format)
		}
		if out.MimeHint != "image/"+format {
			t.Errorf("%s: unexpected mime %s", format, out.MimeHint)
		}
	}
}

func TestPrepare_ReencodesToPNG(t *testing.T) {
	img := textImage("hi", 40, 20)
	for _, format := range []string{"bmp", "tiff"} {
		out, got, err := Prepare(domain.ImageBlob{Bytes: encode(t, img, format)}, 0)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if got != format {
			t.Errorf("expected format %s, got %s", format, got)
		}
		if out.MimeHint != "image/png" {
			t.Errorf("%s: expected png output, got %s", format, out.MimeHint)
		}
		decoded, err := png.Decode(bytes.NewReader(out.Bytes))
		if err != nil {
			t.Fatalf("%s: output is not png: %v", format, err)
		}
		if decoded.Bounds().Dx() != 40 || decoded.Bounds().Dy() != 20 {
			t.Errorf("%s: unexpected bounds %v", format, decoded.Bounds())
		}
	}
}

func TestPrepare_RejectsGarbage(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":     nil,
		"text":      []byte("definitely not an image"),
		"truncated": encode(t, textImage("x", 10, 10), "png")[:12],
	} {
		_, _, err := Prepare(domain.ImageBlob{Bytes: data}, 0)
		if !errors.Is(err, domain.ErrUnsupportedImage) {
			t.Errorf("%s: expected ErrUnsupportedImage, got %v", name, err)
		}
	}
}

func TestPrepare_PixelBudget(t *testing.T) {
	data := encode(t, textImage("x", 100, 100), "png")
	if _, _, err := Prepare(domain.ImageBlob{Bytes: data}, 10_000); err != nil {
		t.Fatalf("at budget: %v", err)
	}
	if _, _, err := Prepare(domain.ImageBlob{Bytes: data}, 9_999); !errors.Is(err, domain.ErrUnsupportedImage) {
		t.Errorf("over budget: expected ErrUnsupportedImage, got %v", err)
	}
}

func TestInspect_ReportsFormatWithoutDecoding(t *testing.T) {
	format, err := Inspect(domain.ImageBlob{Bytes: encode(t, textImage("x", 20, 10), "png")}, 200)
	if err != nil || format != "png" {
		t.Fatalf("expected png, got %q, %v", format, err)
	}
	if _, err := Inspect(domain.ImageBlob{Bytes: []byte("nope")}, 0); !errors.Is(err, domain.ErrUnsupportedImage) {
		t.Errorf("expected ErrUnsupportedImage, got %v", err)
	}
}
