package ocr

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"ocrbot/internal/domain"
)

// DefaultMaxPixels bounds decoded image size.
const DefaultMaxPixels = 40_000_000

// Formats tesseract reads poorly or not at all; they are converted to PNG.
var reencode = map[string]bool{
	"webp": true,
	"bmp":  true,
	"tiff": true,
	"gif":  true,
}

// Inspect reads only the image header and checks that blob is a supported
// image within maxPixels. It returns the detected format.
func Inspect(blob domain.ImageBlob, maxPixels int) (string, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if len(blob.Bytes) == 0 {
		return "", fmt.Errorf("%w: empty image", domain.ErrUnsupportedImage)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(blob.Bytes))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnsupportedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return format, fmt.Errorf("%w: %dx%d image", domain.ErrUnsupportedImage, cfg.Width, cfg.Height)
	}
	if cfg.Width*cfg.Height > maxPixels {
		return format, fmt.Errorf("%w: %dx%d exceeds %d pixels", domain.ErrUnsupportedImage, cfg.Width, cfg.Height, maxPixels)
	}
	return format, nil
}

// Prepare checks blob with Inspect and re-encodes it to PNG when needed.
// Anything else fails with domain.ErrUnsupportedImage.
func Prepare(blob domain.ImageBlob, maxPixels int) (domain.ImageBlob, string, error) {
	format, err := Inspect(blob, maxPixels)
	if err != nil {
		return blob, format, err
	}
	if !reencode[format] {
		return domain.ImageBlob{Bytes: blob.Bytes, MimeHint: "image/" + format}, format, nil
	}

	img, _, err := image.Decode(bytes.NewReader(blob.Bytes))
	if err != nil {
		return blob, format, fmt.Errorf("%w: decode %s: %v", domain.ErrUnsupportedImage, format, err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return blob, format, fmt.Errorf("encode png: %w", err)
	}
	return domain.ImageBlob{Bytes: buf.Bytes(), MimeHint: "image/png"}, format, nil
}
