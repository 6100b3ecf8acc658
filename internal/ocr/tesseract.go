package ocr

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"ocrbot/internal/domain"
)

// TesseractEngine runs recognition through the libtesseract binding. A new
// client is created per call; clients are not safe for concurrent use.
type TesseractEngine struct {
	languages     []string
	pageSegMode   int
	clientFactory func() *gosseract.Client
}

func NewTesseractEngine(languages []string, pageSegMode int) *TesseractEngine {
	return &TesseractEngine{
		languages:     append([]string(nil), languages...),
		pageSegMode:   pageSegMode,
		clientFactory: gosseract.NewClient,
	}
}

func (e *TesseractEngine) Name() string { return "tesseract" }

func (e *TesseractEngine) Recognize(ctx context.Context, blob domain.ImageBlob) (res domain.OCRResult, err error) {
	if err := ctx.Err(); err != nil {
		return domain.OCRResult{}, err
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = domain.OCRResult{}, fmt.Errorf("%w: tesseract panic: %v", domain.ErrEngineUnavailable, r)
		}
	}()

	c := e.clientFactory()
	defer c.Close()

	if len(e.languages) > 0 {
		if err := c.SetLanguage(e.languages...); err != nil {
			return domain.OCRResult{}, fmt.Errorf("%w: set languages: %v", domain.ErrEngineUnavailable, err)
		}
	}
	if e.pageSegMode > 0 {
		// applied after Init, unlike SetPageSegMode
		if err := c.SetVariable("tessedit_pageseg_mode", strconv.Itoa(e.pageSegMode)); err != nil {
			return domain.OCRResult{}, fmt.Errorf("%w: set psm: %v", domain.ErrEngineUnavailable, err)
		}
	}
	if err := c.SetImageFromBytes(blob.Bytes); err != nil {
		return domain.OCRResult{}, fmt.Errorf("%w: set image: %v", domain.ErrUnsupportedImage, err)
	}

	text, err := c.Text()
	if err != nil {
		return domain.OCRResult{}, fmt.Errorf("%w: recognize: %v", domain.ErrEngineUnavailable, err)
	}
	res = domain.OCRResult{Text: strings.TrimSpace(text)}
	if conf, ok := meanWordConfidence(c); ok {
		res.Confidence, res.HasConfidence = conf, true
	}
	return res, nil
}

// meanWordConfidence averages per-word confidence, scaled to 0..1.
func meanWordConfidence(c *gosseract.Client) (float64, bool) {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0, false
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return sum / float64(len(boxes)), true
}

// Version reports the linked libtesseract version.
func (e *TesseractEngine) Version(ctx context.Context) (v string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, r)
		}
	}()
	return "libtesseract " + gosseract.Version(), nil
}
