// Package ocr turns image bytes into text. Engines are opaque; the Pool
// bounds how many recognitions run at once.
package ocr

import (
	"context"
	"fmt"
	"strings"

	"ocrbot/internal/domain"
)

// Engine recognizes text in a prepared image. An empty Text is a valid
// result.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, blob domain.ImageBlob) (domain.OCRResult, error)
}

type EngineConfig struct {
	Kind        string // "tesseract" or "cli"
	Languages   []string
	PageSegMode int // 0 leaves the engine default
	BinaryPath  string
}

// NewEngine builds the engine named by cfg.Kind.
func NewEngine(cfg EngineConfig) (Engine, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "tesseract":
		return NewTesseractEngine(cfg.Languages, cfg.PageSegMode), nil
	case "cli":
		return NewCLIEngine(cfg.BinaryPath, cfg.Languages, cfg.PageSegMode), nil
	default:
		return nil, fmt.Errorf("unknown ocr engine %q", cfg.Kind)
	}
}

func languageArg(langs []string) string {
	if len(langs) == 0 {
		return "eng"
	}
	return strings.Join(langs, "+")
}

// Versioner is implemented by engines that can report what they run on.
type Versioner interface {
	Version(ctx context.Context) (string, error)
}
