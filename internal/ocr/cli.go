package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"ocrbot/internal/domain"
)

// CLIEngine shells out to the tesseract binary, reading the image on stdin.
type CLIEngine struct {
	binary      string
	languages   []string
	pageSegMode int
}

func NewCLIEngine(binary string, languages []string, pageSegMode int) *CLIEngine {
	if binary == "" {
		binary = "tesseract"
	}
	return &CLIEngine{
		binary:      binary,
		languages:   append([]string(nil), languages...),
		pageSegMode: pageSegMode,
	}
}

func (e *CLIEngine) Name() string { return "tesseract-cli" }

func (e *CLIEngine) args() []string {
	args := []string{"stdin", "stdout", "-l", languageArg(e.languages)}
	if e.pageSegMode > 0 {
		args = append(args, "--psm", strconv.Itoa(e.pageSegMode))
	}
	return args
}

func (e *CLIEngine) Recognize(ctx context.Context, blob domain.ImageBlob) (domain.OCRResult, error) {
	path, err := exec.LookPath(e.binary)
	if err != nil {
		return domain.OCRResult{}, fmt.Errorf("%w: %s not found: %v", domain.ErrEngineUnavailable, e.binary, err)
	}

	cmd := exec.CommandContext(ctx, path, e.args()...)
	cmd.Stdin = bytes.NewReader(blob.Bytes)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return domain.OCRResult{}, fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return domain.OCRResult{}, fmt.Errorf("%w: tesseract exited %d: %s",
				domain.ErrEngineUnavailable, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return domain.OCRResult{}, fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}
	return domain.OCRResult{Text: strings.TrimSpace(stdout.String())}, nil
}

// Version returns the first line of `tesseract --version`.
func (e *CLIEngine) Version(ctx context.Context) (string, error) {
	path, err := exec.LookPath(e.binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s not found: %v", domain.ErrEngineUnavailable, e.binary, err)
	}
	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line, nil
}
