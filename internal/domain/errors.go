package domain

import "errors"

// Error taxonomy for the OCR pipeline. Callers wrap these with fmt.Errorf
// and classify with errors.Is.
var (
	// ErrValidation marks malformed or unusable inbound input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrUnsupportedImage marks image bytes the OCR step cannot decode.
	ErrUnsupportedImage = errors.New("unsupported image")

	// ErrFetch marks a failed file resolution or download.
	ErrFetch = errors.New("fetch error")

	// ErrPayloadTooLarge marks an image above the configured byte limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrEngineUnavailable marks a missing, crashed or saturated OCR engine.
	ErrEngineUnavailable = errors.New("ocr engine unavailable")

	// ErrStartup marks missing configuration that prevents serving traffic.
	ErrStartup = errors.New("startup error")
)

// IsUserError reports whether err is caused by the submitted input rather
// than by infrastructure.
func IsUserError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrUnsupportedImage)
}
