package domain

import "time"

// InboundEvent is a normalized platform update. Image is nil for events that
// carry no image; those are acknowledged and dropped.
type InboundEvent struct {
	UpdateID       int
	ConversationID string
	SenderID       string
	Image          *ImageRef
	ReceivedAt     time.Time
}

// HasImage reports whether the event should enter the OCR pipeline.
func (e InboundEvent) HasImage() bool {
	return e.Image != nil && e.Image.FileID != ""
}

// ImageRef is the platform handle for an uploaded image plus whatever
// metadata the platform advertised with it.
type ImageRef struct {
	FileID       string
	FileUniqueID string
	MimeHint     string
	SizeHint     int // bytes, 0 = unknown
	Width        int
	Height       int
}

// ImageBlob holds downloaded image bytes. Owned by a single pipeline task.
type ImageBlob struct {
	Bytes    []byte
	MimeHint string
}

// OCRResult is the engine output. Empty Text is a valid result.
type OCRResult struct {
	Text          string
	Confidence    float64 // 0..1, meaningful only when HasConfidence
	HasConfidence bool
}

type OutboundMessage struct {
	ConversationID string
	Body           string
}
