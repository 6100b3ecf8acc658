// Package events announces finished OCR runs on a RabbitMQ topic exchange.
package events

import (
	"time"

	"github.com/google/uuid"

	"ocrbot/internal/domain"
)

const (
	TypeCompletedV1 = "ocr.completed.v1"
	Producer        = "ocrbot"
)

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

type Meta struct {
	// Pipeline task that produced the event
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Unique event ID
	ID       string    `json:"id"`
	Producer *string   `json:"producer,omitempty"`
	Time     time.Time `json:"time"`
	// Event name and version, e.g. ocr.completed.v1
	Type string `json:"type"`
}

// CompletedV1 is the payload of ocr.completed.v1. It never carries the
// image or the recognized text.
type CompletedV1 struct {
	TaskID         string  `json:"task_id"`
	UpdateID       int     `json:"update_id"`
	ConversationID string  `json:"conversation_id"`
	Kind           string  `json:"kind"`
	TextLen        int     `json:"text_len"`
	Truncated      bool    `json:"truncated"`
	Confidence     float64 `json:"confidence,omitempty"`
	ImageBytes     int     `json:"image_bytes"`
	Engine         string  `json:"engine,omitempty"`
	Error          string  `json:"error,omitempty"`
	DurationMs     int64   `json:"duration_ms"`
	Delivered      bool    `json:"delivered"`
}

// NewCompleted wraps rec in an ocr.completed.v1 envelope.
func NewCompleted(rec domain.ResultRecord, now time.Time) Envelope {
	producer := Producer
	env := Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Producer: &producer,
			Time:     now.UTC(),
			Type:     TypeCompletedV1,
		},
		Data: CompletedV1{
			TaskID:         rec.TaskID,
			UpdateID:       rec.UpdateID,
			ConversationID: rec.ConversationID,
			Kind:           string(rec.Kind),
			TextLen:        rec.TextLen,
			Truncated:      rec.Truncated,
			Confidence:     rec.Confidence,
			ImageBytes:     rec.ImageBytes,
			Engine:         rec.Engine,
			Error:          rec.Error,
			DurationMs:     rec.DurationMs,
			Delivered:      rec.Delivered,
		},
	}
	if rec.TaskID != "" {
		cid := rec.TaskID
		env.Meta.CorrelationID = &cid
	}
	return env
}
