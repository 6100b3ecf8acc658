package domain

import "time"

// ReplyKind classifies the reply a pipeline run produced.
type ReplyKind string

const (
	ReplyText       ReplyKind = "text"
	ReplyNoText     ReplyKind = "no_text"
	ReplyUnreadable ReplyKind = "unreadable"
	ReplyRetry      ReplyKind = "retry"
)

// ResultRecord summarizes one pipeline run. It never carries the image or
// the recognized text itself.
type ResultRecord struct {
	ID             int64     `json:"id"`
	TaskID         string    `json:"task_id"`
	UpdateID       int       `json:"update_id"`
	ConversationID string    `json:"conversation_id"`
	Kind           ReplyKind `json:"kind"`
	TextLen        int       `json:"text_len"`
	Truncated      bool      `json:"truncated"`
	Confidence     float64   `json:"confidence,omitempty"`
	ImageBytes     int       `json:"image_bytes"`
	Engine         string    `json:"engine,omitempty"`
	Error          string    `json:"error,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	Delivered      bool      `json:"delivered"`
	CreatedAt      time.Time `json:"created_at"`
}
