package domain

import "context"

// EventQueue hands accepted inbound events from the webhook to the pipeline.
type EventQueue interface {
	Publish(ctx context.Context, evt InboundEvent) error
	Subscribe() <-chan InboundEvent
	Close()
}

// DeliveryStore deduplicates platform redeliveries and keeps a result history.
type DeliveryStore interface {
	MarkUpdate(ctx context.Context, updateID int, conversationID string) (bool, error)
	ForgetUpdate(ctx context.Context, updateID int) error
	RecordResult(ctx context.Context, rec ResultRecord) error
}

// ResultPublisher announces finished pipeline runs to downstream consumers.
type ResultPublisher interface {
	PublishResult(ctx context.Context, rec ResultRecord) error
	Close() error
}
