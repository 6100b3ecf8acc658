package domain

import (
	"context"
	"io"
)

// RemoteFile is the platform's answer to a file-resolution request.
type RemoteFile struct {
	FileID string
	Path   string
	Size   int // bytes, 0 = unknown
}

// WebhookSpec describes the callback registration sent to the platform.
type WebhookSpec struct {
	URL                string
	SecretToken        string
	AllowedUpdates     []string
	MaxConnections     int
	DropPendingUpdates bool
}

// WebhookInfo is the platform's view of the current registration.
type WebhookInfo struct {
	URL                string
	PendingUpdateCount int
	LastErrorMessage   string
	MaxConnections     int
}

// FileSource resolves and downloads uploaded files.
type FileSource interface {
	ResolveFile(ctx context.Context, fileID string) (RemoteFile, error)
	DownloadFile(ctx context.Context, file RemoteFile) (io.ReadCloser, error)
}

// Sender delivers outbound messages.
type Sender interface {
	SendMessage(ctx context.Context, msg OutboundMessage) error
}

// WebhookRegistrar manages the platform-side webhook registration.
type WebhookRegistrar interface {
	WebhookInfo(ctx context.Context) (WebhookInfo, error)
	SetWebhook(ctx context.Context, spec WebhookSpec) error
	DeleteWebhook(ctx context.Context, dropPending bool) error
}

// Platform is the messaging platform capability the pipeline depends on.
type Platform interface {
	FileSource
	Sender
	WebhookRegistrar
	Name() string
}
