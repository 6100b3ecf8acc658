// Package registration keeps the platform's webhook pointed at this service.
package registration

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"ocrbot/internal/domain"
)

// AllowedUpdates are the update types the service subscribes to.
var AllowedUpdates = []string{"message", "channel_post"}

type Config struct {
	Registrar      domain.WebhookRegistrar
	BaseURL        string
	WebhookPath    string
	SecretToken    string
	MaxConnections int
	Logger         *slog.Logger
}

// Manager registers the webhook callback URL with the platform.
type Manager struct {
	registrar      domain.WebhookRegistrar
	baseURL        string
	path           string
	secret         string
	maxConnections int
	logger         *slog.Logger
}

func NewManager(cfg Config) *Manager {
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhook/telegram"
	}
	return &Manager{
		registrar:      cfg.Registrar,
		baseURL:        cfg.BaseURL,
		path:           cfg.WebhookPath,
		secret:         cfg.SecretToken,
		maxConnections: cfg.MaxConnections,
		logger:         cfg.Logger,
	}
}

// CallbackURL joins the base URL and webhook path. The base URL must be an
// absolute http(s) URL.
func (m *Manager) CallbackURL() (string, error) {
	base := strings.TrimRight(strings.TrimSpace(m.baseURL), "/")
	if base == "" {
		return "", fmt.Errorf("%w: base URL is empty", domain.ErrStartup)
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: base URL %q must be an absolute http(s) URL", domain.ErrStartup, m.baseURL)
	}
	path := m.path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path, nil
}

// Register points the platform webhook at CallbackURL. setWebhook is sent on
// every start: the platform overwrites the registration, and webhook info
// does not expose the secret, so a rotated secret is only picked up this way.
func (m *Manager) Register(ctx context.Context) (string, error) {
	callback, err := m.CallbackURL()
	if err != nil {
		return "", err
	}

	if info, err := m.registrar.WebhookInfo(ctx); err != nil {
		m.logger.Warn("webhook info unavailable", "err", err)
	} else if info.URL != "" && info.URL != callback {
		m.logger.Info("replacing webhook registration", "old_url", info.URL, "url", callback)
	}

	spec := domain.WebhookSpec{
		URL:            callback,
		SecretToken:    m.secret,
		AllowedUpdates: AllowedUpdates,
		MaxConnections: m.maxConnections,
	}
	if err := m.registrar.SetWebhook(ctx, spec); err != nil {
		return "", fmt.Errorf("%w: register webhook: %w", domain.ErrStartup, err)
	}
	m.logger.Info("webhook registered", "url", callback)
	return callback, nil
}

// Unregister removes the webhook registration.
func (m *Manager) Unregister(ctx context.Context, dropPending bool) error {
	if err := m.registrar.DeleteWebhook(ctx, dropPending); err != nil {
		return err
	}
	m.logger.Info("webhook removed", "drop_pending", dropPending)
	return nil
}

// Info returns the platform's view of the registration.
func (m *Manager) Info(ctx context.Context) (domain.WebhookInfo, error) {
	return m.registrar.WebhookInfo(ctx)
}
