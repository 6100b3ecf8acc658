package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ocrbot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxSendRetries = 3
	telegramDefaultTimeout = 30 * time.Second
	telegramSendRate       = 30.0
)

// Telegram implements domain.Platform on top of the Bot API.
type Telegram struct {
	token        string
	fileEndpoint string
	bot          *tgbotapi.BotAPI
	download     *http.Client
	logger       *slog.Logger

	// sendBackoff is the base delay between send retries.
	sendBackoff time.Duration
	limiter     *sendLimiter
}

var _ domain.Platform = (*Telegram)(nil)

type TelegramConfig struct {
	Token        string
	APIEndpoint  string // default tgbotapi.APIEndpoint
	FileEndpoint string // default tgbotapi.FileEndpoint
	Timeout      time.Duration
	SendRate     float64 // messages per second across all chats
	HTTPClient   *http.Client // used for API calls and downloads when set
	Logger       *slog.Logger
}

// NewTelegram connects to the Bot API. The token is verified with getMe.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = tgbotapi.FileEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = telegramDefaultTimeout
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = telegramSendRate
	}
	apiClient, downloadClient := cfg.HTTPClient, cfg.HTTPClient
	if cfg.HTTPClient == nil {
		apiClient, downloadClient = newTelegramClients(cfg.Timeout)
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, apiClient)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	cfg.Logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	return &Telegram{
		token:        cfg.Token,
		fileEndpoint: cfg.FileEndpoint,
		bot:          bot,
		download:     downloadClient,
		logger:       cfg.Logger,
		sendBackoff:  time.Second,
		limiter:      newSendLimiter(max(1, int(cfg.SendRate)), cfg.SendRate),
	}, nil
}

// newTelegramClients builds the Bot API client and the file download client
// on one pooled transport. API calls are bounded by timeout as a whole;
// downloads only by the response header timeout and the caller's context.
func newTelegramClients(timeout time.Duration) (api, download *http.Client) {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Timeout: timeout, Transport: transport}, &http.Client{Transport: transport}
}

func (t *Telegram) Name() string { return "telegram" }

// Username returns the bot's @username.
func (t *Telegram) Username() string { return t.bot.Self.UserName }

// ResolveFile asks the Bot API for the storage path of fileID.
func (t *Telegram) ResolveFile(ctx context.Context, fileID string) (domain.RemoteFile, error) {
	f, err := withContext(ctx, func() (tgbotapi.File, error) {
		return t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	})
	if err != nil {
		return domain.RemoteFile{}, fmt.Errorf("get file %s: %w", fileID, redactToken(err, t.token))
	}
	if f.FilePath == "" {
		return domain.RemoteFile{}, fmt.Errorf("get file %s: empty file path", fileID)
	}
	return domain.RemoteFile{FileID: f.FileID, Path: f.FilePath, Size: f.FileSize}, nil
}

// DownloadFile streams the file body. The caller closes it.
func (t *Telegram) DownloadFile(ctx context.Context, file domain.RemoteFile) (io.ReadCloser, error) {
	url := fmt.Sprintf(t.fileEndpoint, t.token, file.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := t.download.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", file.Path, redactToken(err, t.token))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: HTTP %d", file.Path, resp.StatusCode)
	}
	return resp.Body, nil
}

// SendMessage delivers msg as plain text, retrying rate limits and
// transient failures with backoff.
func (t *Telegram) SendMessage(ctx context.Context, msg domain.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ConversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid chat ID %q", domain.ErrValidation, msg.ConversationID)
	}

	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		out := tgbotapi.NewMessage(chatID, msg.Body)
		out.DisableWebPagePreview = true

		_, err := withContext(ctx, func() (tgbotapi.Message, error) {
			return t.bot.Send(out)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var backoff time.Duration
		var apiErr *tgbotapi.Error
		switch {
		case errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests:
			backoff = time.Duration(apiErr.RetryAfter) * time.Second
			if backoff <= 0 {
				backoff = time.Duration(attempt+1) * 3 * t.sendBackoff
			}
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", backoff, "attempt", attempt+1,
			)
		case errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500:
			// chat not found, bot blocked, bad request: retrying will not help
			return fmt.Errorf("telegram send: %w", err)
		default:
			backoff = time.Duration(attempt+1) * t.sendBackoff
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		}

		if attempt == telegramMaxSendRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", telegramMaxSendRetries+1, redactToken(lastErr, t.token))
}

func (t *Telegram) WebhookInfo(ctx context.Context) (domain.WebhookInfo, error) {
	info, err := withContext(ctx, t.bot.GetWebhookInfo)
	if err != nil {
		return domain.WebhookInfo{}, fmt.Errorf("get webhook info: %w", err)
	}
	return domain.WebhookInfo{
		URL:                info.URL,
		PendingUpdateCount: info.PendingUpdateCount,
		LastErrorMessage:   info.LastErrorMessage,
		MaxConnections:     info.MaxConnections,
	}, nil
}

// SetWebhook calls setWebhook directly so secret_token can be sent.
func (t *Telegram) SetWebhook(ctx context.Context, spec domain.WebhookSpec) error {
	params := tgbotapi.Params{"url": spec.URL}
	params.AddNonEmpty("secret_token", spec.SecretToken)
	params.AddNonZero("max_connections", spec.MaxConnections)
	params.AddBool("drop_pending_updates", spec.DropPendingUpdates)
	if len(spec.AllowedUpdates) > 0 {
		if err := params.AddInterface("allowed_updates", spec.AllowedUpdates); err != nil {
			return fmt.Errorf("encode allowed updates: %w", err)
		}
	}

	_, err := withContext(ctx, func() (*tgbotapi.APIResponse, error) {
		return t.bot.MakeRequest("setWebhook", params)
	})
	if err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	return nil
}

func (t *Telegram) DeleteWebhook(ctx context.Context, dropPending bool) error {
	_, err := withContext(ctx, func() (*tgbotapi.APIResponse, error) {
		return t.bot.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: dropPending})
	})
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// withContext runs a blocking Bot API call and gives up when ctx ends.
// The tgbotapi client has no context support; the HTTP client timeout bounds
// the abandoned call.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// redactToken strips the bot token from transport errors, which embed the
// full file URL.
func redactToken(err error, token string) error {
	msg := err.Error()
	if token == "" || !strings.Contains(msg, token) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, token, "<token>"))
}
