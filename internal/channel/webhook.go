package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"ocrbot/internal/domain"
	"ocrbot/internal/metrics"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	// SecretTokenHeader carries the secret_token given to setWebhook.
	SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

	maxWebhookBody = 1 << 20
)

// UpdateMarker records which updates were already accepted so platform
// redeliveries do not start a second pipeline run.
type UpdateMarker interface {
	MarkUpdate(ctx context.Context, updateID int, conversationID string) (bool, error)
	ForgetUpdate(ctx context.Context, updateID int) error
}

// WebhookConfig configures the webhook endpoint.
type WebhookConfig struct {
	Path        string
	SecretToken string // empty disables header verification
	Queue       domain.EventQueue
	Marker      UpdateMarker // optional
	Logger      *slog.Logger
	Now         func() time.Time
}

// Webhook accepts Telegram update callbacks and hands image events to the
// pipeline queue. It acknowledges before any OCR work happens.
type Webhook struct {
	path   string
	secret string
	queue  domain.EventQueue
	marker UpdateMarker
	logger *slog.Logger
	now    func() time.Time
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/webhook/telegram"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Webhook{
		path:   cfg.Path,
		secret: cfg.SecretToken,
		queue:  cfg.Queue,
		marker: cfg.Marker,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
}

// Path returns the route the webhook is mounted on.
func (w *Webhook) Path() string { return w.path }

// Register mounts the webhook on mux.
func (w *Webhook) Register(mux *http.ServeMux) {
	mux.HandleFunc(w.path, w.handleWebhook)
}

func (w *Webhook) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if w.secret != "" {
		got := r.Header.Get(SecretTokenHeader)
		if got == "" {
			http.Error(rw, "Missing secret token", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(w.secret)) != 1 {
			w.logger.Warn("webhook secret mismatch", "remote", r.RemoteAddr)
			http.Error(rw, "Invalid secret token", http.StatusForbidden)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	defer r.Body.Close()
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		metrics.UpdatesTotal.WithLabelValues(metrics.OutcomeMalformed).Inc()
		w.logger.Warn("webhook invalid json", "err", err, "body_len", len(body))
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}

	evt, err := NormalizeUpdate(update, w.now())
	if err != nil {
		metrics.UpdatesTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		w.logger.Warn("update rejected", "update_id", update.UpdateID, "err", err)
		rw.WriteHeader(http.StatusOK)
		return
	}
	if !evt.HasImage() {
		metrics.UpdatesTotal.WithLabelValues(metrics.OutcomeIgnored).Inc()
		w.logger.Debug("non-image update ignored", "update_id", evt.UpdateID, "chat_id", evt.ConversationID)
		rw.WriteHeader(http.StatusOK)
		return
	}

	ctx := r.Context()
	marked := false
	if w.marker != nil && evt.UpdateID != 0 {
		fresh, err := w.marker.MarkUpdate(ctx, evt.UpdateID, evt.ConversationID)
		switch {
		case err != nil:
			w.logger.Warn("dedup check failed, processing anyway", "update_id", evt.UpdateID, "err", err)
		case !fresh:
			metrics.UpdatesTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
			w.logger.Info("duplicate update ignored", "update_id", evt.UpdateID, "chat_id", evt.ConversationID)
			rw.WriteHeader(http.StatusOK)
			return
		default:
			marked = true
		}
	}

	if err := w.queue.Publish(ctx, evt); err != nil {
		metrics.UpdatesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		if marked {
			// let the platform's redelivery through
			if ferr := w.marker.ForgetUpdate(context.WithoutCancel(ctx), evt.UpdateID); ferr != nil {
				w.logger.Warn("forget update failed", "update_id", evt.UpdateID, "err", ferr)
			}
		}
		w.logger.Error("image update not accepted", "update_id", evt.UpdateID, "chat_id", evt.ConversationID, "err", err)
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.Canceled) {
			status = http.StatusRequestTimeout
		}
		http.Error(rw, "Busy", status)
		return
	}

	metrics.UpdatesTotal.WithLabelValues(metrics.OutcomeAccepted).Inc()
	w.logger.Info("image update accepted",
		"update_id", evt.UpdateID,
		"chat_id", evt.ConversationID,
		"size_hint", evt.Image.SizeHint,
	)
	rw.WriteHeader(http.StatusOK)
}
