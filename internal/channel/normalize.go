package channel

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ocrbot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var imageExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".gif":  "image/gif",
}

// NormalizeUpdate converts a Telegram update into an InboundEvent. Updates
// without an image yield an event with a nil Image. A message that has no
// usable chat fails with domain.ErrValidation.
func NormalizeUpdate(update tgbotapi.Update, now time.Time) (domain.InboundEvent, error) {
	evt := domain.InboundEvent{UpdateID: update.UpdateID, ReceivedAt: now}

	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil {
		return evt, nil
	}

	if msg.Chat == nil || msg.Chat.ID == 0 {
		return evt, fmt.Errorf("%w: update %d has no chat id", domain.ErrValidation, update.UpdateID)
	}
	evt.ConversationID = strconv.FormatInt(msg.Chat.ID, 10)
	if msg.From != nil {
		evt.SenderID = strconv.FormatInt(msg.From.ID, 10)
	}
	if msg.Date > 0 {
		evt.ReceivedAt = time.Unix(int64(msg.Date), 0).UTC()
	}

	switch {
	case len(msg.Photo) > 0:
		evt.Image = largestPhoto(msg.Photo)
	case msg.Document != nil:
		evt.Image = imageDocument(msg.Document)
	}
	return evt, nil
}

// largestPhoto picks the highest-resolution size. Ties go to the larger
// file; with no metadata at all the first entry wins.
func largestPhoto(sizes []tgbotapi.PhotoSize) *domain.ImageRef {
	best := 0
	for i := 1; i < len(sizes); i++ {
		a, b := sizes[i], sizes[best]
		areaA, areaB := a.Width*a.Height, b.Width*b.Height
		if areaA > areaB || (areaA == areaB && a.FileSize > b.FileSize) {
			best = i
		}
	}
	p := sizes[best]
	if p.FileID == "" {
		return nil
	}
	return &domain.ImageRef{
		FileID:       p.FileID,
		FileUniqueID: p.FileUniqueID,
		MimeHint:     "image/jpeg", // Telegram re-encodes photos as JPEG
		SizeHint:     p.FileSize,
		Width:        p.Width,
		Height:       p.Height,
	}
}

// imageDocument accepts documents that are images by MIME type, or by file
// extension when the MIME type is missing.
func imageDocument(doc *tgbotapi.Document) *domain.ImageRef {
	if doc.FileID == "" {
		return nil
	}
	mime := strings.ToLower(strings.TrimSpace(doc.MimeType))
	switch {
	case strings.HasPrefix(mime, "image/"):
	case mime == "" || mime == "application/octet-stream":
		byExt, ok := imageExtensions[strings.ToLower(filepath.Ext(doc.FileName))]
		if !ok {
			return nil
		}
		mime = byExt
	default:
		return nil
	}
	return &domain.ImageRef{
		FileID:       doc.FileID,
		FileUniqueID: doc.FileUniqueID,
		MimeHint:     mime,
		SizeHint:     doc.FileSize,
	}
}
