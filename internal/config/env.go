package config

import (
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables on cfg. Unset or empty variables
// leave the current value alone. BASE_URL wins over RENDER_EXTERNAL_URL.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	var errs []string
	setInt := func(key string, dst *int) {
		v, ok := get(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not an integer", key, v))
			return
		}
		*dst = n
	}

	if v, ok := get("BOT_TOKEN"); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get("RENDER_EXTERNAL_URL"); ok {
		cfg.Server.BaseURL = v
	}
	if v, ok := get("BASE_URL"); ok {
		cfg.Server.BaseURL = v
	}
	setInt("PORT", &cfg.Server.Port)
	if v, ok := get("WEBHOOK_PATH"); ok {
		cfg.Telegram.WebhookPath = v
	}
	if v, ok := get("WEBHOOK_SECRET"); ok {
		cfg.Telegram.SecretToken = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v, ok := get("LOG_FORMAT"); ok {
		cfg.Log.Format = strings.ToLower(v)
	}
	if v, ok := get("OCR_ENGINE"); ok {
		cfg.OCR.Engine = strings.ToLower(v)
	}
	if v, ok := get("OCR_LANGUAGES"); ok {
		cfg.OCR.Languages = splitList(v)
	}
	setInt("OCR_WORKERS", &cfg.OCR.Workers)
	setInt("MAX_IMAGE_BYTES", &cfg.Fetch.MaxImageBytes)
	if v, ok := get("DB_PATH"); ok {
		cfg.Store.DBPath = v
	}
	if v, ok := get("AMQP_URL"); ok {
		cfg.Events.URL = v
		cfg.Events.Enabled = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("environment errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// splitList accepts "eng+deu", "eng,deu" or "eng deu".
func splitList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == '+' || r == ' '
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
