package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"ocrbot/internal/config"
	"ocrbot/internal/events"
	"ocrbot/internal/ocr"
	"ocrbot/internal/store"

	"github.com/spf13/cobra"
)

const doctorTimeout = 10 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("ocrbot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed, failed, warned := 0, 0, 0

			// 1. Config file
			cfgPath := resolveConfigPath()
			if cfgPath == "" {
				printWarn("Config file", "none found, using defaults and environment")
				warned++
			} else if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			// 2. Load and validate
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config", err.Error())
				failed++
				return summarize(passed, warned, failed)
			}
			printPass("Config", "valid")
			passed++

			ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
			defer cancel()

			// 3. Bot token
			if cfg.Telegram.Token == "" {
				printFail("Bot token", "not set (BOT_TOKEN)")
				failed++
			} else if tg, err := newTelegram(cfg); err != nil {
				printFail("Bot token", err.Error())
				failed++
			} else {
				printPass("Bot token", "@"+tg.Username())
				passed++

				// 4. Webhook registration
				cb, cbErr := newRegistration(cfg, tg).CallbackURL()
				info, infoErr := tg.WebhookInfo(ctx)
				switch {
				case cbErr != nil:
					printFail("Base URL", cbErr.Error())
					failed++
				case infoErr != nil:
					printWarn("Webhook", infoErr.Error())
					warned++
				case info.URL != cb:
					printWarn("Webhook", fmt.Sprintf("registered %q, expected %q (run ocrbot register)", info.URL, cb))
					warned++
				case info.LastErrorMessage != "":
					printWarn("Webhook", "last delivery error: "+info.LastErrorMessage)
					warned++
				default:
					printPass("Webhook", fmt.Sprintf("%s (%d pending)", cb, info.PendingUpdateCount))
					passed++
				}
			}
			if cfg.Telegram.Token == "" {
				if err := config.RequireBaseURL(cfg); err != nil {
					printFail("Base URL", err.Error())
					failed++
				} else {
					printPass("Base URL", cfg.Server.BaseURL+cfg.Telegram.WebhookPath)
					passed++
				}
			}
			if cfg.Telegram.SecretToken == "" {
				printWarn("Webhook secret", "not set (WEBHOOK_SECRET); requests are not authenticated")
				warned++
			}

			// 5. OCR engine
			if detail, err := checkEngine(ctx, cfg); err != nil {
				printFail("OCR engine", err.Error())
				failed++
			} else {
				printPass("OCR engine", detail)
				passed++
			}

			// 6. Database
			if !cfg.Store.Enabled {
				printWarn("Database", "disabled, dedup is in-memory only")
				warned++
			} else if err := checkDatabase(ctx, cfg.Store.DBPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", cfg.Store.DBPath)
				passed++
			}

			// 7. Broker
			if cfg.Events.Enabled {
				if err := checkBroker(cfg); err != nil {
					printFail("Broker", err.Error())
					failed++
				} else {
					printPass("Broker", cfg.Events.Exchange)
					passed++
				}
			}

			// 8. Port
			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				printWarn("Port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
				warned++
			} else {
				printPass("Port", fmt.Sprintf(":%d available", cfg.Server.Port))
				passed++
			}

			return summarize(passed, warned, failed)
		},
	}
}

func summarize(passed, warned, failed int) error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
	if failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running ocrbot serve.\n")
		return fmt.Errorf("%d check(s) failed", failed)
	}
	if warned > 0 {
		fmt.Printf("\nocrbot should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! ocrbot is ready to serve.\n")
	}
	return nil
}

func checkEngine(ctx context.Context, cfg *config.Config) (string, error) {
	engine, err := newEngine(cfg)
	if err != nil {
		return "", err
	}
	v, ok := engine.(ocr.Versioner)
	if !ok {
		return engine.Name(), nil
	}
	ver, err := v.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (%s, lang %v)", engine.Name(), ver, cfg.OCR.Languages), nil
}

func checkDatabase(ctx context.Context, dbPath string) error {
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.Recent(ctx, 1); err != nil {
		return fmt.Errorf("cannot query: %w", err)
	}
	return nil
}

func checkBroker(cfg *config.Config) error {
	pub, err := events.NewAMQPPublisher(events.Config{
		URL:         cfg.Events.URL,
		Exchange:    cfg.Events.Exchange,
		RoutingKey:  cfg.Events.RoutingKey,
		DialTimeout: seconds(cfg.Events.ConnTimeoutSeconds),
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	return pub.Close()
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
