package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"ocrbot/internal/domain"
	"ocrbot/internal/reply"
	"ocrbot/internal/store"

	"github.com/spf13/cobra"
)

func ocrCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "ocr [file]",
		Short: "Run OCR on a local image and print the reply the bot would send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := newOCRPool(cfg)
			if err != nil {
				return err
			}

			blob, err := readImage(args[0], cfg.Fetch.MaxImageBytes)
			var res *domain.OCRResult
			if err == nil {
				ctx, cancel := context.WithTimeout(cmd.Context(), seconds(cfg.Pipeline.TaskTimeoutSeconds))
				defer cancel()
				start := time.Now()
				r, recErr := pool.Recognize(ctx, blob)
				err = recErr
				if err == nil {
					res = &r
				}
				logger.Debug("ocr finished", "engine", pool.EngineName(), "duration", time.Since(start), "err", err)
			}

			if raw {
				if err != nil {
					return err
				}
				fmt.Println(res.Text)
				return nil
			}
			out := reply.NewComposer(cfg.Telegram.MaxMessageLength).Compose("local", res, err)
			if err != nil {
				logger.Warn("ocr failed", "file", args[0], "err", err)
			}
			fmt.Println(out.Body)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the engine text without the reply policy")
	return cmd
}

func readImage(path string, maxBytes int) (domain.ImageBlob, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.ImageBlob{}, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	if info.Size() > int64(maxBytes) {
		return domain.ImageBlob{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", domain.ErrPayloadTooLarge, info.Size(), maxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ImageBlob{}, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	return domain.ImageBlob{Bytes: data, MimeHint: http.DetectContentType(data)}, nil
}

func historyCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent pipeline runs from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Store.Enabled {
				return fmt.Errorf("store is disabled (store.enabled=false)")
			}
			st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(records)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tCHAT\tKIND\tCHARS\tENGINE\tMS\tDELIVERED\tERROR")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%t\t%s\n",
					r.CreatedAt.Local().Format(time.DateTime), r.ConversationID, r.Kind,
					r.TextLen, r.Engine, r.DurationMs, r.Delivered, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}
