package main

import (
	"context"
	"fmt"
	"time"

	"ocrbot/internal/config"

	"github.com/spf13/cobra"
)

const registrationTimeout = 30 * time.Second

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Point the Telegram webhook at this service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.RequireServe(cfg); err != nil {
				return err
			}
			tg, err := newTelegram(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), registrationTimeout)
			defer cancel()

			callback, err := newRegistration(cfg, tg).Register(ctx)
			if err != nil {
				return err
			}
			fmt.Println(callback)
			return nil
		},
	}
}

func unregisterCmd() *cobra.Command {
	var dropPending bool
	cmd := &cobra.Command{
		Use:   "unregister",
		Short: "Remove the Telegram webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tg, err := newTelegram(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), registrationTimeout)
			defer cancel()
			return newRegistration(cfg, tg).Unregister(ctx, dropPending)
		},
	}
	cmd.Flags().BoolVar(&dropPending, "drop-pending", false, "discard updates Telegram has queued for the webhook")
	return cmd
}

func webhookInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "webhook-info",
		Short: "Show the webhook Telegram currently has registered",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tg, err := newTelegram(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), registrationTimeout)
			defer cancel()

			info, err := newRegistration(cfg, tg).Info(ctx)
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
}
