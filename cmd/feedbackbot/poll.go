package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ghzxs/telegram-feedback-bot/internal/logutil"
	"github.com/ghzxs/telegram-feedback-bot/internal/telegram"
)

func newPollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Receive Telegram updates via long polling (no public endpoint needed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			b, api, err := buildBot(logger)
			if err != nil {
				return err
			}

			pollTimeout := viper.GetDuration("poll.timeout")
			if pollTimeout <= 0 {
				pollTimeout = 30 * time.Second
			}
			maxConc := viper.GetInt("poll.max_concurrency")
			if maxConc <= 0 {
				maxConc = 4
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Polling only works without a registered webhook.
			if err := api.DeleteWebhook(ctx); err != nil {
				logger.Warn("poll_delete_webhook_error", "error", err.Error())
			}

			var me *telegram.User
			for {
				me, err = api.GetMe(ctx)
				if err == nil {
					break
				}
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					logger.Info("poll_stop", "reason", "context_canceled")
					return nil
				}
				logger.Warn("poll_get_me_error", "error", err.Error())
				select {
				case <-ctx.Done():
					logger.Info("poll_stop", "reason", "context_canceled")
					return nil
				case <-time.After(2 * time.Second):
				}
			}

			logger.Info("poll_start",
				"bot_username", me.Username,
				"bot_id", me.ID,
				"poll_timeout", pollTimeout.String(),
				"max_concurrency", maxConc,
			)

			sem := make(chan struct{}, maxConc)
			var offset int64
			for {
				updates, nextOffset, err := api.GetUpdates(ctx, offset, pollTimeout)
				if err != nil {
					if errors.Is(err, context.Canceled) || ctx.Err() != nil {
						logger.Info("poll_stop", "reason", "context_canceled")
						return nil
					}
					if telegram.IsPollTimeout(err) {
						logger.Debug("poll_get_updates_timeout", "error", err.Error())
					} else {
						logger.Warn("poll_get_updates_error", "error", err.Error())
					}
					time.Sleep(1 * time.Second)
					continue
				}
				offset = nextOffset

				for i := range updates {
					update := updates[i]
					select {
					case sem <- struct{}{}:
					case <-ctx.Done():
						logger.Info("poll_stop", "reason", "context_canceled")
						return nil
					}
					go func() {
						defer func() { <-sem }()
						if err := b.HandleUpdate(ctx, &update); err != nil {
							logger.Error("poll_update_error", "update_id", update.UpdateID, "error", err.Error())
						}
					}()
				}
			}
		},
	}

	cmd.Flags().Duration("poll-timeout", 30*time.Second, "Long-poll timeout for getUpdates.")
	cmd.Flags().Int("poll-max-concurrency", 4, "Maximum updates handled concurrently.")

	_ = viper.BindPFlag("poll.timeout", cmd.Flags().Lookup("poll-timeout"))
	_ = viper.BindPFlag("poll.max_concurrency", cmd.Flags().Lookup("poll-max-concurrency"))

	return cmd
}
