package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ghzxs/telegram-feedback-bot/bot"
	"github.com/ghzxs/telegram-feedback-bot/internal/logutil"
	"github.com/ghzxs/telegram-feedback-bot/internal/telegram"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive Telegram updates over a webhook",
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

			bind := strings.TrimSpace(viper.GetString("server.bind"))
			if bind == "" {
				bind = "127.0.0.1"
			}
			port := viper.GetInt("server.port")
			if port <= 0 {
				port = 8787
			}
			secret := strings.TrimSpace(viper.GetString("telegram.webhook_secret"))
			publicURL := strings.TrimSpace(viper.GetString("telegram.webhook_url"))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			addr := fmt.Sprintf("%s:%d", bind, port)
			srv := &http.Server{
				Addr:              addr,
				Handler:           newWebhookMux(logger, b, api, secret, publicURL),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("serve_start", "addr", addr, "webhook_secret_set", secret != "")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("serve_stop", "reason", "signal")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if err == http.ErrServerClosed {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().String("server-bind", "127.0.0.1", "Address to bind the webhook server to.")
	cmd.Flags().Int("server-port", 8787, "Port for the webhook server.")
	cmd.Flags().String("webhook-secret", "", "Secret token Telegram echoes in X-Telegram-Bot-Api-Secret-Token.")
	cmd.Flags().String("webhook-url", "", "Public webhook URL registered by /setWebhook (derived from the request host when empty).")

	_ = viper.BindPFlag("server.bind", cmd.Flags().Lookup("server-bind"))
	_ = viper.BindPFlag("server.port", cmd.Flags().Lookup("server-port"))
	_ = viper.BindPFlag("telegram.webhook_secret", cmd.Flags().Lookup("webhook-secret"))
	_ = viper.BindPFlag("telegram.webhook_url", cmd.Flags().Lookup("webhook-url"))

	return cmd
}

func newWebhookMux(logger *slog.Logger, b *bot.Bot, api *telegram.API, secret, publicURL string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook", func(w http.ResponseWriter, r *http.Request) {
		if secret != "" {
			got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				logger.Warn("webhook_secret_mismatch", "remote", r.RemoteAddr)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}
		var update telegram.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			logger.Warn("webhook_decode_error", "error", err.Error())
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := b.HandleUpdate(r.Context(), &update); err != nil {
			logger.Error("webhook_update_error", "update_id", update.UpdateID, "error", err.Error())
			http.Error(w, "error", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("GET /setWebhook", func(w http.ResponseWriter, r *http.Request) {
		url := publicURL
		if url == "" {
			scheme := r.Header.Get("X-Forwarded-Proto")
			if scheme == "" {
				scheme = "https"
			}
			url = scheme + "://" + r.Host + "/webhook"
		}
		logger.Info("webhook_register", "url", url)
		if err := api.SetWebhook(r.Context(), url, secret, true); err != nil {
			writeJSONError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true, "url": url})
	})

	mux.HandleFunc("GET /getWebhookInfo", func(w http.ResponseWriter, r *http.Request) {
		info, err := api.GetWebhookInfo(r.Context())
		if err != nil {
			writeJSONError(w, err)
			return
		}
		writeJSON(w, info)
	})

	mux.HandleFunc("GET /deleteWebhook", func(w http.ResponseWriter, r *http.Request) {
		if err := api.DeleteWebhook(r.Context()); err != nil {
			writeJSONError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})

	mux.HandleFunc("GET /getMe", func(w http.ResponseWriter, r *http.Request) {
		me, err := api.GetMe(r.Context())
		if err != nil {
			writeJSONError(w, err)
			return
		}
		writeJSON(w, me)
	})

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Telegram feedback bot is running\n\nAvailable endpoints:\n- POST /webhook\n- GET /setWebhook\n- GET /getWebhookInfo\n- GET /deleteWebhook\n- GET /getMe\n"))
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": err.Error()})
}
