package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/ghzxs/telegram-feedback-bot/bot"
	"github.com/ghzxs/telegram-feedback-bot/challenge"
	"github.com/ghzxs/telegram-feedback-bot/guard"
	"github.com/ghzxs/telegram-feedback-bot/internal/kvstore"
	"github.com/ghzxs/telegram-feedback-bot/internal/telegram"
	"github.com/ghzxs/telegram-feedback-bot/relay"
)

func stateDirFromViper() (string, error) {
	dir := strings.TrimSpace(viper.GetString("state.dir"))
	if dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir for state: %w", err)
	}
	return filepath.Join(home, ".feedbackbot"), nil
}

// buildBot wires the store, gates, captcha engine and router behind one Bot
// from viper configuration.
func buildBot(logger *slog.Logger) (*bot.Bot, *telegram.API, error) {
	token := strings.TrimSpace(viper.GetString("telegram.bot_token"))
	if token == "" {
		return nil, nil, fmt.Errorf("missing telegram.bot_token (set via --bot-token or FEEDBACK_BOT_TELEGRAM_BOT_TOKEN)")
	}
	operatorID := viper.GetInt64("telegram.operator_id")
	if operatorID == 0 {
		return nil, nil, fmt.Errorf("missing telegram.operator_id (set via --operator-id or FEEDBACK_BOT_TELEGRAM_OPERATOR_ID)")
	}

	policy, err := guard.PolicyFromViper()
	if err != nil {
		return nil, nil, err
	}

	stateDir, err := stateDirFromViper()
	if err != nil {
		return nil, nil, err
	}
	store, err := kvstore.NewFileStore(stateDir)
	if err != nil {
		return nil, nil, err
	}

	api := telegram.NewAPI(nil, viper.GetString("telegram.base_url"), token)
	gate := guard.NewGate(store)
	engine := challenge.NewEngine(store, gate, policy)
	spam := guard.NewSpamFilter(policy.SpamKeywords)
	router := relay.NewRouter(api, store, logger, policy.RouteTagTTL)

	return bot.New(operatorID, api, gate, engine, spam, router, policy, logger), api, nil
}
