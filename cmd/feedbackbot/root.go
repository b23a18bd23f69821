package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "FEEDBACK_BOT"
)

func Execute() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedbackbot",
		Short: "Verification-gated Telegram feedback relay",
	}

	cobra.OnInitialize(initConfig)

	cmd.PersistentFlags().String("config", "", "Config file path (optional).")
	_ = viper.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))

	cmd.PersistentFlags().String("log-level", "", "Logging level: debug|info|warn|error (defaults to info; debug if --trace).")
	cmd.PersistentFlags().String("log-format", "text", "Logging format: text|json.")
	cmd.PersistentFlags().Bool("log-add-source", false, "Include source file:line in logs.")
	cmd.PersistentFlags().Bool("trace", false, "Print extra debug info to stderr.")

	_ = viper.BindPFlag("logging.level", cmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", cmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("logging.add_source", cmd.PersistentFlags().Lookup("log-add-source"))
	_ = viper.BindPFlag("trace", cmd.PersistentFlags().Lookup("trace"))

	cmd.PersistentFlags().String("bot-token", "", "Telegram bot token.")
	cmd.PersistentFlags().Int64("operator-id", 0, "Telegram user id of the operator account.")
	cmd.PersistentFlags().String("state-dir", "", "Directory for the key-value state files (defaults to ~/.feedbackbot).")

	_ = viper.BindPFlag("telegram.bot_token", cmd.PersistentFlags().Lookup("bot-token"))
	_ = viper.BindPFlag("telegram.operator_id", cmd.PersistentFlags().Lookup("operator-id"))
	_ = viper.BindPFlag("state.dir", cmd.PersistentFlags().Lookup("state-dir"))

	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.add_source", false)
	viper.SetDefault("trace", false)
	viper.SetDefault("telegram.base_url", "https://api.telegram.org")

	viper.SetDefault("policy.max_attempts", 3)
	viper.SetDefault("policy.ban_days", 7)
	viper.SetDefault("policy.captcha_ttl", 5*time.Minute)
	viper.SetDefault("policy.operand_min", 10)
	viper.SetDefault("policy.operand_max", 40)
	viper.SetDefault("policy.distractor_spread", 10)
	viper.SetDefault("policy.route_tag_ttl", 72*time.Hour)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPollCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	cfgFile := strings.TrimSpace(viper.GetString("config"))
	if cfgFile == "" {
		return
	}

	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
	}
}
