package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcmoss/oubliette/oubliette"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = oubliette.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "oubliette [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", oubliette.DefaultDatabase)
	viper.SetDefault("database_type", oubliette.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		oubliette.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		oubliette.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", oubliette.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", oubliette.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", oubliette.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", oubliette.DefaultShutdownTimeout)

	// Quarantine workflow
	viper.SetDefault(
		"quarantine.appeal_cooldown",
		oubliette.DefaultAppealCooldown,
	)
	viper.SetDefault(
		"quarantine.appeal_review_timeout",
		oubliette.DefaultAppealReviewTimeout,
	)
	viper.SetDefault(
		"quarantine.appeal_min_length",
		oubliette.DefaultAppealMinLength,
	)
	viper.SetDefault(
		"quarantine.appeal_max_length",
		oubliette.DefaultAppealMaxLength,
	)
	viper.SetDefault(
		"quarantine.reason_max_length",
		oubliette.DefaultReasonMaxLength,
	)
	viper.SetDefault(
		"quarantine.case_sweep_interval",
		oubliette.DefaultCaseSweepInterval,
	)
	viper.SetDefault(
		"quarantine.appeal_sweep_interval",
		oubliette.DefaultAppealSweepInterval,
	)
	viper.SetDefault(
		"quarantine.retention_sweep_interval",
		oubliette.DefaultRetentionSweepInterval,
	)
	viper.SetDefault(
		"quarantine.jail_message_retention",
		oubliette.DefaultJailMessageRetention,
	)
	viper.SetDefault(
		"quarantine.notice_delete_delay",
		oubliette.DefaultNoticeDeleteDelay,
	)
	viper.SetDefault(
		"quarantine.mention_warning_delay",
		oubliette.DefaultMentionWarningDelay,
	)
	viper.SetDefault(
		"quarantine.overwrite_max_attempts",
		oubliette.DefaultOverwriteMaxAttempts,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.alert_webhook_id", "")
	viper.SetDefault("discord.alert_webhook_token", "")
	viper.SetDefault(
		"discord.log_level",
		oubliette.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		oubliette.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		oubliette.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.startup_message",
		oubliette.DefaultDiscordStartupMessage,
	)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		oubliette.DefaultWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault(
		"discord.webhook_server.read_timeout",
		oubliette.DefaultReadTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		oubliette.DefaultReadHeaderTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.write_timeout",
		oubliette.DefaultWriteTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.idle_timeout",
		oubliette.DefaultIdleTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		oubliette.DefaultWebhookLogLevel.String(),
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Discord: Webhook server: SSL

	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.tls_min_version"))

	// API config
	viper.SetDefault("api.listen", oubliette.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")

	viper.SetDefault("api.read_timeout", oubliette.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		oubliette.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", oubliette.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", oubliette.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		oubliette.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		oubliette.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		oubliette.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", oubliette.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		oubliette.DefaultCORSAllowCredentials,
	)

	envPrefix := os.Getenv(oubliette.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = oubliette.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"discord.webhook_server.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
