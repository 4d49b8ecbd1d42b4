package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arcmoss/oubliette/oubliette"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

OB_DATABASE=/home/foo/oubliette.sqlite3
OB_DATABASE_TYPE=sqlite
OB_DATABASE_LOG_LEVEL=INFO
OB_DATABASE_SLOW_THRESHOLD=200ms
OB_LOG_LEVEL=INFO
OB_STARTUP_TIMEOUT=30s
OB_SHUTDOWN_TIMEOUT=60s

# Quarantine workflow

OB_QUARANTINE_APPEAL_COOLDOWN=24h
OB_QUARANTINE_APPEAL_REVIEW_TIMEOUT=168h
OB_QUARANTINE_APPEAL_MIN_LENGTH=50
OB_QUARANTINE_APPEAL_MAX_LENGTH=1000
OB_QUARANTINE_REASON_MAX_LENGTH=2000
OB_QUARANTINE_CASE_SWEEP_INTERVAL=20s
OB_QUARANTINE_APPEAL_SWEEP_INTERVAL=6h
OB_QUARANTINE_RETENTION_SWEEP_INTERVAL=1h
OB_QUARANTINE_JAIL_MESSAGE_RETENTION=168h
OB_QUARANTINE_NOTICE_DELETE_DELAY=10m
OB_QUARANTINE_MENTION_WARNING_DELAY=12s
OB_QUARANTINE_OVERWRITE_MAX_ATTEMPTS=3

# Discord bot config

OB_DISCORD_TOKEN=your-discord-bot-token
OB_DISCORD_APPLICATION_ID=your-discord-bot-app-id
OB_DISCORD_GUILD_ID=
OB_DISCORD_ALERT_WEBHOOK_ID=alert-hook-id
OB_DISCORD_ALERT_WEBHOOK_TOKEN=alert-hook-token
OB_DISCORD_LOG_LEVEL=WARN
OB_DISCORD_DISCORDGO_LOG_LEVEL=WARN
OB_DISCORD_STARTUP_MESSAGE="Moderation online."
OB_DISCORD_GATEWAY_INTENTS=3243773

# Discord webhook server

OB_DISCORD_WEBHOOK_SERVER_ENABLED=false
OB_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5001
OB_DISCORD_WEBHOOK_SERVER_SSL_CERT=/etc/ssl/cert.pem
OB_DISCORD_WEBHOOK_SERVER_SSL_KEY=/etc/ssl/cert.key
OB_DISCORD_WEBHOOK_SERVER_SSL_TLS_MIN_VERSION=771
OB_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=INFO
OB_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
OB_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=5s
OB_DISCORD_WEBHOOK_SERVER_READ_HEADER_TIMEOUT=5s
OB_DISCORD_WEBHOOK_SERVER_WRITE_TIMEOUT=10s
OB_DISCORD_WEBHOOK_SERVER_IDLE_TIMEOUT=30s

# API server

OB_API_LISTEN=127.0.0.1:5000
OB_API_SSL_CERT=/etc/ssl/cert.pem
OB_API_SSL_KEY=/etc/ssl/key.pem
OB_API_SSL_TLS_MIN_VERSION=771
OB_API_SECRET=your-api-secret
OB_API_LOG_LEVEL=DEBUG
OB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
OB_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
OB_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control X-CSRF-Token X-Request-ID
OB_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length Accept-Encoding X-Request-ID Location ETag Authorization Last-Modified
OB_API_CORS_ALLOW_CREDENTIALS=true
OB_API_CORS_MAX_AGE=12h
OB_API_READ_TIMEOUT=5s
OB_API_READ_HEADER_TIMEOUT=5s
OB_API_WRITE_TIMEOUT=10s
OB_API_IDLE_TIMEOUT=30s
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/oubliette.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/oubliette.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, 24*time.Hour, viper.GetDuration("quarantine.appeal_cooldown"))
	assert.Equal(t, 168*time.Hour, viper.GetDuration("quarantine.appeal_review_timeout"))
	assert.Equal(t, 50, viper.GetInt("quarantine.appeal_min_length"))
	assert.Equal(t, 1000, viper.GetInt("quarantine.appeal_max_length"))
	assert.Equal(t, 2000, viper.GetInt("quarantine.reason_max_length"))
	assert.Equal(t, 20*time.Second, viper.GetDuration("quarantine.case_sweep_interval"))
	assert.Equal(t, 6*time.Hour, viper.GetDuration("quarantine.appeal_sweep_interval"))
	assert.Equal(t, time.Hour, viper.GetDuration("quarantine.retention_sweep_interval"))
	assert.Equal(t, 168*time.Hour, viper.GetDuration("quarantine.jail_message_retention"))
	assert.Equal(t, 10*time.Minute, viper.GetDuration("quarantine.notice_delete_delay"))
	assert.Equal(t, 12*time.Second, viper.GetDuration("quarantine.mention_warning_delay"))
	assert.Equal(t, 3, viper.GetInt("quarantine.overwrite_max_attempts"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))
	assert.Equal(t, "alert-hook-id", viper.GetString("discord.alert_webhook_id"))
	assert.Equal(t, "alert-hook-token", viper.GetString("discord.alert_webhook_token"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "Moderation online.", viper.GetString("discord.startup_message"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.False(t, viper.GetBool("discord.webhook_server.enabled"))
	assert.Equal(t, "127.0.0.1:5001", viper.GetString("discord.webhook_server.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("discord.webhook_server.ssl.cert"))
	assert.Equal(t, "/etc/ssl/cert.key", viper.GetString("discord.webhook_server.ssl.key"))
	assert.Equal(t, 771, viper.GetInt("discord.webhook_server.ssl.tls_min_version"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("discord.webhook_server.log_level"))

	assert.Equal(
		t,
		"your_discord_public_key_here",
		viper.GetString("discord.webhook_server.public_key"),
	)
	assert.Equal(t, 5*time.Second, viper.GetDuration("discord.webhook_server.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("discord.webhook_server.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("discord.webhook_server.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("discord.webhook_server.idle_timeout"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("api.ssl.cert"))
	assert.Equal(t, "/etc/ssl/key.pem", viper.GetString("api.ssl.key"))
	assert.Equal(t, 771, viper.GetInt("api.ssl.tls_min_version"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	assert.Equal(
		t,
		[]string{
			"Content-Type",
			"Content-Length",
			"Accept-Encoding",
			"X-Request-ID",
			"Location",
			"ETag",
			"Authorization",
			"Last-Modified",
		},
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))

	// Unmarshal the configuration into an oubliette.Config struct
	var config oubliette.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/oubliette.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, 24*time.Hour, config.Quarantine.AppealCooldown)
	assert.Equal(t, 168*time.Hour, config.Quarantine.AppealReviewTimeout)
	assert.Equal(t, 50, config.Quarantine.AppealMinLength)
	assert.Equal(t, 1000, config.Quarantine.AppealMaxLength)
	assert.Equal(t, 2000, config.Quarantine.ReasonMaxLength)
	assert.Equal(t, 20*time.Second, config.Quarantine.CaseSweepInterval)
	assert.Equal(t, 6*time.Hour, config.Quarantine.AppealSweepInterval)
	assert.Equal(t, time.Hour, config.Quarantine.RetentionSweepInterval)
	assert.Equal(t, 168*time.Hour, config.Quarantine.JailMessageRetention)
	assert.Equal(t, 10*time.Minute, config.Quarantine.NoticeDeleteDelay)
	assert.Equal(t, 12*time.Second, config.Quarantine.MentionWarningDelay)
	assert.Equal(t, 3, config.Quarantine.OverwriteMaxAttempts)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, "alert-hook-id", config.Discord.AlertWebhookID)
	assert.Equal(t, "alert-hook-token", config.Discord.AlertWebhookToken)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "Moderation online.", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.False(t, config.Discord.WebhookServer.Enabled)
	assert.Equal(t, "127.0.0.1:5001", config.Discord.WebhookServer.Listen)

	assert.Equal(t, "/etc/ssl/cert.pem", config.Discord.WebhookServer.SSL.Cert)
	assert.Equal(t, "/etc/ssl/cert.key", config.Discord.WebhookServer.SSL.Key)
	assert.Equal(t, uint16(771), config.Discord.WebhookServer.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelInfo, config.Discord.WebhookServer.LogLevel.Level())
	assert.Equal(t, "your_discord_public_key_here", config.Discord.WebhookServer.PublicKey)
	assert.Equal(t, 5*time.Second, config.Discord.WebhookServer.ReadTimeout)
	assert.Equal(t, 5*time.Second, config.Discord.WebhookServer.ReadHeaderTimeout)
	assert.Equal(t, 10*time.Second, config.Discord.WebhookServer.WriteTimeout)
	assert.Equal(t, 30*time.Second, config.Discord.WebhookServer.IdleTimeout)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		config.API.CORS.AllowHeaders,
	)
}
