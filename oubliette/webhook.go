package oubliette

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const webhookPathInteractions = "/discord/interactions"

// newWebhookServer builds the server that receives Discord interaction
// POSTs when webhook delivery is configured instead of the gateway.
// Requests are verified against the application's ed25519 public key;
// pings are answered inline and everything else is routed through the
// same dispatch as gateway interactions.
func newWebhookServer(
	o *Oubliette,
	config DiscordWebhookServerConfig,
) (*http.Server, error) {
	logger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord_webhook")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		discordRequestAuthenticationMiddleware(o.discord.publicKey),
	)

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		tlsCfg, err := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}

	r.POST(webhookPathInteractions, webhookReceiveHandler(o, logger))
	return httpServer, nil
}

// webhookReceiveHandler answers PING interactions directly; everything
// else is acknowledged through the interaction callback endpoint by the
// shared dispatch.
func webhookReceiveHandler(
	o *Oubliette,
	logger *slog.Logger,
) func(c *gin.Context) {
	return func(c *gin.Context) {
		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			ginContextLogger(c).Error("error reading body", tint.Err(err))
			c.JSON(
				http.StatusInternalServerError,
				gin.H{"error": "error reading body"},
			)
			return
		}

		var interaction discordgo.InteractionCreate
		if err = json.Unmarshal(body, &interaction); err != nil {
			ginContextLogger(c).Error("error unmarshalling body", tint.Err(err))
			c.JSON(
				http.StatusBadRequest,
				gin.H{"error": "error unmarshalling body"},
			)
			return
		}

		if interaction.Type == discordgo.InteractionPing {
			c.JSON(
				http.StatusOK, discordgo.InteractionResponse{
					Type: discordgo.InteractionResponsePong,
				},
			)
			return
		}

		ctx := WithLogger(c.Request.Context(), logger)
		o.handleInteraction(
			ctx,
			&interaction,
			discordInteractionReceiveMethodWebhook,
		)
		c.Status(http.StatusAccepted)
	}
}

// discordRequestAuthenticationMiddleware verifies Discord webhook
// request signatures.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(
	publicKey ed25519.PublicKey,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).Warn("invalid signature")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "invalid signature"},
			)
			return
		}
		c.Next()
	}
}

// verifyRequest checks the signature and timestamp headers against the
// request body. The body is restored for downstream handlers.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	var msg bytes.Buffer

	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}

	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	msg.WriteString(timestamp)

	defer func() {
		_ = r.Body.Close()
	}()
	var body bytes.Buffer

	defer func() {
		r.Body = io.NopCloser(&body)
	}()

	_, err = io.Copy(&msg, io.TeeReader(r.Body, &body))
	if err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}
