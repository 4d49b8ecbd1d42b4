package oubliette

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Set at build time.
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

var defaultLogWriter = os.Stdout

// Oubliette is the moderation bot: a durable case ledger, the appeal
// workflow around it, and the Discord surfaces that drive both.
type Oubliette struct {
	config *Config

	db      *gorm.DB
	writeDB DBI

	dbNotifier DBNotifier

	discord    *Discord
	enforcer   *Enforcer
	dispatcher *Dispatcher

	api           *http.Server
	webhookServer *http.Server

	logHandler slog.Handler
	logger     *slog.Logger

	// signalStop requests a graceful shutdown, either from a notifier
	// or a signal handler.
	signalStop chan struct{}

	// triggerGuildSettingsRefreshCh carries guild IDs whose cached
	// settings should be reloaded.
	triggerGuildSettingsRefreshCh chan string

	wg sync.WaitGroup
}

func New(config *Config) (*Oubliette, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Quarantine == nil {
		config.Quarantine = DefaultQuarantineConfig()
	}

	o := &Oubliette{
		config:                        config,
		signalStop:                    make(chan struct{}, 1),
		triggerGuildSettingsRefreshCh: make(chan string, 1),
	}

	o.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     o.config.LogLevel,
			AddSource: true,
		},
	)
	o.logger = slog.New(o.logHandler)
	slog.SetDefault(o.logger)

	o.config.Discord.httpClient = o.config.HTTPClient

	disc, err := newDiscord(o.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     o.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     o.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	o.discord = disc
	disc.o = o

	api, err := newAPI(o, config.API)
	errs = append(errs, err)
	o.api = api

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(o, config.Discord.WebhookServer)
		errs = append(errs, e)
		o.webhookServer = webhookServer
	}

	return o, errors.Join(errs...)
}

func (o *Oubliette) ValidateConfig() error {
	return structValidator.Struct(o.config)
}

// Run starts the bot and blocks until ctx is canceled or a stop signal
// arrives, then shuts down within Config.ShutdownTimeout.
func (o *Oubliette) Run(ctx context.Context) error {
	startCtx, startCancel := context.WithTimeout(ctx, o.config.StartupTimeout)
	defer startCancel()

	if err := o.ValidateConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := o.initDB(startCtx); err != nil {
		return err
	}

	notifier, err := newDBNotifier(o)
	if err != nil {
		return err
	}
	o.dbNotifier = notifier

	session, err := o.discord.newSession()
	if err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}
	o.discord.session = session

	o.enforcer = newEnforcer(
		o.discord.session,
		o.config.Quarantine,
		o.logger.With(loggerNameKey, "enforcer"),
	)
	o.dispatcher = newDispatcher(
		o.discord.session,
		o.writeDB,
		o.config.Quarantine,
		o.config.Discord,
		o.logger,
	)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	if err = o.initDiscordSession(startCtx); err != nil {
		return err
	}
	defer func() {
		if closeErr := o.discord.session.Close(); closeErr != nil {
			o.logger.Error("error closing discord session", tint.Err(closeErr))
		}
	}()

	o.startListeners(runCtx)
	o.runSweeps(runCtx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.watchGuildSettingsRefresh(runCtx)
	}()

	o.startAPIServer(runCtx)
	if o.webhookServer != nil {
		o.startWebhookServer(runCtx)
	}

	o.logger.Info(
		"started",
		"version", Version,
		"database_type", o.config.DatabaseType,
	)

	select {
	case <-ctx.Done():
		o.logger.Warn("context canceled, shutting down")
	case <-o.signalStop:
		o.logger.Warn("received stop signal, shutting down")
	}
	runCancel()
	return o.shutdown()
}

// Stop requests a graceful shutdown.
func (o *Oubliette) Stop(ctx context.Context) bool {
	if o.dbNotifier != nil && o.config.DatabaseType == dbTypePostgres {
		return o.dbNotifier.Stop(ctx)
	}
	select {
	case o.signalStop <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Oubliette) initDB(ctx context.Context) error {
	db, err := CreateDB(ctx, o.config.DatabaseType, o.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	db.Logger = newGORMLogger(
		newLogHandler(o.config.DatabaseLogLevel),
		o.config.DatabaseSlowThreshold,
	)
	o.db = db
	o.writeDB = NewDatabase(
		db,
		o.logger.With(loggerNameKey, "database"),
		o.config.DatabaseType != dbTypeSQLite,
	)
	o.writeDB.LoadGuildSettings()
	return nil
}

func (o *Oubliette) initDiscordSession(ctx context.Context) error {
	o.discord.discordgoRemoveHandlerFuncs = append(
		o.discord.discordgoRemoveHandlerFuncs,
		o.discord.session.AddHandler(o.discord.handlerReady()),
		o.discord.session.AddHandler(o.discord.handlerConnect()),
		o.discord.session.AddHandler(o.discord.handlerDisconnect()),
		o.discord.session.AddHandler(o.handlerInteractionCreate()),
		o.discord.session.AddHandler(o.handlerMessageCreate()),
	)

	if err := o.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	commands, err := o.discord.registerCommands()
	if err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	names := make([]string, 0, len(commands))
	for _, command := range commands {
		names = append(names, command.Name)
	}
	o.logger.InfoContext(ctx, "registered commands", "commands", names)
	return nil
}

// startListeners starts the LISTEN loops behind the DB notifier. No-op
// channels (sqlite) are skipped.
func (o *Oubliette) startListeners(ctx context.Context) {
	for _, channel := range []string{
		o.dbNotifier.GuildSettingsChannelName(),
		o.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		o.wg.Add(1)
		go func(ch string) {
			defer o.wg.Done()
			if err := o.dbNotifier.Listen(ctx, ch); err != nil && ctx.Err() == nil {
				o.logger.Error(
					"db listener exited",
					tint.Err(err),
					"channel", ch,
				)
			}
		}(channel)
	}
}

// watchGuildSettingsRefresh reloads cached guild settings when another
// instance (or this one) reports a change.
func (o *Oubliette) watchGuildSettingsRefresh(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case guildID := <-o.triggerGuildSettingsRefreshCh:
			settings := o.writeDB.ReloadGuildSettings(guildID)
			o.logger.Info(
				"reloaded guild settings",
				"guild_id", guildID,
				"settings", settings,
			)
		}
	}
}

func (o *Oubliette) startAPIServer(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := serveHTTP(o.api); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("api server exited", tint.Err(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			o.config.ShutdownTimeout,
		)
		defer cancel()
		_ = o.api.Shutdown(shutdownCtx)
	}()
}

func (o *Oubliette) startWebhookServer(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := serveHTTP(o.webhookServer); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("webhook server exited", tint.Err(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			o.config.ShutdownTimeout,
		)
		defer cancel()
		_ = o.webhookServer.Shutdown(shutdownCtx)
	}()
}

func serveHTTP(srv *http.Server) error {
	if srv.TLSConfig != nil {
		return srv.ListenAndServeTLS("", "")
	}
	return srv.ListenAndServe()
}

func (o *Oubliette) shutdown() error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("shutdown complete")
		return nil
	case <-time.After(o.config.ShutdownTimeout):
		return errors.New("shutdown timed out")
	}
}

// handlerInteractionCreate dispatches gateway interactions.
func (o *Oubliette) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		o.handleInteraction(
			context.Background(),
			i,
			discordInteractionReceiveMethodGateway,
		)
	}
}

// handleInteraction records the raw interaction, then routes it by
// type. Webhook-delivered interactions arrive here too, flagged with
// their receive method.
func (o *Oubliette) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	method DiscordInteractionReceiveMethod,
) {
	u := interactionUser(i)
	logger := o.logger.With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
	)
	ctx = WithLogger(ctx, logger)

	entry, err := newInteractionLog(i, u, method)
	if err != nil {
		logger.ErrorContext(ctx, "error building interaction log", tint.Err(err))
	} else if _, err = o.writeDB.Create(ctx, entry); err != nil {
		logger.ErrorContext(ctx, "error saving interaction log", tint.Err(err))
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		o.handleCommand(ctx, i)
	case discordgo.InteractionMessageComponent:
		o.handleComponent(ctx, i)
	case discordgo.InteractionModalSubmit:
		o.handleModal(ctx, i)
	default:
		logger.WarnContext(ctx, "unhandled interaction type", "type", i.Type)
	}
}
