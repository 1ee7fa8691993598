package warden

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/warden/warden.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Warden is the main application struct for the Warden bot. It wires
// together the Discord gateway session, the case ledger, the command
// router and the backend API.
type Warden struct {
	config *Config

	// gorm.DB wrapper used for all database operations. When using
	// sqlite, writes are serialized behind a mutex.
	writeDB DBI

	// Broadcasts guild config updates to other instances when using
	// postgres, or loops them back in-process for sqlite.
	dbNotifier DBNotifier

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Allocates case numbers and records moderation cases
	caseLedger *CaseLedger

	// Runs moderation actions end to end
	executor *Executor

	// Parses and dispatches prefix commands
	router *CommandRouter

	// Provides the backend read-only API
	api *API

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the notifier's stop channel
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has opened the
	// discord session and started all background processes
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	triggerGuildCacheRefreshCh chan bool
	triggerGuildRefreshCh      chan string
}

func (w *Warden) getLogger(ctx context.Context) (context.Context, *slog.Logger) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = w.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// New creates and initializes a new Warden instance from the given
// config. Run must be called on the returned instance to connect to
// discord and begin dispatching commands.
func New(config *Config) (*Warden, error) {
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

	w := &Warden{
		config:                     config,
		signalReady:                make(chan struct{}, 1),
		eventShutdown:              make(chan struct{}, 1),
		triggerGuildCacheRefreshCh: make(chan bool, 1),
		triggerGuildRefreshCh:      make(chan string, 1),
	}

	w.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     w.config.LogLevel,
			AddSource: true,
		},
	)

	w.logger = slog.New(w.logHandler)
	slog.SetDefault(w.logger)

	w.config.Discord.httpClient = w.config.HTTPClient

	disc, err := newDiscord(w.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     w.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     w.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	w.discord = disc

	api, err := newAPI(w, config.API)
	errs = append(errs, err)
	w.api = api

	return w, errors.Join(errs...)
}

func (w *Warden) ValidateConfig() error {
	return structValidator.Struct(w.config)
}

// Run connects to discord and blocks until ctx is canceled or a stop
// signal is received, then shuts down gracefully.
func (w *Warden) Run(ctx context.Context) error {
	// prevents concurrent runs
	w.runMu.Lock()
	defer w.runMu.Unlock()

	w.signalStop = make(chan struct{}, 1)

	w.startedAt = time.Now()
	logger := w.logger

	if err := w.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", w.config))
	if w.signalReady == nil {
		w.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-w.signalStop:
			w.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			w.logger.Warn("context canceled, sending stop signal")
			w.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := w.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			w.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, w.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- w.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if w.api != nil && w.api.listener != nil {
				go func() {
					if e := w.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if discErr := w.initDiscordSession(ctx, runtimeWG); discErr != nil {
		w.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	w.logger.InfoContext(ctx, "connecting to discord")
	if err := w.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	w.startGuildCacheRefresher(ctx, runtimeWG)
	w.startGuildUpdatedListener(ctx, runtimeWG)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := w.dbNotifier.Listen(ctx, w.dbNotifier.GuildConfigChannelName()); e != nil {
			w.logger.ErrorContext(ctx, "error listening to guild config channel", tint.Err(e))
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := w.dbNotifier.Listen(ctx, w.dbNotifier.ReloadGuildConfigsChannelName()); e != nil {
			w.logger.ErrorContext(ctx, "error listening to guild cache channel", tint.Err(e))
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := w.dbNotifier.Listen(ctx, w.dbNotifier.StopChannelName()); e != nil {
			w.logger.ErrorContext(ctx, "error listening to stop channel", tint.Err(e))
		}
	}()

	w.signalReady <- struct{}{}
	w.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context
	stopCh := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()
		stopCh <- struct{}{}
	}()
	<-stopCh

	return w.shutdown(ctx, runtimeWG)
}

// initRun initializes database connections, the notifier, and the
// moderation components, and warms the guild config cache.
func (w *Warden) initRun(startCtx context.Context) error {
	w.logger.Debug("initializing DB...")
	if err := w.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	w.logger.Debug("finished initializing DB")

	notifier, err := newDBNotifier(w)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	w.dbNotifier = notifier

	configs := w.writeDB.LoadGuilds()
	w.logger.Info("loaded guild configs", "count", len(configs))

	w.caseLedger = NewCaseLedger(
		w.writeDB,
		w.logger.With(loggerNameKey, "case_ledger"),
	)

	return nil
}

func (w *Warden) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = w.logger
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     w.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, w.config.DatabaseSlowThreshold)
	db, err := getDB(w.config.DatabaseType, w.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	w.writeDB = NewDatabase(db, w.logger, w.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if w.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, p := range sqliteExecPragma {
			if pragmaErr := db.WithContext(ctx).Exec(p).Error; pragmaErr != nil {
				return pragmaErr
			}
		}
	}

	logger.Debug("migrating database...")
	txn := db.WithContext(ctx).Begin()
	if err = txn.Migrator().AutoMigrate(
		&GuildConfig{},
		&ModerationCase{},
	); err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	if err = txn.Commit().Error; err != nil {
		return fmt.Errorf("error committing migration: %w", err)
	}

	return nil
}

func (w *Warden) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := w.logger.With(loggerNameKey, "discord_session")

	if w.discord.session == nil {
		disc, discErr := w.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		w.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if w.executor == nil {
		var limiter *rate.Limiter
		if w.config.Discord.ModLogRatePerSecond > 0 {
			limiter = rate.NewLimiter(
				rate.Limit(w.config.Discord.ModLogRatePerSecond),
				w.config.Discord.ModLogBurst,
			)
		}
		w.executor = NewExecutor(
			w.discord.session,
			w.caseLedger,
			w.writeDB,
			limiter,
			w.config.Moderation.RetryBackoff,
			w.config.Moderation.MaxTimeout,
			w.logger,
		)
	}

	router, routerErr := newCommandRouter(w)
	if routerErr != nil {
		return fmt.Errorf("error building command router: %w", routerErr)
	}
	w.router = router

	if len(w.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range w.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{Intents: w.config.Discord.GatewayIntents}
	identify.Presence = discordgo.GatewayStatusUpdate{
		Status: w.config.Discord.StartupStatus,
	}
	w.discord.session.SetIdentify(identify)

	w.discord.discordgoRemoveHandlerFuncs = []func(){
		w.discord.session.AddHandler(w.discord.handlerConnect()),
		w.discord.session.AddHandler(w.discord.handlerDisconnect()),
		w.discord.session.AddHandler(w.discord.handlerReady()),
		w.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					w.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}

	return nil
}

// handleDiscordMessage filters incoming gateway messages and hands
// command invocations to the router.
//
// This method is called as a goroutine for each new message received
// through the Discord gateway. Messages from bots, webhooks, or outside
// a guild are ignored, as is anything not starting with the guild's
// configured prefix.
func (w *Warden) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	ctx, logger := w.getLogger(ctx)

	if m.Author == nil || m.Author.Bot {
		return
	}
	if m.WebhookID != "" {
		return
	}
	// DMs have no guild ID. Moderation commands only make sense
	// inside a guild.
	if m.GuildID == "" {
		return
	}

	w.discord.metricMessagesHandled.Add(1)

	logger.DebugContext(ctx, "saw message", messageLogAttrs(*m)...)

	w.router.Dispatch(ctx, m, w.prefixFor(m.GuildID))
}

// prefixFor returns the command prefix for the given guild, falling
// back to the configured default when the guild has no cached config.
func (w *Warden) prefixFor(guildID string) string {
	cfg := w.writeDB.GetGuildConfig(guildID)
	if cfg == nil || cfg.Prefix == "" {
		return w.config.Moderation.DefaultPrefix
	}
	return cfg.Prefix
}

// guildName returns the guild's display name for DM notifications,
// falling back to a generic label when the lookup fails.
func (w *Warden) guildName(guildID string) string {
	g, err := w.discord.session.Guild(guildID)
	if err != nil || g == nil || g.Name == "" {
		return "this server"
	}
	return g.Name
}

// updateGuildConfig applies the given column updates to a guild's
// config row, refreshes the cache entry, and announces the change to
// any other running instances.
func (w *Warden) updateGuildConfig(
	ctx context.Context,
	guildID string,
	updates map[string]any,
) (*GuildConfig, error) {
	cfg, _, err := w.writeDB.GetOrCreateGuildConfig(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if _, err = w.writeDB.Updates(ctx, cfg, updates); err != nil {
		return nil, err
	}
	updated := w.writeDB.ReloadGuild(guildID)
	if updated == nil {
		updated = cfg
	}
	if w.dbNotifier != nil {
		go func() {
			notifyCtx, notifyCancel := context.WithTimeout(
				context.Background(),
				5*time.Second,
			)
			defer notifyCancel()
			w.dbNotifier.GuildConfigUpdated(notifyCtx, guildID)
		}()
	}
	return updated, nil
}

func (w *Warden) startGuildCacheRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	guildCacheTTL := w.config.GuildCacheTTL

	var lastRefresh time.Time

	if guildCacheTTL > 0 {
		ticker := time.NewTicker(guildCacheTTL)

		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case w.triggerGuildCacheRefreshCh <- false:
					//
					case <-time.After(15 * time.Second):
						w.logger.Info("timed out sending guild cache refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				w.logger.Info("context canceled, stopping guild cache refresher")
				return
			case forceRefresh := <-w.triggerGuildCacheRefreshCh:
				if forceRefresh || lastRefresh.IsZero() ||
					time.Since(lastRefresh) > guildCacheTTL {
					w.logger.Info("reloading guild config cache")
					configs := w.writeDB.LoadGuilds()
					lastRefresh = time.Now()
					w.logger.Info("finished reloading", "count", len(configs))
				} else {
					w.logger.Info("recently refreshed, ignoring")
				}
			}
		}
	}()
}

func (w *Warden) startGuildUpdatedListener(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				w.logger.Info("context canceled, stopping guild updated listener")
				return
			case guildID := <-w.triggerGuildRefreshCh:
				if guildID == "" {
					w.logger.Warn("empty guild ID received, skipping refresh")
					continue
				}
				w.logger.Info("reloading guild config", "guild_id", guildID)
				w.writeDB.ReloadGuild(guildID)
			}
		}
	}()
}

func (w *Warden) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	w.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if w.eventShutdown != nil {
			go func() {
				w.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := w.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		w.logger.Warn("immediate shutdown")
		go func() {
			_ = w.api.httpServer.Close()
		}()
		return fmt.Errorf("shutdown timeout disabled, forced close")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	w.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", w.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	// Graceful shutdown - at least until closeCtx is closed
	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for anything spawned by the main processes
		runtimeStopEnd := time.Now()
		w.logger.InfoContext(
			ctx,
			"finished handling in-flight commands",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if w.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				w.logger.InfoContext(ctx, "stopping http server")
				_ = w.api.httpServer.Shutdown(closeCtx)
				w.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if w.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				w.logger.InfoContext(ctx, "closing discord session")
				_ = w.discord.session.Close()
				w.logger.InfoContext(ctx, "discord session closed")
				for _, h := range w.discord.discordgoRemoveHandlerFuncs {
					h()
				}
			}()
		}

		// wait on the above, then send a signal that we're done
		go func() {
			w.logger.InfoContext(ctx, "waiting graceful shutdown")
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
			w.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	// if we get a signal on gracefulShutdownCh, everything stopped and
	// cleaned up normally. otherwise, force it.
	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			w.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			w.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
			)
		case <-closeCtx.Done(): // timed out, force closing stuff
			w.logger.Warn("graceful shutdown timed out, forcing close")
			go func() {
				_ = w.api.httpServer.Close()
			}()
			return fmt.Errorf("graceful shutdown timed out")
		}
	}
}
