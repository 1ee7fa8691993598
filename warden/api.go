package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix      = "/debug"
	apiPrefix        = "/api"
	apiPathLogin     = "/login"
	apiPathLogout    = "/logout"
	apiPathLoggedIn  = "/logged_in"
	apiPathQuit      = "/quit"
	apiHealthCheck   = "/healthz"
	apiPathGuilds    = "/guilds"
	apiPathGuild     = "/guilds/:guild_id"
	apiPathCases     = "/guilds/:guild_id/cases"
	apiPathCase      = "/guilds/:guild_id/cases/:case_number"
	apiPathUserCases = "/guilds/:guild_id/users/:user_id/cases"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API provides a read-only HTTP view of the case ledger, behind
// cookie-session authentication. Moderation itself only happens through
// discord commands.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes the API server, configuring the gin engine,
// session store, middleware and routes.
func newAPI(w *Warden, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(w)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(w))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathGuilds, apiHandlers.getGuilds)
	protected.GET(apiPathGuild, apiHandlers.getGuildConfig)
	protected.GET(apiPathCases, apiHandlers.getGuildCases)
	protected.GET(apiPathCase, apiHandlers.getCaseDetail)
	protected.GET(apiPathUserCases, apiHandlers.getUserCases)
	protected.POST(apiPathQuit, apiHandlers.botQuit)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if e != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, e)
	}
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	store := a.store
	session, err := store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, e := username.(string)
	if !e {
		return "", errors.New("username not a string")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the various API endpoints.
type APIHandlers struct {
	w      *Warden
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session store and returns the handler set.
// If no API secret is configured, a random one is generated, and
// sessions won't survive restarts.
func NewAPIHandlers(w *Warden) *APIHandlers {
	logger := w.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := w.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if w.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(w.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{w: w, logger: logger, store: store}
}

func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := h.w.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !h.w.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	apiCfg := h.w.config.API
	if apiCfg.AdminUsername == "" || apiCfg.AdminPasswordHash == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if login.Username != apiCfg.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	valid, err := verifyPassword(apiCfg.AdminPasswordHash, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Internal Server Error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	session, err := h.w.api.store.New(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error creating session", tint.Err(err))

		sess, _ := h.store.Get(c.Request, sessionVarName)
		if sess != nil {
			sess.Values[sessionVarField] = ""
			_ = sess.Save(c.Request, c.Writer)
		}
		ginReplyError(c, "internal server error")
		return
	}
	if session == nil {
		logger.Error("didn't get session!?")
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.w.api.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.w.api.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	rv := healthCheckResponse{
		DiscordGatewayConnected: h.w.discord.connected.Load(),
		GuildsCached:            len(h.w.writeDB.GuildCache()),
		GatewayConnects:         h.w.discord.metricConnects.Load(),
		GatewayDisconnects:      h.w.discord.metricDisconnects.Load(),
		MessagesHandled:         h.w.discord.metricMessagesHandled.Load(),
	}
	if h.w.executor != nil {
		rv.ActionsExecuted = h.w.executor.metricActionsExecuted.Load()
		rv.ActionRetries = h.w.executor.metricActionRetries.Load()
	}

	h.w.api.requestMetricsMu.Lock()
	rv.RequestCounts = make(map[string]int, len(h.w.api.requestMetrics))
	for k, v := range h.w.api.requestMetrics {
		rv.RequestCounts[k] = v
	}
	h.w.api.requestMetricsMu.Unlock()

	c.JSON(http.StatusOK, rv)
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.w.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn(
			"error getting session username",
			tint.Err(err),
		)
		c.JSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// getGuilds returns every cached guild config, along with each guild's
// total case count.
func (h *APIHandlers) getGuilds(c *gin.Context) {
	h.w.writeDB.GuildCacheLock()
	cache := h.w.writeDB.GuildCache()
	configs := make([]GuildConfig, 0, len(cache))
	for _, cfg := range cache {
		if cfg != nil {
			configs = append(configs, *cfg)
		}
	}
	h.w.writeDB.GuildCacheUnlock()

	guilds := make([]guildWithCaseCount, len(configs))
	g, gctx := errgroup.WithContext(c.Request.Context())
	for ind, cfg := range configs {
		ind, cfg := ind, cfg
		g.Go(
			func() error {
				total, e := h.w.caseLedger.CountGuildCases(gctx, cfg.GuildID)
				if e != nil {
					return e
				}
				guilds[ind] = guildWithCaseCount{
					GuildConfig: cfg,
					TotalCases:  total,
				}
				return nil
			},
		)
	}
	if err := g.Wait(); err != nil {
		ginContextLogger(c).Error("error counting guild cases", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting guilds"},
		)
		return
	}
	c.JSON(http.StatusOK, guilds)
}

func (h *APIHandlers) getGuildConfig(c *gin.Context) {
	guildID := c.Param("guild_id")
	cfg := h.w.writeDB.GetGuildConfig(guildID)
	if cfg == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "guild not found"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *APIHandlers) getGuildCases(c *gin.Context) {
	var pagination GetCasesQuery
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)
	guildID := c.Param("guild_id")

	cases, total, err := h.w.caseLedger.GuildCases(
		c.Request.Context(),
		guildID,
		pagination.Limit,
		pagination.Offset,
		pagination.Order,
	)
	if err != nil {
		log.ErrorContext(
			c.Request.Context(),
			"error getting cases",
			tint.Err(err),
		)
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting cases"},
		)
		return
	}
	c.JSON(
		http.StatusOK, caseListResponse{
			Total: total,
			Cases: cases,
		},
	)
}

func (h *APIHandlers) getCaseDetail(c *gin.Context) {
	log := ginContextLogger(c)
	guildID := c.Param("guild_id")
	caseNumber, err := strconv.ParseInt(c.Param("case_number"), 10, 64)
	if err != nil || caseNumber < 1 {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid case number"})
		return
	}

	moderationCase, err := h.w.caseLedger.GetCase(
		c.Request.Context(),
		guildID,
		caseNumber,
	)
	if err != nil {
		if errors.Is(err, ErrCaseNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "case not found"})
			return
		}
		log.ErrorContext(c.Request.Context(), "error getting case", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting case"},
		)
		return
	}
	c.JSON(http.StatusOK, moderationCase)
}

func (h *APIHandlers) getUserCases(c *gin.Context) {
	log := ginContextLogger(c)
	guildID := c.Param("guild_id")
	userID := c.Param("user_id")

	cases, err := h.w.caseLedger.CasesForUser(
		c.Request.Context(),
		guildID,
		userID,
	)
	if err != nil {
		log.ErrorContext(
			c.Request.Context(),
			"error getting user cases",
			tint.Err(err),
		)
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting user cases"},
		)
		return
	}
	c.JSON(http.StatusOK, cases)
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		h.w.dbNotifier.Stop(ctx)
		doneCh <- struct{}{}
		close(doneCh)
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

func authMiddleware(w *Warden) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := w.api.store
		logger := w.logger
		if logger == nil {
			logger = slog.Default()
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		if session == nil {
			logger.Error("session is nil")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]
		if !ok || username == "" {
			logger.Warn(
				"username not found in session",
				"headers",
				c.Request.Header,
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, set in the gin context and response headers under
// "X-Request-ID".
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging
// HTTP requests, including duration and response status.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware increments the request count for each unique
// combination of HTTP method and URL path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with an error message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// GetCasesQuery represents the query parameters for fetching
// ModerationCase records.
type GetCasesQuery struct {
	Pagination
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// Sort represents the sorting order for queries, either
// [Ascending] or [Descending].
type Sort string

type loggedInResponse struct {
	Username string `json:"username"`
}

type guildWithCaseCount struct {
	GuildConfig
	TotalCases int64 `json:"total_cases"`
}

type caseListResponse struct {
	Total int64            `json:"total"`
	Cases []ModerationCase `json:"cases"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool           `json:"discord_gateway_connected"`
	GuildsCached            int            `json:"guilds_cached"`
	GatewayConnects         int64          `json:"gateway_connects"`
	GatewayDisconnects      int64          `json:"gateway_disconnects"`
	MessagesHandled         int64          `json:"messages_handled"`
	ActionsExecuted         int64          `json:"actions_executed"`
	ActionRetries           int64          `json:"action_retries"`
	RequestCounts           map[string]int `json:"request_counts"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func init() {
	structValidator.SetTagName("binding")
}
