package eventbot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathQuit             = "/quit"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathLoggedIn         = "/logged_in"
	apiHealthCheck          = "/healthz"
	apiPathSetup            = "/setup"
	apiPathSetupStatus      = "/setup/status"
	apiPathSchedules        = "/schedules"
	apiPathCancelArchive    = "/schedules/archive/:id"
	apiPathReconcile        = "/events/reconcile"
	apiPathForumPosts       = "/events/posts"
	apiPathStreaks          = "/streaks"
	apiPathFoodFights       = "/foodfights"
	apiPathFoodFightTallies = "/foodfights/:id/tallies"
	apiPathFoodFightEnd     = "/foodfights/:id/end"
	apiPathTaskRuns         = "/task_runs"
	apiPathRegisterCommands = "/discord/register_commands"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"

	apiDefaultTaskRunLimit = 50
)

// API serves the admin endpoints used to inspect and manage a running
// Bot: pending schedules, forum posts, streaks, food fights and the
// task-run audit log.
//
// The API should be initialized using newAPI and started with Serve.
type API struct {
	bot                 *Bot
	config              *APIConfig     // Configuration for the API server
	httpServer          *http.Server   // The underlying HTTP server
	listener            net.Listener   // Network listener for the HTTP server.
	engine              *gin.Engine    // Gin engine for routing HTTP requests
	store               CookieStore    // CookieStore for session management.
	loginRequestLimiter *rate.Limiter  // Rate limiter for login requests
	requestMetrics      map[string]int // Metrics for API requests
	requestMetricsMu    sync.Mutex     // Mutex for synchronizing access to request metrics
	logger              *slog.Logger   // Logger for API-related events

	handlers *APIHandlers
}

// newAPI sets up the gin engine, session store, middleware and routes.
//
// Parameters:
//   - b: The Bot the endpoints operate on.
//   - config: The API server configuration.
//
// Returns:
//   - A pointer to the newly created API instance.
//   - An error if the TLS certificate couldn't be loaded.
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	logger := slog.New(newLogHandler(defaultLogWriter, config.LogLevel)).With(loggerNameKey, "api")

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		bot:            b,
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		loginRequestLimiter: rate.NewLimiter(
			rate.Limit(config.LoginRateLimit),
			config.LoginRateBurst,
		),
		logger: logger,
	}
	apiHandlers := NewAPIHandlers(b, api, logger)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	var tlsCfg *tls.Config
	if config.SSL.Enabled() {
		cfg, err := tlsConfig(config.SSL.CertFile, config.SSL.KeyFile, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		tlsCfg = cfg
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(b, api.store, logger))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathSchedules, apiHandlers.getSchedules)
	protected.DELETE(apiPathCancelArchive, apiHandlers.cancelArchive)
	protected.POST(apiPathReconcile, apiHandlers.reconcileEvents)
	protected.GET(apiPathForumPosts, apiHandlers.getForumPosts)
	protected.GET(apiPathStreaks, apiHandlers.getStreaks)
	protected.GET(apiPathFoodFights, apiHandlers.getFoodFights)
	protected.GET(apiPathFoodFightTallies, apiHandlers.getFoodFightTallies)
	protected.POST(apiPathFoodFightEnd, apiHandlers.endFoodFight)
	protected.GET(apiPathTaskRuns, apiHandlers.getTaskRuns)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)
	protected.POST(apiPathQuit, apiHandlers.botQuit)

	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down. TLS is used when a cert and key are configured.
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "address", ln.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// RequestMetrics returns a copy of the per-route request counts
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	m := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		m[k] = v
	}
	return m
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok || s == "" {
		return "", errors.New("username not set in session")
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

// APIHandlers contains the handlers for the API endpoints.
type APIHandlers struct {
	bot    *Bot
	api    *API
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session store, signing cookies with a key
// derived from the configured secret.
func NewAPIHandlers(b *Bot, api *API, logger *slog.Logger) *APIHandlers {
	var secretKey []byte
	switch sk := api.config.Secret; {
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
	store.Options(sessionOptions(api.config))
	return &APIHandlers{bot: b, api: api, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// setupStatus reports whether admin credentials still need to be set.
//
// Responses:
//   - 200 OK: Returns a JSON object with the setup status.
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.bot.pendingSetup.Load()})
}

// adminSetup sets the admin credentials, if they haven't been set yet.
//
// Responses:
//   - 201 Created: If the admin credentials were successfully set.
//   - 400 Bad Request: If the request payload is invalid.
//   - 403 Forbidden: If the setup is not pending.
//   - 500 Internal Server Error: If there is an error updating the admin credentials.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.bot.cfgMu.Lock()
	defer h.bot.cfgMu.Unlock()

	if !h.bot.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")
	var payload adminSetupPayload

	if e := c.ShouldBindJSON(&payload); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, httpError{Error: e.Error()})
		return
	}

	password, err := HashPassword(payload.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}

	current := h.bot.runtimeConfig
	if _, err = h.bot.writeDB.Updates(
		c.Request.Context(),
		current,
		map[string]any{
			columnRuntimeConfigAdminUsername: payload.Username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	h.bot.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler checks the provided credentials against the stored admin
// credentials, and saves a session cookie if they match. Attempts are
// rate limited across all clients.
//
// Responses:
//   - 200 OK: If the user was successfully logged in.
//   - 400 Bad Request: If the request payload is invalid.
//   - 401 Unauthorized: If the credentials are incorrect or not set.
//   - 429 Too Many Requests: If the login attempts are rate limited.
//   - 500 Internal Server Error: If there is an error processing the login request.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.bot.RuntimeConfig()
	if runtimeConfig.pendingSetup() {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "Internal Server Error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil {
		// a cookie signed with an old key fails to decode, but New still
		// returns a usable session
		logger.Warn("error decoding existing session", tint.Err(err))
	}
	if session == nil {
		logger.Error("didn't get session")
		ginReplyError(c, "internal server error")
		return
	}
	session.Options = sessionOptions(h.api.config).ToGorillaOptions()
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// healthCheck reports gateway connectivity and the number of pending
// tasks.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		DiscordGatewayConnected: h.bot.discord.connected.Load(),
		Guilds:                  len(h.bot.discord.GuildIDs()),
		PendingSetup:            h.bot.pendingSetup.Load(),
	}
	if h.bot.archives != nil {
		resp.PendingArchives = len(h.bot.archives.Pending())
	}
	if h.bot.reminders != nil {
		resp.PendingReminders = len(h.bot.reminders.Pending())
	}
	if h.bot.meals != nil {
		resp.PendingMealForms = h.bot.meals.PendingCount()
	}
	if h.bot.reconciler != nil {
		if next := h.bot.reconciler.Next(); !next.IsZero() {
			resp.NextReconcile = &next
		}
	}
	c.JSON(http.StatusOK, resp)
}

// logoutHandler clears the username from the session.
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// getSchedules lists pending archive and reminder tasks, soonest first.
//
// Responses:
//   - 200 OK: Returns the pending tasks for each group.
func (h *APIHandlers) getSchedules(c *gin.Context) {
	resp := schedulesResponse{
		Archives:  []TaskInfo{},
		Reminders: []TaskInfo{},
	}
	if h.bot.archives != nil {
		resp.Archives = h.bot.archives.Pending()
		resp.ArchiveDelay = h.bot.archives.Delay().String()
	}
	if h.bot.reminders != nil {
		resp.Reminders = h.bot.reminders.Pending()
		resp.ReminderOffsets = FormatReminderTimes(h.bot.reminders.Offsets())
	}
	c.JSON(http.StatusOK, resp)
}

// cancelArchive cancels the pending archive for an event.
//
// Responses:
//   - 200 OK: If a pending archive was canceled.
//   - 404 Not Found: If the event has no pending archive.
func (h *APIHandlers) cancelArchive(c *gin.Context) {
	var uri idURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if h.bot.archives == nil || !h.bot.archives.CancelArchive(uri.ID) {
		c.JSON(http.StatusNotFound, httpError{Error: "no pending archive for event"})
		return
	}
	ginContextLogger(c).Info("canceled archive", "event_id", uri.ID)
	ginReplyMessage(c, "archive canceled")
}

// reconcileEvents re-processes every scheduled event in every known
// guild, the same as on Ready.
//
// Responses:
//   - 200 OK: If reconciliation finished without errors.
//   - 500 Internal Server Error: If any guild failed. Others are still processed.
//   - 503 Service Unavailable: If the bot hasn't finished starting.
func (h *APIHandlers) reconcileEvents(c *gin.Context) {
	if h.bot.events == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "bot not ready"})
		return
	}
	logger := ginContextLogger(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultReconcileTimeout)
	defer cancel()
	ctx = WithLogger(ctx, logger)

	guildIDs := h.bot.discord.GuildIDs()
	if err := h.bot.events.ProcessExistingEvents(ctx, guildIDs); err != nil {
		logger.Error("error reconciling events", tint.Err(err))
		ginReplyError(c, err.Error())
		return
	}
	ginReplyMessage(c, fmt.Sprintf("reconciled %d %s", len(guildIDs), pluralize(len(guildIDs), "guild", "guilds")))
}

func (h *APIHandlers) getForumPosts(c *gin.Context) {
	if h.bot.forum == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "bot not ready"})
		return
	}
	posts, err := h.bot.forum.Posts(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error getting forum posts", tint.Err(err))
		ginReplyError(c, "error getting forum posts")
		return
	}
	c.JSON(http.StatusOK, posts)
}

// getStreaks returns every recorded meal streak, highest count first.
func (h *APIHandlers) getStreaks(c *gin.Context) {
	if h.bot.streaks == nil {
		c.JSON(http.StatusOK, []SubjectStreak{})
		return
	}
	c.JSON(http.StatusOK, h.bot.streaks.All())
}

// getFoodFights lists active and completed tally sessions.
func (h *APIHandlers) getFoodFights(c *gin.Context) {
	if h.bot.tallies == nil {
		c.JSON(http.StatusOK, foodFightsResponse{Active: []TallySession{}, Completed: []TallySession{}})
		return
	}
	c.JSON(
		http.StatusOK, foodFightsResponse{
			Active:    h.bot.tallies.ActiveSessions(),
			Completed: h.bot.tallies.CompletedSessions(),
		},
	)
}

// getFoodFightTallies returns the ranked tallies for a session.
//
// Responses:
//   - 200 OK: Returns the session's tallies.
//   - 404 Not Found: If there's no session with the given ID.
func (h *APIHandlers) getFoodFightTallies(c *gin.Context) {
	var uri idURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if h.bot.tallies == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "food fight not found"})
		return
	}
	tallies, err := h.bot.tallies.GetTallies(uri.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "food fight not found"})
			return
		}
		ginContextLogger(c).Error("error getting tallies", tint.Err(err))
		ginReplyError(c, "error getting tallies")
		return
	}
	c.JSON(http.StatusOK, tallies.Ranked())
}

// endFoodFight ends an active session, returning its final tallies.
// This doesn't post results to discord.
//
// Responses:
//   - 200 OK: Returns the session's final tallies.
//   - 404 Not Found: If there's no active session with the given ID.
//   - 503 Service Unavailable: If the session ended but the tally file
//     couldn't be written.
func (h *APIHandlers) endFoodFight(c *gin.Context) {
	var uri idURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if h.bot.tallies == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "food fight not found"})
		return
	}
	logger := ginContextLogger(c)
	session, err := h.bot.tallies.EndSessionNow(uri.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "no active food fight with that ID"})
		return
	case errors.Is(err, ErrTransientIO):
		logger.Warn("food fight ended, but not saved", "session", session, tint.Err(err))
		c.JSON(http.StatusServiceUnavailable, httpError{Error: err.Error()})
		return
	case err != nil:
		logger.Error("error ending food fight", tint.Err(err))
		ginReplyError(c, "error ending food fight")
		return
	}
	logger.Info("food fight ended via api", "session", session)

	tallies, err := h.bot.tallies.GetTallies(uri.ID)
	if err != nil {
		ginReplyError(c, "error getting tallies")
		return
	}
	c.JSON(http.StatusOK, tallies.Ranked())
}

// getTaskRuns returns recent archive and reminder executions, newest
// first.
//
// Query parameters:
//   - group: "archive" or "reminder"
//   - entity_id: an event ID
//   - limit: 1-500, default 50
func (h *APIHandlers) getTaskRuns(c *gin.Context) {
	var q getTaskRunsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if q.Limit == 0 {
		q.Limit = apiDefaultTaskRunLimit
	}
	runs, err := recentTaskRuns(c.Request.Context(), h.bot.db, q.Group, q.EntityID, q.Limit)
	if err != nil {
		ginContextLogger(c).Error("error getting task runs", tint.Err(err))
		ginReplyError(c, "error getting task runs")
		return
	}
	c.JSON(http.StatusOK, runs)
}

// discordRegisterCommands overwrites the bot's slash commands.
//
// Responses:
//   - 201 Created: If the commands were successfully registered.
//   - 500 Internal Server Error: If there was an error registering the commands.
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.bot.RegisterSlashCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

// botQuit sends the stop signal, which starts a graceful shutdown.
func (h *APIHandlers) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("sending stop signal")
	h.bot.Stop()
	ginReplyMessage(c, "quitting")
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool       `json:"discord_gateway_connected"`
	Guilds                  int        `json:"guilds"`
	PendingSetup            bool       `json:"pending_setup"`
	PendingArchives         int        `json:"pending_archives"`
	PendingReminders        int        `json:"pending_reminders"`
	PendingMealForms        int        `json:"pending_meal_forms"`
	NextReconcile           *time.Time `json:"next_reconcile,omitempty"`
}

type schedulesResponse struct {
	Archives        []TaskInfo `json:"archives"`
	ArchiveDelay    string     `json:"archive_delay,omitempty"`
	Reminders       []TaskInfo `json:"reminders"`
	ReminderOffsets string     `json:"reminder_offsets,omitempty"`
}

type foodFightsResponse struct {
	Active    []TallySession `json:"active"`
	Completed []TallySession `json:"completed"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// adminSetupPayload represents the payload for the initial admin setup.
type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,min=8,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse is the response for the 'setup status' endpoint. If
// admin credentials haven't been set yet, Required will be true.
type setupResponse struct {
	Required bool `json:"required"`
}

type idURI struct {
	ID string `uri:"id" binding:"required"`
}

type getTaskRunsQuery struct {
	Group    string `form:"group" binding:"omitempty,oneof=archive reminder"`
	EntityID string `form:"entity_id"`
	Limit    int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

// authMiddleware aborts with 401 unless the session cookie carries a
// username. Requests are also rejected while admin setup is pending.
func authMiddleware(b *Bot, store CookieStore, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if b.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil {
			logger.Warn("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		if session == nil {
			logger.Error("session is nil")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, ok := session.Values[sessionVarField].(string)
		if !ok || username == "" {
			logger.Warn("username not found in session", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request, and
// returns it in the X-Request-ID header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
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

// ginLoggingMiddleware logs each request when it finishes, with its
// duration and response status.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		errs := c.Errors.ByType(gin.ErrorTypePrivate)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := fmt.Sprintf("%s %s", c.Request.Method, route)

		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()

		c.Next()
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
