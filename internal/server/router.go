package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/relswap/internal/auth"
	"github.com/loykin/relswap/internal/history"
	"github.com/loykin/relswap/internal/metrics"
	"github.com/loykin/relswap/internal/orchestrator"
)

// Updates is the update surface served over HTTP.
type Updates interface {
	Install(ctx context.Context) (orchestrator.InstallResult, error)
	Check(ctx context.Context, force bool) orchestrator.CheckResult
	Status() orchestrator.StatusResult
}

// Options selects the optional parts of the router.
type Options struct {
	BasePath string
	// Auth guards the update routes and enables {base}/auth/login; nil
	// leaves the routes open.
	Auth *auth.Service
	// History enables {base}/update/history.
	History history.Reader
	// MetricsPath serves Prometheus metrics at this path when non-empty.
	MetricsPath string
}

// Router provides embeddable HTTP handlers for the updater.
// Endpoints:
//
//	GET  {basePath}/update/check     query: force=1 bypasses the manifest cache
//	POST {basePath}/update/install
//	GET  {basePath}/update/status
//	GET  {basePath}/update/history   query: limit=N
//	POST {basePath}/auth/login       body: {"username","password"}
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	updates  Updates
	basePath string
	opts     Options
	mw       *auth.Middleware
}

// NewRouter constructs a new Router.
func NewRouter(updates Updates, opts Options) *Router {
	return &Router{
		updates:  updates,
		basePath: sanitizeBase(opts.BasePath),
		opts:     opts,
		mw:       auth.NewMiddleware(opts.Auth),
	}
}

// Register adds the routes to an existing gin router.
func (r *Router) Register(g gin.IRouter) {
	if r.opts.MetricsPath != "" {
		g.GET(r.opts.MetricsPath, gin.WrapH(metrics.Handler()))
	}
	base := g.Group(r.basePath)
	if r.mw.Enabled() {
		(&AuthAPI{svc: r.opts.Auth}).Register(base)
	}

	upd := base.Group("/update", r.mw.GinAuth())
	upd.GET("/check", r.mw.GinRequirePermission("update", "read"), r.handleCheck)
	upd.GET("/status", r.mw.GinRequirePermission("update", "read"), r.handleStatus)
	upd.POST("/install", r.mw.GinRequirePermission("update", "write"), r.handleInstall)
	if r.opts.History != nil {
		upd.GET("/history", r.mw.GinRequirePermission("update", "read"), r.handleHistory)
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g)
	return g
}

// NewServer wraps handler in an http.Server. Install requests download and
// unpack a release, so writeTimeout must cover that.
func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleCheck(c *gin.Context) {
	force := c.Query("force") == "1" || c.Query("force") == "true"
	writeJSON(c, http.StatusOK, r.updates.Check(c.Request.Context(), force))
}

// handleInstall keeps going if the client disconnects: once started, an
// install either hands off to the updater or releases the lock.
func (r *Router) handleInstall(c *gin.Context) {
	res, err := r.updates.Install(context.WithoutCancel(c.Request.Context()))
	writeJSON(c, orchestrator.StatusCode(err), res)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.updates.Status())
}

func (r *Router) handleHistory(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	events, err := r.opts.History.Recent(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}
