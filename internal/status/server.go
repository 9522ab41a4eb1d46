// Package status serves the read-only market views, the operator switches
// (reload and trading) and the Prometheus endpoint over HTTP.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "marketlink/config"
	"marketlink/internal/controller"
	"marketlink/internal/exchange"
	"marketlink/internal/metrics"
	"marketlink/internal/models"
	"marketlink/internal/notify"
	"marketlink/internal/severity"
	"marketlink/logger"
)

const (
	defaultHistory        = 200
	defaultSampleInterval = 5 * time.Second
	defaultNotifications  = 50
)

// Controller is the part of the lifecycle controller the API drives.
type Controller interface {
	Markets() []string
	Statuses() []controller.Status
	State(name string) (controller.Status, error)
	Adapter(name string) (exchange.Adapter, error)
	SetTrading(name string, on bool) error
	Reload(name string) error
}

// Server hosts the Gin status API.
type Server struct {
	cfg             appconfig.StatusConfig
	ctrl            Controller
	queue           *notify.Queue
	log             *logger.Log
	metricStore     *metricStore
	logStore        *logStore
	unsubscribe     func()
	resourceSampler *resourceSampler
	httpServer      *http.Server
}

// NewServer returns nil when the API is disabled. queue may be nil.
func NewServer(cfg appconfig.StatusConfig, ctrl Controller, queue *notify.Queue, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if ctrl == nil {
		return nil, errors.New("status server requires a controller")
	}
	cfg.Address = normalizeAddress(cfg.Address)

	metricStore := newMetricStore(defaultHistory)
	logStore := newLogStore(defaultHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		ctrl:            ctrl,
		queue:           queue,
		log:             log,
		metricStore:     metricStore,
		logStore:        logStore,
		unsubscribe:     metrics.Subscribe(metricStore.add),
		resourceSampler: newResourceSampler(defaultHistory, defaultSampleInterval, "/", log),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("status").WithFields(logger.Fields{"address": s.cfg.Address}).Info("status api listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	s.unsubscribe()
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/notifications", s.notifications)

	markets := router.Group("/markets")
	markets.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"markets": s.ctrl.Statuses()})
	})
	markets.GET("/:name", s.marketStatus)
	markets.GET("/:name/instruments", s.withMarket(func(c *gin.Context, m *exchange.Market) {
		c.JSON(http.StatusOK, gin.H{"instruments": m.InstrumentList()})
	}))
	markets.GET("/:name/accounts", s.withMarket(func(c *gin.Context, m *exchange.Market) {
		c.JSON(http.StatusOK, gin.H{"accounts": m.AccountList()})
	}))
	markets.GET("/:name/positions", s.withMarket(func(c *gin.Context, m *exchange.Market) {
		c.JSON(http.StatusOK, gin.H{"positions": m.PositionList()})
	}))
	markets.GET("/:name/orders", s.withMarket(func(c *gin.Context, m *exchange.Market) {
		orders := m.Orders()
		if orders == nil {
			orders = []models.Order{}
		}
		c.JSON(http.StatusOK, gin.H{"orders": orders})
	}))
	markets.GET("/:name/ticker", s.withMarket(func(c *gin.Context, m *exchange.Market) {
		c.JSON(http.StatusOK, gin.H{"quotes": quoteList(m.Ticker())})
	}))
	markets.POST("/:name/reload", s.reload)
	markets.POST("/:name/trading", s.trading)

	api := router.Group("/api")
	api.GET("/metrics", s.recentMetrics)
	api.GET("/logs", s.recentLogs)
	api.GET("/resources", s.resources)

	return router, nil
}

func (s *Server) health(c *gin.Context) {
	counts := map[severity.State]int{}
	for _, st := range s.ctrl.Statuses() {
		counts[st.State]++
	}
	status := "ok"
	if counts[severity.StateFrozen] > 0 || counts[severity.StateReconnecting] > 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"markets": len(s.ctrl.Markets()),
		"states":  counts,
	})
}

func (s *Server) marketStatus(c *gin.Context) {
	st, err := s.ctrl.State(c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) withMarket(fn func(c *gin.Context, m *exchange.Market)) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, err := s.ctrl.Adapter(c.Param("name"))
		if err != nil {
			s.fail(c, err)
			return
		}
		fn(c, a.Market())
	}
}

func (s *Server) reload(c *gin.Context) {
	name := c.Param("name")
	if err := s.ctrl.Reload(name); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"market": name, "reload": "requested"})
}

type tradingRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) trading(c *gin.Context) {
	var req tradingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := c.Param("name")
	if err := s.ctrl.SetTrading(name, *req.Enabled); err != nil {
		s.fail(c, err)
		return
	}
	st, err := s.ctrl.State(name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) notifications(c *gin.Context) {
	limit := defaultNotifications
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	var recent []notify.Notification
	if s.queue != nil {
		recent = s.queue.Recent(limit)
	}
	if recent == nil {
		recent = []notify.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": recent})
}

func (s *Server) recentMetrics(c *gin.Context) {
	snapshot := s.metricStore.recent(c.Query("market"))
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"market":    m.Market,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) recentLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.recent(c.Query("market"))})
}

func (s *Server) resources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
}

func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, controller.ErrUnknownMarket) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.log.WithComponent("status").WithError(err).Warn("market unavailable")
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
}

func quoteList(quotes map[models.SymbolKey]models.Quote) []models.Quote {
	out := make([]models.Quote, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
