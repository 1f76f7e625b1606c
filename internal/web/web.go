package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/relata/kampanj/internal/dao"
	"github.com/relata/kampanj/internal/dispatcher"
	"github.com/relata/kampanj/internal/ingest"
	"github.com/relata/kampanj/internal/signals"
	"github.com/relata/kampanj/internal/suppress"
	"github.com/relata/kampanj/tools"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/time/rate"
)

type Config struct {
	Interface string `cli:"api-interface"`
	Port      int    `cli:"api-port"`

	BearerToken string `cli:"api-bearer-token"`

	// HookRatePerMinute bounds the webhook ingress at the edge. The
	// ingestor itself is idempotent, this just keeps a misbehaving provider
	// from hammering the store.
	HookRatePerMinute int `cli:"hook-rate-per-minute"`

	AutoTLS      bool   `cli:"api-auto-tls"`
	AutoTLSHost  string `cli:"api-auto-tls-host"`
	AutoTLSEmail string `cli:"api-auto-tls-email"`
	AutoTLSCache string `cli:"api-auto-tls-cache"`
}

type Server struct {
	cfg Config
	log *logrus.Logger

	e *echo.Echo

	db   dao.DAO
	disp *dispatcher.Dispatcher
	ing  *ingest.Ingestor
	sup  *suppress.Manager
	bus  *signals.Bus
}

func New(cfg Config, db dao.DAO, disp *dispatcher.Dispatcher, ing *ingest.Ingestor, sup *suppress.Manager, bus *signals.Bus, lc *tools.Logger) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.HookRatePerMinute <= 0 {
		cfg.HookRatePerMinute = 10
	}
	return &Server{
		cfg:  cfg,
		log:  lc.New("web"),
		db:   db,
		disp: disp,
		ing:  ing,
		sup:  sup,
		bus:  bus,
	}
}

func (s *Server) router() *echo.Echo {

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	prom := prometheus.NewPrometheus("kampanj", nil)
	prom.Use(e)

	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	auth := middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
		if s.cfg.BearerToken == "" {
			return false, errors.New("no bearer token configured")
		}
		return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.BearerToken)) == 1, nil
	})

	// Refill at the per-minute rate but let a minute's worth through in a
	// burst, providers flush their event backlogs in spikes.
	hookLimit := middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(float64(s.cfg.HookRatePerMinute) / 60.0),
			Burst: s.cfg.HookRatePerMinute,
		}))

	e.POST("/hooks/provider", s.providerHook, auth, hookLimit)
	e.POST("/unsubscribe", s.unsubscribe, auth)

	campaigns := e.Group("/campaigns", auth)
	campaigns.POST("", s.createCampaign)
	campaigns.GET("/:id", s.getCampaign)
	campaigns.POST("/:id/activate", s.activateCampaign)
	campaigns.POST("/:id/dispatch", s.dispatchCampaign)
	campaigns.POST("/:id/pause", s.pauseCampaign)
	campaigns.POST("/:id/cancel", s.cancelCampaign)

	return e
}

func (s *Server) Start() {

	e := s.router()
	s.e = e

	go func() {
		var err error
		addr := fmt.Sprintf("%s:%d", s.cfg.Interface, s.cfg.Port)
		s.log.Infof("starting api server on %s", addr)
		if s.cfg.AutoTLS {
			email := strings.TrimSpace(s.cfg.AutoTLSEmail)
			if email == "" {
				s.log.Warn("auto tls is enabled but no account email is set")
			}
			e.AutoTLSManager.Cache = autocert.DirCache(s.cfg.AutoTLSCache)
			e.AutoTLSManager.HostPolicy = autocert.HostWhitelist(s.cfg.AutoTLSHost)
			e.AutoTLSManager.Email = email
			err = e.StartAutoTLS(addr)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("api server stopped")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.e == nil {
		return nil
	}
	shutdown, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.e.Shutdown(shutdown)
}
