package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/relata/kampanj"
	"github.com/relata/kampanj/internal/clix"
	"github.com/relata/kampanj/internal/config"
	"github.com/relata/kampanj/internal/dao"
	"github.com/relata/kampanj/internal/dispatcher"
	"github.com/relata/kampanj/internal/ingest"
	"github.com/relata/kampanj/internal/metrics"
	"github.com/relata/kampanj/internal/provider"
	"github.com/relata/kampanj/internal/signals"
	"github.com/relata/kampanj/internal/suppress"
	"github.com/relata/kampanj/internal/web"
	"github.com/relata/kampanj/internal/worker"
	"github.com/relata/kampanj/tools"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

type Cfg struct {
	DbURI    string `cli:"db-uri"`
	LogLevel string `cli:"log-level"`

	Dispatcher dispatcher.Config
	Worker     worker.Config
	Provider   provider.Config
	Web        web.Config
	Metrics    metrics.Config
}

func main() {

	_ = godotenv.Load()

	serveFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "db-uri",
			EnvVars: []string{"KAMPANJ_DB_URI"},
			Value:   "./kampanj.sqlite",
			Usage:   "path to the sqlite database file",
		},
		&cli.StringFlag{
			Name:    "log-level",
			EnvVars: []string{"KAMPANJ_LOG_LEVEL"},
			Value:   "info",
		},

		&cli.DurationFlag{
			Name:    "dispatch-interval",
			EnvVars: []string{"KAMPANJ_DISPATCH_INTERVAL"},
			Value:   time.Minute,
			Usage:   "how often the dispatcher claims due sends",
		},
		&cli.IntFlag{
			Name:    "default-rate-per-minute",
			EnvVars: []string{"KAMPANJ_DEFAULT_RATE_PER_MINUTE"},
			Value:   60,
			Usage:   "per-campaign send rate used when a campaign sets none",
		},
		&cli.IntFlag{
			Name:    "global-batch-ceiling",
			EnvVars: []string{"KAMPANJ_GLOBAL_BATCH_CEILING"},
			Value:   500,
			Usage:   "hard upper bound on sends claimed per campaign per tick",
		},
		&cli.DurationFlag{
			Name:    "stale-claim-age",
			EnvVars: []string{"KAMPANJ_STALE_CLAIM_AGE"},
			Value:   10 * time.Minute,
			Usage:   "requeue sends stuck in a claim for this long, for instance after a hard shutdown",
		},

		&cli.IntFlag{
			Name:    "workers",
			EnvVars: []string{"KAMPANJ_WORKERS"},
			Value:   5,
			Usage:   "number of concurrent send workers",
		},
		&cli.IntFlag{
			Name:    "max-retries",
			EnvVars: []string{"KAMPANJ_MAX_RETRIES"},
			Value:   3,
		},
		&cli.DurationFlag{
			Name:    "retry-backoff",
			EnvVars: []string{"KAMPANJ_RETRY_BACKOFF"},
			Value:   time.Minute,
			Usage:   "base backoff, doubled per attempt",
		},
		&cli.DurationFlag{
			Name:    "send-timeout",
			EnvVars: []string{"KAMPANJ_SEND_TIMEOUT"},
			Value:   5 * time.Second,
		},
		&cli.StringFlag{
			Name:    "mail-from",
			EnvVars: []string{"KAMPANJ_MAIL_FROM"},
			Usage:   "sender address stamped on every outgoing message",
		},

		&cli.StringFlag{
			Name:    "provider-url",
			EnvVars: []string{"KAMPANJ_PROVIDER_URL"},
			Usage:   "the provider send endpoint, empty selects the log provider",
		},
		&cli.DurationFlag{
			Name:    "provider-timeout",
			EnvVars: []string{"KAMPANJ_PROVIDER_TIMEOUT"},
			Value:   5 * time.Second,
		},

		&cli.StringFlag{
			Name:    "api-interface",
			EnvVars: []string{"KAMPANJ_API_INTERFACE"},
		},
		&cli.IntFlag{
			Name:    "api-port",
			EnvVars: []string{"KAMPANJ_API_PORT"},
			Value:   8080,
		},
		&cli.IntFlag{
			Name:    "hook-rate-per-minute",
			EnvVars: []string{"KAMPANJ_HOOK_RATE_PER_MINUTE"},
			Value:   10,
		},
		&cli.BoolFlag{
			Name:    "api-auto-tls",
			EnvVars: []string{"KAMPANJ_API_AUTO_TLS"},
		},
		&cli.StringFlag{
			Name:    "api-auto-tls-host",
			EnvVars: []string{"KAMPANJ_API_AUTO_TLS_HOST"},
		},
		&cli.StringFlag{
			Name:    "api-auto-tls-email",
			EnvVars: []string{"KAMPANJ_API_AUTO_TLS_EMAIL"},
		},
		&cli.StringFlag{
			Name:    "api-auto-tls-cache",
			EnvVars: []string{"KAMPANJ_API_AUTO_TLS_CACHE"},
			Value:   "/var/lib/kampanj/autocert",
		},

		&cli.StringFlag{
			Name:    "service-name",
			EnvVars: []string{"KAMPANJ_SERVICE_NAME"},
			Value:   "kampanj",
		},
		&cli.StringFlag{
			Name:    "metrics-push-url",
			EnvVars: []string{"KAMPANJ_METRICS_PUSH_URL"},
		},
		&cli.DurationFlag{
			Name:    "metrics-push-interval",
			EnvVars: []string{"KAMPANJ_METRICS_PUSH_INTERVAL"},
			Value:   time.Minute,
		},
	}

	app := &cli.App{
		Name:   "kampanjd",
		Usage:  "a service for running email campaigns",
		Flags:  serveFlags,
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Action: serve,
				Flags:  serveFlags,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(c *cli.Context) error {

	cfg := clix.Parse[Cfg](c)

	l := log.New()
	l.AddHook(tools.LoggerWho{Name: "kampanjd"})
	level, err := log.ParseLevel(cfg.LogLevel)
	if err == nil {
		l.SetLevel(level)
	}
	lc := tools.LoggerCloner(l)

	// Secrets come from the environment only, never from argv.
	secrets, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Provider.Key = secrets.ProviderKey
	cfg.Web.BearerToken = secrets.BearerToken

	l.Infof("starting kampanjd, database at %s", cfg.DbURI)

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		return err
	}

	met := metrics.New(cfg.Metrics, lc)
	met.Start()
	pipe := met.Pipeline()

	bus := signals.NewBus()
	sup := suppress.New(db, lc)

	var prov kampanj.Provider
	if cfg.Provider.URL == "" {
		l.Warn("no provider url configured, using the log provider")
		prov = provider.NewLog(lc)
	} else {
		prov = provider.NewHTTP(cfg.Provider, lc)
	}

	disp := dispatcher.New(cfg.Dispatcher, db, bus, pipe, lc)
	disp.Start()

	pool := worker.New(cfg.Worker, db, prov, sup, pipe, disp.Queue(), lc)
	pool.Start()

	ing := ingest.New(db, pipe, lc)

	srv := web.New(cfg.Web, db, disp, ing, sup, bus, lc)
	srv.Start()

	// Shutdown order matters, the api stops taking work first, then the
	// dispatcher stops claiming, then the workers drain in-flight sends.
	services := []Stoppable{srv, disp, pool, met}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	l.Infof("got signal: %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		service := service
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("failed to stop service")
			}
		}(service)
	}

	go func() {
		<-shutdownCtx.Done()
		l.WithError(shutdownCtx.Err()).Warn("shutdown was forced, terminating now")
		os.Exit(1)
	}()

	wg.Wait()
	l.Info("shutdown complete")
	return nil
}

type Stoppable interface {
	Stop(ctx context.Context) error
}
