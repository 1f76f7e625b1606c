package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/relata/kampanj/tools"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ServiceName  string        `cli:"service-name"`
	Push         string        `cli:"metrics-push-url"`
	PushInterval time.Duration `cli:"metrics-push-interval"`
}

func New(c Config, lc *tools.Logger) *Metrics {
	m := &Metrics{
		config:  c,
		logger:  lc.New("prometheus"),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if c.Push != "" {
		m.pusher = push.New(c.Push, c.ServiceName).Gatherer(prometheus.DefaultGatherer)
	}

	return m
}

type Metrics struct {
	done    chan struct{}
	stopped chan struct{}

	config Config
	pusher *push.Pusher
	logger *logrus.Logger

	once     sync.Once
	pipeline *Pipeline
	pipeOnce sync.Once
}

func (m *Metrics) Start() {
	m.once.Do(func() {
		if m.config.PushInterval.Seconds() < 10 {
			m.config.PushInterval = 1 * time.Minute
		}
		go func() {
			defer close(m.stopped)

			ticker := time.NewTicker(m.config.PushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-m.done:
					return
				case <-ticker.C:
					m.push()
				}
			}
		}()
	})
}

func (m *Metrics) Stop(ctx context.Context) error {
	close(m.done)
	select {
	case <-m.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *Metrics) Register() promauto.Factory {
	return promauto.With(prometheus.DefaultRegisterer)
}

func (m *Metrics) push() {
	if m.pusher == nil {
		return
	}
	m.logger.Debugf("pushing metrics to %s", m.config.Push)
	err := m.pusher.Push()
	if err != nil {
		m.logger.Errorf("failed to push metrics: %v", err)
	}
}

// Pipeline bundles the delivery pipeline instruments. It is created once on
// the default registry and shared by the dispatcher, workers and ingestor.
type Pipeline struct {
	Dispatched   prometheus.Counter
	Sent         prometheus.Counter
	Failed       *prometheus.CounterVec
	Requeued     prometheus.Counter
	Events       *prometheus.CounterVec
	Orphans      prometheus.Counter
	Suppressions prometheus.Counter
	SendDuration prometheus.Histogram
}

func (m *Metrics) Pipeline() *Pipeline {
	m.pipeOnce.Do(func() {
		f := m.Register()
		m.pipeline = &Pipeline{
			Dispatched: f.NewCounter(prometheus.CounterOpts{
				Name: "kampanj_sends_dispatched_total",
				Help: "Number of sends claimed and handed to workers.",
			}),
			Sent: f.NewCounter(prometheus.CounterOpts{
				Name: "kampanj_sends_sent_total",
				Help: "Number of sends accepted by the provider.",
			}),
			Failed: f.NewCounterVec(prometheus.CounterOpts{
				Name: "kampanj_sends_failed_total",
				Help: "Number of sends that ended up failed.",
			}, []string{"reason"}),
			Requeued: f.NewCounter(prometheus.CounterOpts{
				Name: "kampanj_sends_requeued_total",
				Help: "Number of transient failures put back in the queue.",
			}),
			Events: f.NewCounterVec(prometheus.CounterOpts{
				Name: "kampanj_webhook_events_total",
				Help: "Number of provider events ingested.",
			}, []string{"kind"}),
			Orphans: f.NewCounter(prometheus.CounterOpts{
				Name: "kampanj_webhook_orphans_total",
				Help: "Number of provider events with no matching send.",
			}),
			Suppressions: f.NewCounter(prometheus.CounterOpts{
				Name: "kampanj_suppressions_total",
				Help: "Number of emails added to the suppression list.",
			}),
			SendDuration: f.NewHistogram(prometheus.HistogramOpts{
				Name:    "kampanj_provider_send_duration_seconds",
				Help:    "Provider send call duration.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
			}),
		}
	})
	return m.pipeline
}
