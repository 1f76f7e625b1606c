// Package dispatcher owns the periodic claim-and-enqueue cycle. It is the
// only component that moves sends from queued into the worker queue, and the
// only one that touches campaign lifecycle status on the way.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modfin/henry/slicez"
	"github.com/relata/kampanj/internal/dao"
	"github.com/relata/kampanj/internal/metrics"
	"github.com/relata/kampanj/internal/signals"
	"github.com/relata/kampanj/tools"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Interval             time.Duration `cli:"dispatch-interval"`
	DefaultRatePerMinute int           `cli:"default-rate-per-minute"`
	GlobalBatchCeiling   int           `cli:"global-batch-ceiling"`

	// StaleClaimAge is how long a send may sit claimed before a tick takes
	// it back. Claims normally resolve within one tick, older ones were
	// stranded by a shutdown between claim and worker handover.
	StaleClaimAge time.Duration `cli:"stale-claim-age"`
}

type Dispatcher struct {
	ctx    context.Context
	cancel func()

	cfg Config
	db  dao.DAO
	bus *signals.Bus
	met *metrics.Pipeline
	log *logrus.Logger

	ticks *tools.KeyedMutex
	queue chan dao.Send

	ostart  sync.Once
	ostop   sync.Once
	stopped chan struct{}
}

func New(cfg Config, db dao.DAO, bus *signals.Bus, met *metrics.Pipeline, lc *tools.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.DefaultRatePerMinute <= 0 {
		cfg.DefaultRatePerMinute = 60
	}
	if cfg.GlobalBatchCeiling <= 0 {
		cfg.GlobalBatchCeiling = 500
	}
	if cfg.StaleClaimAge <= 0 {
		cfg.StaleClaimAge = 10 * time.Minute
	}
	d := &Dispatcher{
		cfg:     cfg,
		db:      db,
		bus:     bus,
		met:     met,
		log:     lc.New("dispatcher"),
		ticks:   tools.NewKeyedMutex(),
		queue:   make(chan dao.Send), // ensures there is a handover
		stopped: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Queue is the handover channel to the send workers.
func (d *Dispatcher) Queue() <-chan dao.Send {
	return d.queue
}

func (d *Dispatcher) Start() {
	d.ostart.Do(func() {
		go d.run()
	})
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	d.ostop.Do(func() {
		d.cancel()
		select {
		case <-d.stopped:
			d.log.Info("dispatcher has been shut down")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (d *Dispatcher) run() {
	defer close(d.stopped)

	d.log.Infof("starting dispatcher, tick interval %s", d.cfg.Interval)

	wake, cancel := d.bus.Listen(signals.SendsEnqueued)
	defer cancel()

	for {
		count, err := d.Tick(time.Now())
		if err != nil {
			d.log.WithError(err).Error("tick failed")
		}

		// Keep draining while there is work, a rate-limited campaign with a
		// deep backlog gets at most one batch per tick.
		if count > 0 {
			d.log.Debugf("tick dispatched %d sends", count)
		}

		select {
		case <-d.ctx.Done():
			d.log.Info("stopping dispatcher")
			return
		case <-wake: // activation or a manual trigger enqueued new sends
		case <-time.After(d.cfg.Interval):
		}
	}
}

// Tick runs one claim-and-enqueue cycle over every dispatchable campaign.
// Running it twice with nothing new due dispatches zero additional sends.
func (d *Dispatcher) Tick(now time.Time) (int, error) {

	_, err := d.db.StartScheduledCampaigns(now)
	if err != nil {
		return 0, fmt.Errorf("could not start scheduled campaigns: %w", err)
	}

	reclaimed, err := d.db.ReclaimStaleSends(now.Add(-d.cfg.StaleClaimAge))
	if err != nil {
		return 0, fmt.Errorf("could not reclaim stale sends: %w", err)
	}
	if reclaimed > 0 {
		d.log.Warnf("requeued %d sends stranded in a stale claim", reclaimed)
	}

	// Completion is observed here, lazily, instead of inside the workers'
	// single-send transactions.
	completed, err := d.db.CompleteCampaigns()
	if err != nil {
		return 0, fmt.Errorf("could not complete campaigns: %w", err)
	}
	if completed > 0 {
		d.log.Infof("marked %d campaigns as completed", completed)
	}

	campaigns, err := d.db.DispatchableCampaigns()
	if err != nil {
		return 0, fmt.Errorf("could not list campaigns: %w", err)
	}

	var total int
	for _, campaign := range campaigns {
		count, err := d.dispatchCampaign(campaign, now)
		if err != nil {
			d.log.WithError(err).WithField("campaign", campaign.ID).Error("campaign dispatch failed")
			continue
		}
		total += count
	}
	return total, nil
}

// TickCampaign is the manual trigger, one claim-and-enqueue cycle for a
// single campaign on demand.
func (d *Dispatcher) TickCampaign(campaignID string, now time.Time) (int, error) {
	campaign, err := d.db.GetCampaign(campaignID)
	if err != nil {
		return 0, err
	}
	if campaign.Status != dao.CampaignStatusScheduled && campaign.Status != dao.CampaignStatusRunning {
		return 0, fmt.Errorf("campaign %s is not dispatchable in status %s", campaignID, campaign.Status)
	}
	return d.dispatchCampaign(*campaign, now)
}

func (d *Dispatcher) dispatchCampaign(campaign dao.Campaign, now time.Time) (int, error) {

	// A manual trigger racing the periodic tick skips the campaign instead
	// of piling up, the conditional claim in the store is the correctness
	// backstop either way.
	if !d.ticks.TryLock(campaign.ID) {
		d.log.WithField("campaign", campaign.ID).Debug("campaign tick already in flight, skipping")
		return 0, nil
	}
	defer d.ticks.Unlock(campaign.ID)

	advanced, err := d.db.AdvanceSteps(campaign.ID, now)
	if err != nil {
		return 0, fmt.Errorf("could not advance steps: %w", err)
	}
	if advanced > 0 {
		d.log.WithField("campaign", campaign.ID).Debugf("created %d next-step sends", advanced)
	}

	rate := d.cfg.DefaultRatePerMinute
	if campaign.RatePerMinute != nil && *campaign.RatePerMinute > 0 {
		rate = *campaign.RatePerMinute
	}
	batch := slicez.Min(rate, d.cfg.GlobalBatchCeiling)

	claimed, err := d.db.ClaimDueSends(campaign.ID, batch, now)
	if err != nil {
		return 0, fmt.Errorf("could not claim sends: %w", err)
	}

	for _, send := range claimed {
		select {
		case d.queue <- send: // blocking until a worker picks it up
			d.met.Dispatched.Inc()
		case <-d.ctx.Done():
			// Claimed but undispatched sends stay in 'scheduled' until a
			// later tick reclaims them past StaleClaimAge. Workers are never
			// force-killed, this only happens at shutdown.
			d.log.WithField("send", send.ID).Warn("shutdown during dispatch, send left claimed")
			return len(claimed), d.ctx.Err()
		}
	}

	return len(claimed), nil
}
