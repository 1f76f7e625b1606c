// Package worker executes claimed sends against the provider. Each job is
// one send, one provider call and one conditional status update, transient
// failures go back in the queue with exponential backoff.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relata/kampanj"
	"github.com/relata/kampanj/internal/dao"
	"github.com/relata/kampanj/internal/metrics"
	"github.com/relata/kampanj/internal/suppress"
	"github.com/relata/kampanj/tools"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Workers      int           `cli:"workers"`
	MaxRetries   int           `cli:"max-retries"`
	RetryBackoff time.Duration `cli:"retry-backoff"`
	SendTimeout  time.Duration `cli:"send-timeout"`
	MailFrom     string        `cli:"mail-from"`
}

// Result tells what one execution did with a send.
type Result string

const (
	ResultSkipped    Result = "skipped" // claim lost, nothing happened
	ResultSuppressed Result = "suppressed"
	ResultSent       Result = "sent"
	ResultRequeued   Result = "requeued"
	ResultFailed     Result = "failed"
)

type Pool struct {
	ctx    context.Context
	cancel func()

	cfg      Config
	db       dao.DAO
	provider kampanj.Provider
	sup      *suppress.Manager
	met      *metrics.Pipeline
	lc       *tools.Logger
	log      *logrus.Logger

	queue <-chan dao.Send

	ostart sync.Once
	ostop  sync.Once
	wg     sync.WaitGroup
}

func New(cfg Config, db dao.DAO, provider kampanj.Provider, sup *suppress.Manager, met *metrics.Pipeline, queue <-chan dao.Send, lc *tools.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	p := &Pool{
		cfg:      cfg,
		db:       db,
		provider: provider,
		sup:      sup,
		met:      met,
		queue:    queue,
		lc:       lc,
		log:      lc.New("worker"),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

func (p *Pool) Start() {
	p.ostart.Do(func() {
		p.log.Infof("starting %d send workers", p.cfg.Workers)
		for i := 0; i < p.cfg.Workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
}

// Stop lets in-flight jobs finish, no worker is force-killed mid send.
func (p *Pool) Stop(ctx context.Context) error {
	var err error
	p.ostop.Do(func() {
		p.cancel()
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			p.log.Info("send workers have been shut down")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (p *Pool) worker() {
	defer p.wg.Done()

	log := p.lc.NewTagged("worker")
	log.Debug("starting worker")

	for {
		select {
		case <-p.ctx.Done():
			log.Debug("stopping worker")
			return
		case send := <-p.queue:
			result, err := p.Execute(send.ID)
			if err != nil {
				log.WithError(err).WithField("send", send.ID).Error("send execution failed")
				continue
			}
			log.WithField("send", send.ID).WithField("result", string(result)).Debug("send executed")
		}
	}
}

// Execute runs one claimed send through the provider. The scheduled ->
// sending update is conditional, losing it means another path already owns
// the send and the job is dropped without side effects.
func (p *Pool) Execute(sendID string) (Result, error) {

	ok, err := p.db.MarkSending(sendID)
	if err != nil {
		return ResultSkipped, fmt.Errorf("could not mark send %s as sending: %w", sendID, err)
	}
	if !ok {
		return ResultSkipped, nil
	}

	send, err := p.db.GetSend(sendID)
	if err != nil {
		return ResultSkipped, fmt.Errorf("could not load send %s: %w", sendID, err)
	}

	campaign, err := p.db.GetCampaign(send.CampaignID)
	if err != nil {
		return ResultSkipped, fmt.Errorf("could not load campaign %s: %w", send.CampaignID, err)
	}
	if campaign.Status != dao.CampaignStatusRunning && campaign.Status != dao.CampaignStatusScheduled {
		p.met.Failed.WithLabelValues("suppressed").Inc()
		return ResultSuppressed, p.db.FailSend(sendID, "suppressed")
	}

	suppressed, err := p.sup.IsSuppressed(send.Recipient)
	if err != nil {
		return ResultSkipped, fmt.Errorf("could not check suppression for %s: %w", send.Recipient, err)
	}
	if suppressed {
		p.met.Failed.WithLabelValues("suppressed").Inc()
		return ResultSuppressed, p.db.FailSend(sendID, "suppressed")
	}

	step, err := p.db.GetStep(send.StepID)
	if err != nil {
		return ResultSkipped, fmt.Errorf("could not load step %s: %w", send.StepID, err)
	}

	msg := kampanj.Message{
		From:    p.cfg.MailFrom,
		To:      send.Recipient,
		Subject: step.Subject,
		Text:    step.TextBody,
		HTML:    step.HTMLBody,
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	providerMessageID, err := p.provider.Send(ctx, msg)
	p.met.SendDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		err = p.db.MarkSent(sendID, providerMessageID, time.Now())
		if err != nil {
			return ResultSent, fmt.Errorf("provider accepted %s but status update failed: %w", sendID, err)
		}
		p.met.Sent.Inc()
		return ResultSent, nil
	}

	if errors.Is(err, kampanj.ErrPermanent) {
		p.met.Failed.WithLabelValues("permanent").Inc()
		return ResultFailed, p.db.FailSend(sendID, err.Error())
	}

	attempt := send.Attempts + 1
	if attempt >= p.cfg.MaxRetries {
		p.met.Failed.WithLabelValues("retries_exhausted").Inc()
		return ResultFailed, p.db.FailSend(sendID, err.Error())
	}

	backoff := p.cfg.RetryBackoff * time.Duration(1<<attempt)
	requeued, rqErr := p.db.RequeueSend(sendID, time.Now().Add(backoff), err.Error())
	if rqErr != nil {
		return ResultFailed, fmt.Errorf("could not requeue send %s: %w", sendID, rqErr)
	}
	if !requeued {
		return ResultSkipped, nil
	}
	p.met.Requeued.Inc()
	return ResultRequeued, nil
}
