package dispatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/relata/kampanj/internal/dao"
	"github.com/relata/kampanj/internal/metrics"
	"github.com/relata/kampanj/internal/signals"
	"github.com/relata/kampanj/tools"
	"github.com/sirupsen/logrus"
)

// One pipeline for the whole test binary, the prometheus default registry
// rejects a second registration of the same instruments.
var testPipe = metrics.New(metrics.Config{ServiceName: "test"}, testLogger()).Pipeline()

func testLogger() *tools.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return tools.LoggerCloner(l)
}

func setup(t *testing.T, cfg Config) (*Dispatcher, dao.DAO) {
	t.Helper()
	d, err := dao.NewSQLite(filepath.Join(t.TempDir(), "dispatcher_test.sqlite"))
	if err != nil {
		t.Fatalf("could not create database: %v", err)
	}
	disp := New(cfg, d, signals.NewBus(), testPipe, testLogger())
	return disp, d
}

// drain consumes the worker handover channel so Tick does not block, and
// collects what came through.
func drain(disp *Dispatcher) (func() []dao.Send, func()) {
	var mu sync.Mutex
	var got []dao.Send
	done := make(chan struct{})
	go func() {
		for {
			select {
			case send := <-disp.Queue():
				mu.Lock()
				got = append(got, send)
				mu.Unlock()
			case <-done:
				return
			}
		}
	}()
	collect := func() []dao.Send {
		mu.Lock()
		defer mu.Unlock()
		out := make([]dao.Send, len(got))
		copy(out, got)
		return out
	}
	stop := func() { close(done) }
	return collect, stop
}

// waitForSends polls the drain until want sends came through. Tick returns
// as soon as the channel handover happens, the drain goroutine may still be
// a beat behind on its bookkeeping.
func waitForSends(t *testing.T, collect func() []dao.Send, want int) []dao.Send {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		got := collect()
		if len(got) >= want {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("expected %d sends through the queue, got %d", want, len(got))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func seedRunningCampaign(t *testing.T, d dao.DAO, rate int, emails ...string) dao.Campaign {
	t.Helper()
	campaign := dao.Campaign{
		ID:   uuid.New().String(),
		Name: "test campaign",
	}
	if rate > 0 {
		campaign.RatePerMinute = &rate
	}
	err := d.CreateCampaign(campaign, []dao.Step{{ID: uuid.New().String(), OrderIdx: 1, Subject: "hello"}})
	if err != nil {
		t.Fatalf("could not create campaign: %v", err)
	}
	var recipients []dao.Recipient
	for _, email := range emails {
		recipients = append(recipients, dao.Recipient{Email: email})
	}
	_, err = d.ActivateCampaign(campaign.ID, recipients, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("could not activate campaign: %v", err)
	}
	return campaign
}

func TestTickRespectsRateLimit(t *testing.T) {
	disp, d := setup(t, Config{})
	collect, stop := drain(disp)
	defer stop()

	campaign := seedRunningCampaign(t, d, 2, "a@example.com", "b@example.com", "c@example.com")
	now := time.Now()

	count, err := disp.Tick(now)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 dispatched sends, got %d", count)
	}

	// The next tick takes the remainder, min(rate, backlog).
	count, err = disp.Tick(now)
	if err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 dispatched send, got %d", count)
	}

	count, err = disp.Tick(now)
	if err != nil {
		t.Fatalf("third tick failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected an empty tick, got %d", count)
	}

	sends := waitForSends(t, collect, 3)
	seen := map[string]bool{}
	for _, send := range sends {
		if send.CampaignID != campaign.ID {
			t.Errorf("send %s belongs to the wrong campaign", send.ID)
		}
		if seen[send.ID] {
			t.Errorf("send %s was dispatched twice", send.ID)
		}
		seen[send.ID] = true
	}
}

func TestTickGlobalBatchCeiling(t *testing.T) {
	disp, d := setup(t, Config{GlobalBatchCeiling: 2})
	collect, stop := drain(disp)
	defer stop()

	// The campaign asks for more than the ceiling allows.
	seedRunningCampaign(t, d, 100, "a@example.com", "b@example.com", "c@example.com")

	count, err := disp.Tick(time.Now())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected the ceiling to cap the batch at 2, got %d", count)
	}
	waitForSends(t, collect, 2)
}

func TestTickNothingEligible(t *testing.T) {
	disp, d := setup(t, Config{})

	// A draft campaign is not dispatchable at all.
	campaign := dao.Campaign{ID: uuid.New().String(), Name: "draft"}
	err := d.CreateCampaign(campaign, []dao.Step{{ID: uuid.New().String(), OrderIdx: 1}})
	if err != nil {
		t.Fatalf("could not create campaign: %v", err)
	}

	count, err := disp.Tick(time.Now())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected nothing to dispatch, got %d", count)
	}
}

func TestTickCompletesCampaign(t *testing.T) {
	disp, d := setup(t, Config{})
	collect, stop := drain(disp)
	defer stop()

	campaign := seedRunningCampaign(t, d, 2, "a@example.com", "b@example.com", "c@example.com")
	now := time.Now()

	// Two ticks move all three sends out, a pretend worker finishes them.
	for i := 0; i < 2; i++ {
		_, err := disp.Tick(now)
		if err != nil {
			t.Fatalf("tick failed: %v", err)
		}
	}
	for i, send := range waitForSends(t, collect, 3) {
		ok, err := d.MarkSending(send.ID)
		if err != nil || !ok {
			t.Fatalf("mark sending failed: ok=%v err=%v", ok, err)
		}
		err = d.MarkSent(send.ID, fmt.Sprintf("pm-%d", i), now)
		if err != nil {
			t.Fatalf("mark sent failed: %v", err)
		}
	}

	// With no unfinished sends left the next tick completes the campaign.
	_, err := disp.Tick(now)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	got, err := d.GetCampaign(campaign.ID)
	if err != nil {
		t.Fatalf("could not load campaign: %v", err)
	}
	if got.Status != dao.CampaignStatusCompleted {
		t.Fatalf("expected status completed, got %s", got.Status)
	}
}

func TestTickReclaimsStaleClaims(t *testing.T) {
	disp, d := setup(t, Config{})
	collect, stop := drain(disp)
	defer stop()

	now := time.Now()
	campaign := dao.Campaign{ID: uuid.New().String(), Name: "test campaign"}
	err := d.CreateCampaign(campaign, []dao.Step{{ID: uuid.New().String(), OrderIdx: 1, Subject: "hello"}})
	if err != nil {
		t.Fatalf("could not create campaign: %v", err)
	}
	_, err = d.ActivateCampaign(campaign.ID, []dao.Recipient{{Email: "a@example.com"}}, now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("could not activate campaign: %v", err)
	}

	// A claim from an hour ago that never reached a worker, the shape a hard
	// shutdown between claim and handover leaves behind.
	claimed, err := d.ClaimDueSends(campaign.ID, 10, now.Add(-time.Hour))
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim failed: err=%v claimed=%d", err, len(claimed))
	}

	count, err := disp.Tick(now)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the stranded send to be reclaimed and dispatched, got %d", count)
	}
	sends := waitForSends(t, collect, 1)
	if sends[0].ID != claimed[0].ID {
		t.Fatalf("expected send %s back, got %s", claimed[0].ID, sends[0].ID)
	}
}

func TestTickLeavesFreshClaimsAlone(t *testing.T) {
	disp, d := setup(t, Config{})
	_, stop := drain(disp)
	defer stop()

	campaign := seedRunningCampaign(t, d, 10, "a@example.com")
	now := time.Now()

	claimed, err := d.ClaimDueSends(campaign.ID, 10, now)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim failed: err=%v claimed=%d", err, len(claimed))
	}

	// A claim inside the staleness window belongs to a live handover.
	count, err := disp.Tick(now)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected nothing to dispatch, got %d", count)
	}
	send, err := d.GetSend(claimed[0].ID)
	if err != nil {
		t.Fatalf("could not load send: %v", err)
	}
	if send.Status != dao.SendStatusScheduled {
		t.Fatalf("expected the fresh claim to stay scheduled, got %s", send.Status)
	}
}

func TestTickCampaignManualTrigger(t *testing.T) {
	disp, d := setup(t, Config{})
	_, stop := drain(disp)
	defer stop()

	campaign := seedRunningCampaign(t, d, 10, "a@example.com")

	count, err := disp.TickCampaign(campaign.ID, time.Now())
	if err != nil {
		t.Fatalf("manual tick failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 dispatched send, got %d", count)
	}

	// Paused campaigns refuse the manual trigger.
	ok, err := d.SetCampaignStatus(campaign.ID,
		[]dao.CampaignStatus{dao.CampaignStatusRunning}, dao.CampaignStatusPaused)
	if err != nil || !ok {
		t.Fatalf("could not pause campaign: ok=%v err=%v", ok, err)
	}
	_, err = disp.TickCampaign(campaign.ID, time.Now())
	if err == nil {
		t.Fatal("expected the manual trigger to refuse a paused campaign")
	}

	_, err = disp.TickCampaign("no-such-campaign", time.Now())
	if err != dao.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWakeSignal(t *testing.T) {
	disp, d := setup(t, Config{Interval: time.Hour})
	collect, stop := drain(disp)
	defer stop()

	disp.Start()
	defer func() {
		ctx, cancel := timeoutCtx()
		defer cancel()
		_ = disp.Stop(ctx)
	}()

	seedRunningCampaign(t, d, 10, "a@example.com")

	// The interval is an hour, only the bus can wake the loop in time. The
	// broadcast is fire and forget, so keep poking until the loop hears it.
	deadline := time.After(2 * time.Second)
	for {
		disp.bus.Broadcast(signals.SendsEnqueued)
		if len(collect()) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected the wake signal to trigger a dispatch")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func timeoutCtx() (context.Context, func()) {
	return context.WithTimeout(context.Background(), time.Second)
}
