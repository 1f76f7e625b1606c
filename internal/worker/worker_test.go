package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/relata/kampanj"
	"github.com/relata/kampanj/internal/dao"
	"github.com/relata/kampanj/internal/metrics"
	"github.com/relata/kampanj/internal/suppress"
	"github.com/relata/kampanj/tools"
	"github.com/sirupsen/logrus"
)

var testPipe = metrics.New(metrics.Config{ServiceName: "test"}, testLogger()).Pipeline()

func testLogger() *tools.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return tools.LoggerCloner(l)
}

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	id    string
	err   error
}

func (f *fakeProvider) Send(_ context.Context, _ kampanj.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.id == "" {
		return uuid.New().String(), nil
	}
	return f.id, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func setup(t *testing.T, cfg Config, prov kampanj.Provider) (*Pool, dao.DAO) {
	t.Helper()
	d, err := dao.NewSQLite(filepath.Join(t.TempDir(), "worker_test.sqlite"))
	if err != nil {
		t.Fatalf("could not create database: %v", err)
	}
	sup := suppress.New(d, testLogger())
	pool := New(cfg, d, prov, sup, testPipe, nil, testLogger())
	return pool, d
}

// claimedSend seeds a running single step campaign with one recipient and
// claims its send, leaving it where the dispatcher would hand it over.
func claimedSend(t *testing.T, d dao.DAO, email string) dao.Send {
	t.Helper()
	campaign := dao.Campaign{ID: uuid.New().String(), Name: "test campaign"}
	err := d.CreateCampaign(campaign, []dao.Step{
		{ID: uuid.New().String(), OrderIdx: 1, Subject: "hello", TextBody: "hi there"},
	})
	if err != nil {
		t.Fatalf("could not create campaign: %v", err)
	}
	_, err = d.ActivateCampaign(campaign.ID, []dao.Recipient{{Email: email}}, time.Now())
	if err != nil {
		t.Fatalf("could not activate campaign: %v", err)
	}
	claimed, err := d.ClaimDueSends(campaign.ID, 1, time.Now())
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim failed: err=%v claimed=%d", err, len(claimed))
	}
	return claimed[0]
}

func TestExecuteSent(t *testing.T) {
	prov := &fakeProvider{id: "pm-42"}
	pool, d := setup(t, Config{MailFrom: "news@example.com"}, prov)
	send := claimedSend(t, d, "a@example.com")

	result, err := pool.Execute(send.ID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result != ResultSent {
		t.Fatalf("expected result sent, got %s", result)
	}
	if prov.callCount() != 1 {
		t.Fatalf("expected 1 provider call, got %d", prov.callCount())
	}

	got, err := d.GetSend(send.ID)
	if err != nil {
		t.Fatalf("could not load send: %v", err)
	}
	if got.Status != dao.SendStatusSent {
		t.Fatalf("expected status sent, got %s", got.Status)
	}
	if got.ProviderMessageID != "pm-42" {
		t.Fatalf("expected provider message id pm-42, got %q", got.ProviderMessageID)
	}
}

func TestExecuteSuppressedBeforeProviderCall(t *testing.T) {
	prov := &fakeProvider{}
	pool, d := setup(t, Config{}, prov)
	send := claimedSend(t, d, "a@example.com")

	// The unsubscribe lands between claim and execution.
	_, err := d.Suppress("a@example.com", "asked to", dao.UnsubscribeSourceWebForm)
	if err != nil {
		t.Fatalf("could not suppress: %v", err)
	}

	result, err := pool.Execute(send.ID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result != ResultSuppressed {
		t.Fatalf("expected result suppressed, got %s", result)
	}
	if prov.callCount() != 0 {
		t.Fatalf("the provider must not be called for a suppressed recipient, got %d calls", prov.callCount())
	}

	got, err := d.GetSend(send.ID)
	if err != nil {
		t.Fatalf("could not load send: %v", err)
	}
	if got.Status != dao.SendStatusFailed || got.ErrorMessage != "suppressed" {
		t.Fatalf("expected failed/suppressed, got %s/%q", got.Status, got.ErrorMessage)
	}
}

func TestExecuteCampaignNoLongerRunning(t *testing.T) {
	prov := &fakeProvider{}
	pool, d := setup(t, Config{}, prov)
	send := claimedSend(t, d, "a@example.com")

	ok, err := d.SetCampaignStatus(send.CampaignID,
		[]dao.CampaignStatus{dao.CampaignStatusRunning}, dao.CampaignStatusPaused)
	if err != nil || !ok {
		t.Fatalf("could not pause campaign: ok=%v err=%v", ok, err)
	}

	result, err := pool.Execute(send.ID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result != ResultSuppressed {
		t.Fatalf("expected result suppressed, got %s", result)
	}
	if prov.callCount() != 0 {
		t.Fatalf("the provider must not be called for a paused campaign, got %d calls", prov.callCount())
	}
}

func TestExecuteClaimLost(t *testing.T) {
	prov := &fakeProvider{}
	pool, d := setup(t, Config{}, prov)
	send := claimedSend(t, d, "a@example.com")

	// Someone else already moved the send on.
	ok, err := d.MarkSending(send.ID)
	if err != nil || !ok {
		t.Fatalf("could not steal the claim: ok=%v err=%v", ok, err)
	}

	result, err := pool.Execute(send.ID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result != ResultSkipped {
		t.Fatalf("expected result skipped, got %s", result)
	}
	if prov.callCount() != 0 {
		t.Fatalf("a lost claim must not reach the provider, got %d calls", prov.callCount())
	}
}

func TestExecutePermanentFailure(t *testing.T) {
	prov := &fakeProvider{err: fmt.Errorf("bad address: %w", kampanj.ErrPermanent)}
	pool, d := setup(t, Config{}, prov)
	send := claimedSend(t, d, "a@example.com")

	result, err := pool.Execute(send.ID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result != ResultFailed {
		t.Fatalf("expected result failed, got %s", result)
	}

	got, err := d.GetSend(send.ID)
	if err != nil {
		t.Fatalf("could not load send: %v", err)
	}
	if got.Status != dao.SendStatusFailed {
		t.Fatalf("expected status failed, got %s", got.Status)
	}
	if got.Attempts != 0 {
		t.Fatalf("a permanent failure burns no retry budget, got %d attempts", got.Attempts)
	}
}

func TestExecuteTransientRetriesWithBackoff(t *testing.T) {
	prov := &fakeProvider{err: errors.New("connection reset")}
	pool, d := setup(t, Config{MaxRetries: 3, RetryBackoff: time.Minute}, prov)
	send := claimedSend(t, d, "a@example.com")

	before := time.Now()
	result, err := pool.Execute(send.ID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result != ResultRequeued {
		t.Fatalf("expected result requeued, got %s", result)
	}

	got, err := d.GetSend(send.ID)
	if err != nil {
		t.Fatalf("could not load send: %v", err)
	}
	if got.Status != dao.SendStatusQueued {
		t.Fatalf("expected status queued, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
	// First retry backs off two minutes, the doubling starts at attempt one.
	minDue := before.Add(90 * time.Second)
	if got.ScheduledAt.Before(minDue) {
		t.Fatalf("expected a backoff of about two minutes, due at %s", got.ScheduledAt)
	}
}

func TestExecuteRetriesExhausted(t *testing.T) {
	prov := &fakeProvider{err: errors.New("connection reset")}
	pool, d := setup(t, Config{MaxRetries: 3, RetryBackoff: time.Minute}, prov)
	send := claimedSend(t, d, "a@example.com")

	// Each round is claim, execute, transient failure. The third provider
	// call exhausts the budget and the send fails for good.
	results := []Result{ResultRequeued, ResultRequeued, ResultFailed}

	result, err := pool.Execute(send.ID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result != results[0] {
		t.Fatalf("round 0: expected %s, got %s", results[0], result)
	}

	for round := 1; round < len(results); round++ {
		// Jump past any backoff to make the send claimable again.
		future := time.Now().Add(time.Duration(round) * 24 * time.Hour)
		claimed, err := d.ClaimDueSends(send.CampaignID, 1, future)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("round %d: claim failed: err=%v claimed=%d", round, err, len(claimed))
		}
		result, err = pool.Execute(send.ID)
		if err != nil {
			t.Fatalf("round %d: execute failed: %v", round, err)
		}
		if result != results[round] {
			t.Fatalf("round %d: expected %s, got %s", round, results[round], result)
		}
	}

	if prov.callCount() != 3 {
		t.Fatalf("expected 3 provider calls, got %d", prov.callCount())
	}
	got, err := d.GetSend(send.ID)
	if err != nil {
		t.Fatalf("could not load send: %v", err)
	}
	if got.Status != dao.SendStatusFailed {
		t.Fatalf("expected status failed, got %s", got.Status)
	}
}

func TestPoolDrainsQueue(t *testing.T) {
	prov := &fakeProvider{}
	d, err := dao.NewSQLite(filepath.Join(t.TempDir(), "worker_pool_test.sqlite"))
	if err != nil {
		t.Fatalf("could not create database: %v", err)
	}
	sup := suppress.New(d, testLogger())

	queue := make(chan dao.Send)
	pool := New(Config{Workers: 2}, d, prov, sup, testPipe, queue, testLogger())
	pool.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	}()

	sends := []dao.Send{
		claimedSend(t, d, "a@example.com"),
		claimedSend(t, d, "b@example.com"),
	}
	for _, send := range sends {
		queue <- send
	}

	deadline := time.After(2 * time.Second)
	for _, send := range sends {
		for {
			got, err := d.GetSend(send.ID)
			if err != nil {
				t.Fatalf("could not load send: %v", err)
			}
			if got.Status == dao.SendStatusSent {
				break
			}
			select {
			case <-deadline:
				t.Fatalf("send %s never reached sent, stuck at %s", send.ID, got.Status)
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}
