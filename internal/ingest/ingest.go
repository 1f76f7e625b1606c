// Package ingest maps provider callbacks onto send state. Events arrive
// unordered, possibly duplicated and sometimes for sends that no longer
// match anything, none of that is an error towards the provider.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/modfin/henry/compare"
	"github.com/relata/kampanj"
	"github.com/relata/kampanj/internal/dao"
	"github.com/relata/kampanj/internal/metrics"
	"github.com/relata/kampanj/tools"
	"github.com/sirupsen/logrus"
)

type Ingestor struct {
	db  dao.DAO
	met *metrics.Pipeline
	log *logrus.Logger
}

func New(db dao.DAO, met *metrics.Pipeline, lc *tools.Logger) *Ingestor {
	return &Ingestor{
		db:  db,
		met: met,
		log: lc.New("ingest"),
	}
}

// Result is what one ingested callback amounted to. Accepted is always true
// for anything short of an internal fault, the provider must not retry.
type Result struct {
	Accepted      bool              `json:"success"`
	Message       string            `json:"message"`
	EventID       int64             `json:"event_id,omitempty"`
	Kind          kampanj.EventKind `json:"-"`
	Matched       bool              `json:"-"`
	Duplicate     bool              `json:"-"`
	StatusChanged bool              `json:"-"`
}

// Ingest normalizes one raw provider event, records it and applies the
// status merge and suppression cascade in a single transaction. An error
// return means an internal fault, everything else is an accepted event.
func (i *Ingestor) Ingest(_ context.Context, raw kampanj.WebhookEvent) (Result, error) {

	kind := kampanj.MapProviderEvent(raw.Type)
	i.met.Events.WithLabelValues(string(kind)).Inc()

	if kind == kampanj.EventUnknown {
		i.log.WithField("raw_type", raw.Type).Warn("unknown provider event type")
	}

	recipient := tools.NormalizeEmail(raw.Recipient)
	occurredAt := raw.Timestamp
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	// Without a provider event id there is nothing to dedup on, a synthetic
	// id makes the row unique instead of colliding with unrelated events.
	providerEventID := compare.Coalesce(raw.ProviderEventID, uuid.New().String())

	event := dao.Event{
		Kind:            kind,
		ProviderEventID: providerEventID,
		RawType:         raw.Type,
		URL:             raw.URL,
		OccurredAt:      occurredAt,
	}

	send, err := i.db.FindSendByProviderMessage(raw.ProviderMessageID, recipient)
	if err == dao.ErrNotFound {
		i.met.Orphans.Inc()
		i.log.WithField("provider_message_id", raw.ProviderMessageID).
			WithField("recipient", recipient).
			Warn("no matching send for provider event")

		res, err := i.db.WriteEvent(dao.EventWrite{Event: event})
		if err != nil {
			return Result{}, err
		}
		return Result{Accepted: true, Message: "accepted, unmatched", EventID: res.EventID, Kind: kind}, nil
	}
	if err != nil {
		return Result{}, err
	}

	write := dao.EventWrite{Event: event}
	write.Event.SendID = &send.ID

	switch kind {
	case kampanj.EventProcessed, kampanj.EventDeferred, kampanj.EventSpamReport, kampanj.EventUnknown:
		// recorded, no status side effect
	case kampanj.EventDelivered:
		write.MergeStatus = dao.SendStatusDelivered
	case kampanj.EventOpened:
		write.MergeStatus = dao.SendStatusOpened
	case kampanj.EventClicked:
		write.MergeStatus = dao.SendStatusClicked
	case kampanj.EventDropped:
		write.MergeStatus = dao.SendStatusFailed
		write.ErrorMessage = compare.Coalesce(raw.Reason, "dropped by provider")
	case kampanj.EventBounced:
		write.MergeStatus = dao.SendStatusFailed
		write.ErrorMessage = compare.Coalesce(raw.Reason, "bounced")
	case kampanj.EventUnsubscribed:
		write.Unsubscribe = &dao.UnsubscribedEmail{
			Email:  send.Recipient,
			Reason: compare.Coalesce(raw.Reason, "unsubscribed via email link"),
			Source: dao.UnsubscribeSourceEmailLink,
		}
		write.ContactID = send.ContactID
		write.OrganisationID = send.OrganisationID
	}

	res, err := i.db.WriteEvent(write)
	if err != nil {
		return Result{}, err
	}

	if res.Duplicate {
		i.log.WithField("send", send.ID).
			WithField("provider_event_id", providerEventID).
			Debug("duplicate provider event, already recorded")
		return Result{
			Accepted: true, Message: "accepted, duplicate",
			EventID: res.EventID, Kind: kind, Matched: true, Duplicate: true,
		}, nil
	}

	if res.SuppressionCreated {
		i.met.Suppressions.Inc()
		i.log.WithField("email", send.Recipient).Info("recipient unsubscribed, suppression cascaded")
	}

	return Result{
		Accepted: true, Message: "accepted",
		EventID: res.EventID, Kind: kind, Matched: true, StatusChanged: res.StatusChanged,
	}, nil
}
