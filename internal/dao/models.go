package dao

import (
	"time"

	"github.com/relata/kampanj"
)

type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

type CampaignMode string

const (
	CampaignModeManual    CampaignMode = "manual"
	CampaignModeImmediate CampaignMode = "immediate"
	CampaignModeScheduled CampaignMode = "scheduled"
)

type SendStatus string

const (
	// SendStatusQueued is the only state the dispatcher claims from.
	SendStatusQueued SendStatus = "queued"
	// SendStatusScheduled means claimed by a dispatcher tick, waiting for a
	// worker. The claim is the conditional update queued -> scheduled.
	SendStatusScheduled SendStatus = "scheduled"
	SendStatusSending   SendStatus = "sending"
	SendStatusSent      SendStatus = "sent"
	SendStatusDelivered SendStatus = "delivered"
	SendStatusOpened    SendStatus = "opened"
	SendStatusClicked   SendStatus = "clicked"
	SendStatusFailed    SendStatus = "failed"
	SendStatusBounced   SendStatus = "bounced"
)

// statusRank orders the post-sent lifecycle for the webhook merge. A status
// may only be replaced by one of strictly higher rank, and the absorbing
// terminals may never be replaced at all.
func statusRank(s SendStatus) int {
	switch s {
	case SendStatusSent:
		return 1
	case SendStatusDelivered:
		return 2
	case SendStatusOpened:
		return 3
	case SendStatusClicked:
		return 4
	case SendStatusFailed, SendStatusBounced:
		return 100
	}
	return 0
}

// mergePredecessors lists the statuses a merge to target is allowed to
// replace. Terminal targets may replace anything non-terminal, the delivery
// fork statuses only replace lower ranked ones.
func mergePredecessors(target SendStatus) []SendStatus {
	if statusRank(target) >= 100 {
		return []SendStatus{
			SendStatusQueued, SendStatusScheduled, SendStatusSending,
			SendStatusSent, SendStatusDelivered, SendStatusOpened, SendStatusClicked,
		}
	}
	var out []SendStatus
	for _, s := range []SendStatus{SendStatusSent, SendStatusDelivered, SendStatusOpened, SendStatusClicked} {
		if statusRank(s) < statusRank(target) {
			out = append(out, s)
		}
	}
	return out
}

// GateSatisfiedBy lists the send statuses that satisfy a step gate. An empty
// gate only requires the previous step to have gone out.
func GateSatisfiedBy(gate kampanj.EventKind) []SendStatus {
	switch gate {
	case kampanj.EventDelivered:
		return []SendStatus{SendStatusDelivered, SendStatusOpened, SendStatusClicked}
	case kampanj.EventOpened:
		return []SendStatus{SendStatusOpened, SendStatusClicked}
	case kampanj.EventClicked:
		return []SendStatus{SendStatusClicked}
	}
	return []SendStatus{SendStatusSent, SendStatusDelivered, SendStatusOpened, SendStatusClicked}
}

type Campaign struct {
	ID            string         `db:"id" json:"id"`
	Name          string         `db:"name" json:"name"`
	Mode          CampaignMode   `db:"mode" json:"mode"`
	Status        CampaignStatus `db:"status" json:"status"`
	RatePerMinute *int           `db:"rate_per_minute" json:"rate_per_minute,omitempty"`
	StartsAt      *time.Time     `db:"starts_at" json:"starts_at,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

type Step struct {
	ID           string            `db:"id" json:"id"`
	CampaignID   string            `db:"campaign_id" json:"campaign_id"`
	OrderIdx     int               `db:"order_idx" json:"order_idx"`
	DelaySeconds int               `db:"delay_seconds" json:"delay_seconds"`
	Gate         kampanj.EventKind `db:"gate" json:"gate,omitempty"`
	Variant      string            `db:"variant" json:"variant,omitempty"`
	Subject      string            `db:"subject" json:"subject"`
	TextBody     string            `db:"text_body" json:"text_body,omitempty"`
	HTMLBody     string            `db:"html_body" json:"html_body,omitempty"`
}

type Send struct {
	ID                string     `db:"id" json:"id"`
	CampaignID        string     `db:"campaign_id" json:"campaign_id"`
	StepID            string     `db:"step_id" json:"step_id"`
	Recipient         string     `db:"recipient" json:"recipient"`
	ContactID         string     `db:"contact_id" json:"contact_id,omitempty"`
	OrganisationID    string     `db:"organisation_id" json:"organisation_id,omitempty"`
	Variant           string     `db:"variant" json:"variant,omitempty"`
	Status            SendStatus `db:"status" json:"status"`
	Attempts          int        `db:"attempts" json:"attempts"`
	ScheduledAt       time.Time  `db:"scheduled_at" json:"scheduled_at"`
	SentAt            *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	ProviderMessageID string     `db:"provider_message_id" json:"provider_message_id,omitempty"`
	ErrorMessage      string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

type Event struct {
	ID              int64             `db:"id"`
	SendID          *string           `db:"send_id"`
	Kind            kampanj.EventKind `db:"kind"`
	ProviderEventID string            `db:"provider_event_id"`
	RawType         string            `db:"raw_type"`
	URL             string            `db:"url"`
	OccurredAt      time.Time         `db:"occurred_at"`
	CreatedAt       time.Time         `db:"created_at"`
}

type UnsubscribedEmail struct {
	Email     string    `db:"email" json:"email"`
	Reason    string    `db:"reason" json:"reason,omitempty"`
	Source    string    `db:"source" json:"source"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

const (
	UnsubscribeSourceEmailLink = "email-link"
	UnsubscribeSourceWebForm   = "web-form"
)

// Recipient is one audience member handed to campaign activation. ContactID
// and OrganisationID link back to CRM records and may be empty.
type Recipient struct {
	Email          string `json:"email"`
	ContactID      string `json:"contact_id,omitempty"`
	OrganisationID string `json:"organisation_id,omitempty"`
}
