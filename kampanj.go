package kampanj

import (
	"context"
	"errors"
	"strings"
	"time"
)

// EventKind is the internal taxonomy for provider callbacks. It is a closed
// set; the ingestor matches exhaustively on it and records anything the
// mapping does not recognise as EventUnknown.
type EventKind string

const (
	EventProcessed    EventKind = "processed"
	EventDelivered    EventKind = "delivered"
	EventDeferred     EventKind = "deferred"
	EventDropped      EventKind = "dropped"
	EventBounced      EventKind = "bounced"
	EventOpened       EventKind = "opened"
	EventClicked      EventKind = "clicked"
	EventSpamReport   EventKind = "spam_report"
	EventUnsubscribed EventKind = "unsubscribed"
	EventUnknown      EventKind = "unknown"
)

// MapProviderEvent translates the provider's raw event type to the internal
// kind. Raw types not in the table come back as EventUnknown, they are
// recorded but never mutate send state.
func MapProviderEvent(raw string) EventKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sent", "scheduled":
		return EventProcessed
	case "delivered":
		return EventDelivered
	case "delivery_delayed":
		return EventDeferred
	case "failed":
		return EventDropped
	case "bounced":
		return EventBounced
	case "opened":
		return EventOpened
	case "clicked":
		return EventClicked
	case "complained":
		return EventSpamReport
	case "unsubscribed":
		return EventUnsubscribed
	}
	return EventUnknown
}

// Message is the rendered unit of outbound mail handed to the provider.
// Rendering happens upstream, the pipeline treats the content as opaque.
type Message struct {
	From    string            `json:"from"`
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	Text    string            `json:"text,omitempty"`
	HTML    string            `json:"html,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ErrPermanent marks a provider failure that must not be retried, eg an
// invalid address or a hard bounce reported at send time.
var ErrPermanent = errors.New("permanent provider failure")

// Provider is the adapter boundary to the email service provider. Send
// returns the provider's message id once the provider has accepted the
// message for delivery.
type Provider interface {
	Send(ctx context.Context, msg Message) (providerMessageID string, err error)
}

// WebhookEvent is one raw provider callback as posted to the inbound hook.
type WebhookEvent struct {
	Type              string    `json:"type"`
	ProviderEventID   string    `json:"event_id"`
	ProviderMessageID string    `json:"message_id"`
	Recipient         string    `json:"recipient"`
	URL               string    `json:"url,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	Reason            string    `json:"reason,omitempty"`
}
