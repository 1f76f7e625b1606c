package kampanj

import (
	"testing"
)

func TestMapProviderEvent(t *testing.T) {
	for _, tc := range []struct {
		raw  string
		want EventKind
	}{
		{"sent", EventProcessed},
		{"scheduled", EventProcessed},
		{"delivered", EventDelivered},
		{"delivery_delayed", EventDeferred},
		{"failed", EventDropped},
		{"bounced", EventBounced},
		{"opened", EventOpened},
		{"clicked", EventClicked},
		{"complained", EventSpamReport},
		{"unsubscribed", EventUnsubscribed},
		{" Delivered ", EventDelivered},
		{"OPENED", EventOpened},
		{"", EventUnknown},
		{"something_new", EventUnknown},
	} {
		got := MapProviderEvent(tc.raw)
		if got != tc.want {
			t.Errorf("MapProviderEvent(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}
