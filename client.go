package kampanj

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NewClient returns a client for the kampanjd API.
func NewClient(bearerToken string, host string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host:  host,
		token: bearerToken,
	}
}

type Client struct {
	host  string
	token string
}

// CampaignDraft is the create-campaign request body.
type CampaignDraft struct {
	Name          string      `json:"name"`
	Mode          string      `json:"mode,omitempty"`
	RatePerMinute *int        `json:"rate_per_minute,omitempty"`
	StartsAt      *time.Time  `json:"starts_at,omitempty"`
	Steps         []StepDraft `json:"steps"`
}

type StepDraft struct {
	OrderIdx     int    `json:"order_idx"`
	DelaySeconds int    `json:"delay_seconds,omitempty"`
	Gate         string `json:"gate,omitempty"`
	Variant      string `json:"variant,omitempty"`
	Subject      string `json:"subject"`
	TextBody     string `json:"text_body,omitempty"`
	HTMLBody     string `json:"html_body,omitempty"`
}

type AudienceMember struct {
	Email          string `json:"email"`
	ContactID      string `json:"contact_id,omitempty"`
	OrganisationID string `json:"organisation_id,omitempty"`
}

type ActivationReceipt struct {
	CampaignID   string `json:"campaign_id"`
	SendsCreated int    `json:"sends_created"`
}

type DispatchReceipt struct {
	CampaignID string `json:"campaign_id"`
	Dispatched int    `json:"dispatched"`
}

func (c *Client) CreateCampaign(ctx context.Context, draft CampaignDraft) (id string, err error) {
	var created struct {
		ID string `json:"id"`
	}
	err = c.post(ctx, "/campaigns", draft, &created)
	return created.ID, err
}

func (c *Client) Activate(ctx context.Context, campaignID string, audience []AudienceMember) (ActivationReceipt, error) {
	var receipt ActivationReceipt
	body := map[string]interface{}{"recipients": audience}
	err := c.post(ctx, "/campaigns/"+campaignID+"/activate", body, &receipt)
	return receipt, err
}

// Dispatch triggers one claim-and-enqueue cycle for the campaign without
// waiting for the periodic tick.
func (c *Client) Dispatch(ctx context.Context, campaignID string) (DispatchReceipt, error) {
	var receipt DispatchReceipt
	err := c.post(ctx, "/campaigns/"+campaignID+"/dispatch", nil, &receipt)
	return receipt, err
}

func (c *Client) Pause(ctx context.Context, campaignID string) error {
	return c.post(ctx, "/campaigns/"+campaignID+"/pause", nil, nil)
}

func (c *Client) Cancel(ctx context.Context, campaignID string) error {
	return c.post(ctx, "/campaigns/"+campaignID+"/cancel", nil, nil)
}

func (c *Client) Unsubscribe(ctx context.Context, email, reason string) error {
	body := map[string]string{"email": email, "reason": reason, "source": "web-form"}
	return c.post(ctx, "/unsubscribe", body, nil)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {

	var buf bytes.Buffer
	if body != nil {
		err := json.NewEncoder(&buf).Encode(body)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBytes)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBytes, out)
}
