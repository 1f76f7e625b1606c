// Package provider holds the adapters behind the kampanj.Provider boundary.
// The pipeline does not care how the message reaches the recipient, only
// whether the provider accepted it and under what message id.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/relata/kampanj"
	"github.com/relata/kampanj/tools"
	"github.com/sirupsen/logrus"
)

type Config struct {
	URL     string        `cli:"provider-url"`
	Key     string        `cli:"provider-key"`
	Timeout time.Duration `cli:"provider-timeout"`
}

// HTTP posts messages to the provider's send API. Client errors are wrapped
// with kampanj.ErrPermanent so the worker fails them without retrying, server
// and transport errors come back plain and get the backoff treatment.
type HTTP struct {
	cfg    Config
	client *http.Client
	log    *logrus.Logger
}

func NewHTTP(cfg Config, lc *tools.Logger) *HTTP {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    lc.New("provider"),
	}
}

func (h *HTTP) Send(ctx context.Context, msg kampanj.Message) (string, error) {

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("could not marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.cfg.Key)

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("provider rejected message with status %d: %w", resp.StatusCode, kampanj.ErrPermanent)
	default:
		return "", fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var accepted struct {
		MessageID string `json:"message_id"`
	}
	err = json.NewDecoder(resp.Body).Decode(&accepted)
	if err != nil {
		return "", fmt.Errorf("could not decode provider response: %w", err)
	}
	if accepted.MessageID == "" {
		return "", fmt.Errorf("provider response carried no message id")
	}
	return accepted.MessageID, nil
}

// Log accepts everything and sends nothing. Used when no provider URL is
// configured, eg local development.
type Log struct {
	log *logrus.Logger
}

func NewLog(lc *tools.Logger) *Log {
	return &Log{log: lc.New("provider")}
}

func (l *Log) Send(_ context.Context, msg kampanj.Message) (string, error) {
	id := uuid.New().String()
	l.log.WithField("to", msg.To).WithField("message_id", id).Info("log provider; pretending to send")
	return id, nil
}
