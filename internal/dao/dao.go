package dao

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")
var ErrAlreadyExists = errors.New("already exists")

type DAO interface {
	CreateCampaign(campaign Campaign, steps []Step) error
	GetCampaign(id string) (*Campaign, error)
	GetSteps(campaignID string) ([]Step, error)
	GetStep(id string) (*Step, error)
	DispatchableCampaigns() ([]Campaign, error)
	StartScheduledCampaigns(now time.Time) (int64, error)
	SetCampaignStatus(id string, from []CampaignStatus, to CampaignStatus) (bool, error)
	CompleteCampaigns() (int64, error)
	ActivateCampaign(id string, recipients []Recipient, now time.Time) (created int, err error)

	AdvanceSteps(campaignID string, now time.Time) (created int, err error)

	ClaimDueSends(campaignID string, limit int, now time.Time) ([]Send, error)
	GetSend(id string) (*Send, error)
	MarkSending(id string) (bool, error)
	MarkSent(id string, providerMessageID string, at time.Time) error
	RequeueSend(id string, notBefore time.Time, reason string) (bool, error)
	ReclaimStaleSends(cutoff time.Time) (int64, error)
	FailSend(id string, reason string) error
	FindSendByProviderMessage(providerMessageID, recipient string) (*Send, error)

	WriteEvent(w EventWrite) (EventResult, error)

	IsSuppressed(email string) (bool, error)
	Suppress(email, reason, source string) (created bool, err error)
	GetUnsubscribed(email string) (*UnsubscribedEmail, error)

	AddSendLog(sendID, log string) error
	GetSendLog(sendID string) ([]string, error)
}

func NewSQLite(path string) (DAO, error) {
	lite := &sqlite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

type sqlite struct {
	db   *sqlx.DB
	path string
}

func (s *sqlite) AddSendLog(sendID, log string) error {
	tx, err := s.getTX()
	if err != nil {
		return err
	}
	err = s.addSendLogTx(tx, sendID, log)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlite) addSendLogTx(tx *sqlx.Tx, sendID, log string) error {
	q := `
	INSERT INTO send_log (send_id, created_at, log)
	VALUES (?, ?, ?)
	`
	_, err := tx.Exec(q, sendID, time.Now().In(time.UTC), log)
	if err != nil {
		return fmt.Errorf("failed to insert log entry, %v", err)
	}
	return nil
}

func (s *sqlite) GetSendLog(sendID string) ([]string, error) {
	q := `SELECT log FROM send_log WHERE send_id = ? ORDER BY created_at, rowid`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var logs []string
	err = db.Select(&logs, q, sendID)
	return logs, err
}

func (s *sqlite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma foreign_keys = on;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *sqlite) getDB() (*sqlx.DB, error) {

	var err error
	for s.db == nil || s.db.Ping() != nil {

		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}

		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		err = s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}

	return s.db, nil
}

func (s *sqlite) getTX() (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.Beginx()
}

func (s *sqlite) ensureSchema() error {

	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS campaigns (
	    id   TEXT PRIMARY KEY,
	    name TEXT NOT NULL,

	    mode   TEXT NOT NULL DEFAULT 'manual',  -- manual, immediate, scheduled
	    status TEXT NOT NULL DEFAULT 'draft',   -- draft, scheduled, running, completed, paused, cancelled

	    rate_per_minute INT,      -- null inherits the system default
	    starts_at DATETIME,

	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE TABLE IF NOT EXISTS steps (
	    id          TEXT PRIMARY KEY,
	    campaign_id TEXT NOT NULL REFERENCES campaigns(id),
	    order_idx   INT NOT NULL,

	    delay_seconds INT NOT NULL DEFAULT 0,
	    gate          TEXT NOT NULL DEFAULT '', -- '', delivered, opened, clicked
	    variant       TEXT NOT NULL DEFAULT '',

	    subject   TEXT NOT NULL DEFAULT '',
	    text_body TEXT NOT NULL DEFAULT '',
	    html_body TEXT NOT NULL DEFAULT '',

	    UNIQUE (campaign_id, order_idx)
	);

	CREATE TABLE IF NOT EXISTS sends (
	    id          TEXT PRIMARY KEY,
	    campaign_id TEXT NOT NULL REFERENCES campaigns(id),
	    step_id     TEXT NOT NULL REFERENCES steps(id),

	    recipient       TEXT NOT NULL, -- lower cased, immutable
	    contact_id      TEXT NOT NULL DEFAULT '',
	    organisation_id TEXT NOT NULL DEFAULT '',
	    variant         TEXT NOT NULL DEFAULT '',

	    status   TEXT NOT NULL DEFAULT 'queued',
	    attempts INT NOT NULL DEFAULT 0,

	    scheduled_at DATETIME NOT NULL,
	    sent_at      DATETIME,

	    provider_message_id TEXT NOT NULL DEFAULT '',
	    error_message       TEXT NOT NULL DEFAULT '',

	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),

	    UNIQUE (step_id, recipient)
	);

	CREATE INDEX IF NOT EXISTS idx_sends_due ON sends(campaign_id, scheduled_at) WHERE status = 'queued';
	CREATE INDEX IF NOT EXISTS idx_sends_provider ON sends(provider_message_id) WHERE provider_message_id != '';

	CREATE TABLE IF NOT EXISTS events (
	    id      INTEGER PRIMARY KEY AUTOINCREMENT,
	    send_id TEXT REFERENCES sends(id), -- null for orphans

	    kind              TEXT NOT NULL,
	    provider_event_id TEXT NOT NULL,
	    raw_type          TEXT NOT NULL DEFAULT '',
	    url               TEXT NOT NULL DEFAULT '',

	    occurred_at DATETIME NOT NULL,
	    created_at  DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),

	    UNIQUE (send_id, provider_event_id)
	);

	CREATE TABLE IF NOT EXISTS unsubscribed_emails (
	    email      TEXT PRIMARY KEY, -- lower cased
	    reason     TEXT NOT NULL DEFAULT '',
	    source     TEXT NOT NULL,    -- email-link, web-form
	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	-- The CRM owns contacts and organisations, the pipeline only flips the
	-- suppression flag on them as part of the unsubscribe cascade.
	CREATE TABLE IF NOT EXISTS contacts (
	    id         TEXT PRIMARY KEY,
	    email      TEXT NOT NULL DEFAULT '',
	    suppressed INT NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS organisations (
	    id         TEXT PRIMARY KEY,
	    suppressed INT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS send_log (
	    send_id    TEXT NOT NULL,
	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    log        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_send_log ON send_log(send_id);
`)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}

	return nil
}
