package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/modfin/henry/slicez"
	"github.com/relata/kampanj/tools"
)

func (s *sqlite) CreateCampaign(campaign Campaign, steps []Step) (err error) {

	if len(steps) == 0 {
		return errors.New("a campaign must have at least one step")
	}
	sorted := slicez.SortBy(steps, func(a, b Step) bool { return a.OrderIdx < b.OrderIdx })
	for i, step := range sorted {
		if step.OrderIdx != i+1 {
			return fmt.Errorf("step order indices must be contiguous and unique, got %d at position %d", step.OrderIdx, i+1)
		}
	}

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	q1 := `
	INSERT INTO campaigns (id, name, mode, status, rate_per_minute, starts_at)
	VALUES (:id, :name, :mode, :status, :rate_per_minute, :starts_at)
	`
	if campaign.Status == "" {
		campaign.Status = CampaignStatusDraft
	}
	if campaign.Mode == "" {
		campaign.Mode = CampaignModeManual
	}
	_, err = tx.NamedExec(q1, campaign)
	if err != nil {
		return fmt.Errorf("failed to insert campaign, %w", err)
	}

	q2 := `
	INSERT INTO steps (id, campaign_id, order_idx, delay_seconds, gate, variant, subject, text_body, html_body)
	VALUES (:id, :campaign_id, :order_idx, :delay_seconds, :gate, :variant, :subject, :text_body, :html_body)
	`
	for _, step := range sorted {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		step.CampaignID = campaign.ID
		_, err = tx.NamedExec(q2, step)
		if err != nil {
			return fmt.Errorf("failed to insert step %d, %w", step.OrderIdx, err)
		}
	}
	return nil
}

func (s *sqlite) GetCampaign(id string) (*Campaign, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var campaign Campaign
	err = db.Get(&campaign, `SELECT * FROM campaigns WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &campaign, err
}

func (s *sqlite) GetSteps(campaignID string) ([]Step, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var steps []Step
	err = db.Select(&steps, `SELECT * FROM steps WHERE campaign_id = ? ORDER BY order_idx`, campaignID)
	return steps, err
}

func (s *sqlite) GetStep(id string) (*Step, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var step Step
	err = db.Get(&step, `SELECT * FROM steps WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &step, err
}

func (s *sqlite) DispatchableCampaigns() ([]Campaign, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var campaigns []Campaign
	err = db.Select(&campaigns, `
		SELECT * FROM campaigns
		WHERE status IN ('scheduled', 'running')
		ORDER BY created_at, id`)
	return campaigns, err
}

func (s *sqlite) StartScheduledCampaigns(now time.Time) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(`
		UPDATE campaigns
		SET status = 'running', updated_at = ?
		WHERE status = 'scheduled'
		  AND starts_at IS NOT NULL
		  AND starts_at <= ?`, now.In(time.UTC), now.In(time.UTC))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlite) SetCampaignStatus(id string, from []CampaignStatus, to CampaignStatus) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	query, args, err := sqlx.In(`
		UPDATE campaigns
		SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?)`, to, time.Now().In(time.UTC), id, from)
	if err != nil {
		return false, err
	}
	res, err := db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

// CompleteCampaigns transitions running campaigns with no unfinished sends to
// completed. Called lazily at the start of a dispatcher tick rather than by
// workers, so a single-send transaction never locks the campaign row.
func (s *sqlite) CompleteCampaigns() (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(`
		UPDATE campaigns
		SET status = 'completed', updated_at = ?
		WHERE status = 'running'
		  AND NOT EXISTS (
		      SELECT 1 FROM sends
		      WHERE sends.campaign_id = campaigns.id
		        AND sends.status IN ('queued', 'scheduled', 'sending')
		  )`, time.Now().In(time.UTC))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ActivateCampaign moves a draft or scheduled campaign into dispatch and
// creates the step one sends for the audience. Suppressed recipients are
// skipped up front, re-activation with an overlapping audience is a no-op
// for recipients that already have a step one send.
func (s *sqlite) ActivateCampaign(id string, recipients []Recipient, now time.Time) (created int, err error) {

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	var campaign Campaign
	err = tx.Get(&campaign, `SELECT * FROM campaigns WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	target := CampaignStatusRunning
	scheduledAt := now.In(time.UTC)
	if campaign.Mode == CampaignModeScheduled && campaign.StartsAt != nil && campaign.StartsAt.After(now) {
		target = CampaignStatusScheduled
		scheduledAt = campaign.StartsAt.In(time.UTC)
	}

	res, err := tx.Exec(`
		UPDATE campaigns SET status = ?, updated_at = ?
		WHERE id = ? AND status IN ('draft', 'scheduled')`, target, now.In(time.UTC), id)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected != 1 && campaign.Status != CampaignStatusRunning {
		return 0, fmt.Errorf("campaign %s cannot be activated from status %s", id, campaign.Status)
	}

	var step Step
	err = tx.Get(&step, `SELECT * FROM steps WHERE campaign_id = ? AND order_idx = 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("campaign %s has no first step", id)
	}
	if err != nil {
		return 0, err
	}

	for _, recipient := range recipients {
		email := tools.NormalizeEmail(recipient.Email)
		if email == "" {
			continue
		}

		var suppressed int
		err = tx.Get(&suppressed, `SELECT COUNT(*) FROM unsubscribed_emails WHERE email = ?`, email)
		if err != nil {
			return created, err
		}
		if suppressed > 0 {
			continue
		}

		res, err = tx.Exec(`
			INSERT OR IGNORE INTO sends
			    (id, campaign_id, step_id, recipient, contact_id, organisation_id, variant, status, scheduled_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', ?)`,
			uuid.New().String(), id, step.ID, email,
			recipient.ContactID, recipient.OrganisationID, step.Variant, scheduledAt)
		if err != nil {
			return created, err
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return created, err
		}
		created += int(affected)
	}

	return created, nil
}

// AdvanceSteps creates next-step sends for recipients whose previous-step
// send satisfies the step gate. The unique (step_id, recipient) index and the
// NOT EXISTS guard make repeated calls idempotent.
func (s *sqlite) AdvanceSteps(campaignID string, now time.Time) (created int, err error) {

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	var steps []Step
	err = tx.Select(&steps, `SELECT * FROM steps WHERE campaign_id = ? ORDER BY order_idx`, campaignID)
	if err != nil {
		return 0, err
	}

	for i := 1; i < len(steps); i++ {
		prev, step := steps[i-1], steps[i]

		gateStatuses := GateSatisfiedBy(step.Gate)

		query, args, err := sqlx.In(`
			SELECT s.recipient, s.contact_id, s.organisation_id, s.sent_at
			FROM sends s
			WHERE s.step_id = ?
			  AND s.status IN (?)
			  AND s.sent_at IS NOT NULL
			  AND NOT EXISTS (SELECT 1 FROM sends n WHERE n.step_id = ? AND n.recipient = s.recipient)
			  AND NOT EXISTS (SELECT 1 FROM unsubscribed_emails u WHERE u.email = s.recipient)`,
			prev.ID, gateStatuses, step.ID)
		if err != nil {
			return created, err
		}

		var candidates []struct {
			Recipient      string     `db:"recipient"`
			ContactID      string     `db:"contact_id"`
			OrganisationID string     `db:"organisation_id"`
			SentAt         *time.Time `db:"sent_at"`
		}
		err = tx.Select(&candidates, query, args...)
		if err != nil {
			return created, err
		}

		for _, c := range candidates {
			scheduledAt := c.SentAt.Add(time.Duration(step.DelaySeconds) * time.Second).In(time.UTC)

			res, err := tx.Exec(`
				INSERT OR IGNORE INTO sends
				    (id, campaign_id, step_id, recipient, contact_id, organisation_id, variant, status, scheduled_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', ?)`,
				uuid.New().String(), campaignID, step.ID, c.Recipient,
				c.ContactID, c.OrganisationID, step.Variant, scheduledAt)
			if err != nil {
				return created, err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return created, err
			}
			created += int(affected)
		}
	}

	return created, nil
}
