package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ClaimDueSends selects up to limit due queued sends for a campaign, FIFO by
// (scheduled_at, id), and claims each with a conditional update. Only rows
// the update actually hit are returned, so two racing ticks can never hand
// the same send to two workers.
func (s *sqlite) ClaimDueSends(campaignID string, limit int, now time.Time) (claimed []Send, err error) {

	if limit <= 0 {
		return nil, nil
	}

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	var due []Send
	err = tx.Select(&due, `
		SELECT * FROM sends
		WHERE campaign_id = ?
		  AND status = 'queued'
		  AND scheduled_at <= ?
		ORDER BY scheduled_at, id
		LIMIT ?`, campaignID, now.In(time.UTC), limit)
	if err != nil {
		return nil, err
	}

	for _, send := range due {
		res, err := tx.Exec(`
			UPDATE sends
			SET status = 'scheduled', updated_at = ?
			WHERE id = ? AND status = 'queued'`, now.In(time.UTC), send.ID)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected != 1 {
			continue
		}
		send.Status = SendStatusScheduled
		claimed = append(claimed, send)
		err = s.addSendLogTx(tx, send.ID, "claimed by dispatcher")
		if err != nil {
			return nil, err
		}
	}

	return claimed, nil
}

func (s *sqlite) GetSend(id string) (*Send, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var send Send
	err = db.Get(&send, `SELECT * FROM sends WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &send, err
}

func (s *sqlite) FindSendByProviderMessage(providerMessageID, recipient string) (*Send, error) {
	// Sends that never reached the provider hold the column default '', an
	// event without a message id must not match those.
	if providerMessageID == "" {
		return nil, ErrNotFound
	}
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var send Send
	err = db.Get(&send, `
		SELECT * FROM sends
		WHERE provider_message_id = ? AND recipient = ?`, providerMessageID, recipient)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &send, err
}

// MarkSending moves a claimed send into the worker. A false return means the
// claim was lost, the caller should drop the job without side effects.
func (s *sqlite) MarkSending(id string) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	res, err := db.Exec(`
		UPDATE sends
		SET status = 'sending', updated_at = ?
		WHERE id = ? AND status = 'scheduled'`, time.Now().In(time.UTC), id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

func (s *sqlite) MarkSent(id string, providerMessageID string, at time.Time) (err error) {

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

	res, err := tx.Exec(`
		UPDATE sends
		SET status = 'sent', sent_at = ?, provider_message_id = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'sending'`, at.In(time.UTC), providerMessageID, at.In(time.UTC), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("could not mark send %s as sent, %d rows affected", id, affected)
	}
	return s.addSendLogTx(tx, id, fmt.Sprintf("accepted by provider as %s", providerMessageID))
}

// RequeueSend puts a transiently failed send back in the queue with a
// backoff. The attempt counter only moves forward here and in MarkSent, so
// the retry ceiling is bounded by provider calls, not claims.
func (s *sqlite) RequeueSend(id string, notBefore time.Time, reason string) (requeued bool, err error) {

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return false, err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(`
		UPDATE sends
		SET status = 'queued', scheduled_at = ?, attempts = attempts + 1, error_message = ?, updated_at = ?
		WHERE id = ? AND status = 'sending'`, notBefore.In(time.UTC), reason, time.Now().In(time.UTC), id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected != 1 {
		return false, nil
	}
	err = s.addSendLogTx(tx, id, fmt.Sprintf("requeued after transient failure, not before %s: %s",
		notBefore.In(time.UTC).Format(time.RFC3339), reason))
	return true, err
}

// ReclaimStaleSends requeues sends stuck in 'scheduled' since before the
// cutoff. A claim normally turns into 'sending' within one tick, anything
// older was stranded between claim and handover by a shutdown or a crash.
func (s *sqlite) ReclaimStaleSends(cutoff time.Time) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(`
		UPDATE sends
		SET status = 'queued', updated_at = ?
		WHERE status = 'scheduled' AND updated_at < ?`,
		time.Now().In(time.UTC), cutoff.In(time.UTC))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlite) FailSend(id string, reason string) (err error) {

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

	res, err := tx.Exec(`
		UPDATE sends
		SET status = 'failed', error_message = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'scheduled', 'sending')`, reason, time.Now().In(time.UTC), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("could not fail send %s, %d rows affected", id, affected)
	}
	return s.addSendLogTx(tx, id, "failed: "+reason)
}
