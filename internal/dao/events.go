package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/relata/kampanj/tools"
)

// EventWrite is one provider callback worth of state change. Everything in
// it commits in a single transaction: the event row, the status merge and
// the unsubscribe cascade either all land or none do.
type EventWrite struct {
	Event Event

	// MergeStatus is the status the event argues for, empty when the event
	// kind carries no status side effect. The merge is a conditional update
	// against the precedence order, never an overwrite.
	MergeStatus  SendStatus
	ErrorMessage string

	Unsubscribe    *UnsubscribedEmail
	ContactID      string
	OrganisationID string
}

type EventResult struct {
	EventID            int64
	Duplicate          bool
	StatusChanged      bool
	SuppressionCreated bool
}

func (s *sqlite) WriteEvent(w EventWrite) (result EventResult, err error) {

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return result, err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	// Dedup rides on the unique (send_id, provider_event_id) index rather
	// than a lookup first, so two deliveries of the same event racing each
	// other both resolve to the one stored row. Orphan events carry a NULL
	// send_id and never collide.
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO events (send_id, kind, provider_event_id, raw_type, url, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.Event.SendID, w.Event.Kind, w.Event.ProviderEventID,
		w.Event.RawType, w.Event.URL, w.Event.OccurredAt.In(time.UTC))
	if err != nil {
		return result, fmt.Errorf("failed to insert event, %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return result, err
	}
	if affected == 0 {
		if w.Event.SendID == nil {
			return result, errors.New("event insert affected no rows")
		}
		err = tx.Get(&result.EventID, `
			SELECT id FROM events
			WHERE send_id = ? AND provider_event_id = ?`, *w.Event.SendID, w.Event.ProviderEventID)
		if err != nil {
			return result, err
		}
		result.Duplicate = true
		return result, nil
	}
	result.EventID, err = res.LastInsertId()
	if err != nil {
		return result, err
	}

	if w.MergeStatus != "" && w.Event.SendID != nil {
		result.StatusChanged, err = s.mergeSendStatusTx(tx, *w.Event.SendID, w.MergeStatus, w.ErrorMessage)
		if err != nil {
			return result, err
		}
		if result.StatusChanged {
			err = s.addSendLogTx(tx, *w.Event.SendID,
				fmt.Sprintf("status merged to '%s' on provider event '%s'", w.MergeStatus, w.Event.Kind))
			if err != nil {
				return result, err
			}
		}
	}

	if w.Unsubscribe != nil {
		result.SuppressionCreated, err = s.suppressTx(tx, *w.Unsubscribe, w.ContactID, w.OrganisationID)
		if err != nil {
			return result, err
		}
	}

	return result, nil
}

// mergeSendStatusTx applies the precedence merge. The WHERE clause lists only
// the statuses the target is allowed to replace, so an out-of-order or
// duplicate event falls through as zero rows affected instead of reverting a
// more permanent status.
func (s *sqlite) mergeSendStatusTx(tx *sqlx.Tx, sendID string, target SendStatus, errorMessage string) (bool, error) {

	predecessors := mergePredecessors(target)
	if len(predecessors) == 0 {
		return false, fmt.Errorf("status '%s' is not a valid merge target", target)
	}

	q := `UPDATE sends SET status = ?, updated_at = ? WHERE id = ? AND status IN (?)`
	args := []interface{}{target, time.Now().In(time.UTC), sendID, predecessors}
	if errorMessage != "" {
		q = `UPDATE sends SET status = ?, error_message = ?, updated_at = ? WHERE id = ? AND status IN (?)`
		args = []interface{}{target, errorMessage, time.Now().In(time.UTC), sendID, predecessors}
	}

	query, inArgs, err := sqlx.In(q, args...)
	if err != nil {
		return false, err
	}
	res, err := tx.Exec(query, inArgs...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

func (s *sqlite) suppressTx(tx *sqlx.Tx, unsub UnsubscribedEmail, contactID, organisationID string) (created bool, err error) {

	email := tools.NormalizeEmail(unsub.Email)
	if email == "" {
		return false, errors.New("an email must be provided")
	}

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO unsubscribed_emails (email, reason, source)
		VALUES (?, ?, ?)`, email, unsub.Reason, unsub.Source)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	created = affected == 1

	// The cascade sets flags on CRM records, it never deletes them.
	if contactID != "" {
		_, err = tx.Exec(`UPDATE contacts SET suppressed = 1 WHERE id = ?`, contactID)
		if err != nil {
			return created, err
		}
	}
	_, err = tx.Exec(`UPDATE contacts SET suppressed = 1 WHERE email = ?`, email)
	if err != nil {
		return created, err
	}
	if organisationID != "" {
		_, err = tx.Exec(`UPDATE organisations SET suppressed = 1 WHERE id = ?`, organisationID)
		if err != nil {
			return created, err
		}
	}

	return created, nil
}

func (s *sqlite) IsSuppressed(email string) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	var count int
	err = db.Get(&count, `SELECT COUNT(*) FROM unsubscribed_emails WHERE email = ?`, tools.NormalizeEmail(email))
	return count > 0, err
}

func (s *sqlite) Suppress(email, reason, source string) (created bool, err error) {

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

	return s.suppressTx(tx, UnsubscribedEmail{Email: email, Reason: reason, Source: source}, "", "")
}

func (s *sqlite) GetUnsubscribed(email string) (*UnsubscribedEmail, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var unsub UnsubscribedEmail
	err = db.Get(&unsub, `SELECT * FROM unsubscribed_emails WHERE email = ?`, tools.NormalizeEmail(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &unsub, err
}
