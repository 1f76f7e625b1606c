// Package suppress is the single funnel for the global unsubscribe list.
// Both the webhook-driven unsubscribe and the direct user-facing request go
// through here, so the at-most-one-row-per-email invariant is enforced in
// exactly one place.
package suppress

import (
	"errors"

	"github.com/modfin/henry/slicez"
	"github.com/relata/kampanj/internal/dao"
	"github.com/relata/kampanj/tools"
	"github.com/sirupsen/logrus"
)

var ErrAlreadyExists = dao.ErrAlreadyExists

var validSources = []string{dao.UnsubscribeSourceEmailLink, dao.UnsubscribeSourceWebForm}

type Manager struct {
	db  dao.DAO
	log *logrus.Logger
}

func New(db dao.DAO, lc *tools.Logger) *Manager {
	return &Manager{
		db:  db,
		log: lc.New("suppress"),
	}
}

// IsSuppressed is consulted synchronously by the send worker right before
// the provider call. It always reads the store, suppression latency is
// bounded by the dispatch tick, not by any cache.
func (m *Manager) IsSuppressed(email string) (bool, error) {
	return m.db.IsSuppressed(email)
}

// Suppress upserts the address into the suppression list. ErrAlreadyExists
// signals the address was already present, which callers treat as a
// conflict, not a failure.
func (m *Manager) Suppress(email, reason, source string) (*dao.UnsubscribedEmail, error) {
	email = tools.NormalizeEmail(email)
	if !tools.ValidEmail(email) {
		return nil, errors.New("a valid email must be provided")
	}
	if !slicez.Contains(validSources, source) {
		return nil, errors.New("source must be one of 'email-link' or 'web-form'")
	}

	created, err := m.db.Suppress(email, reason, source)
	if err != nil {
		return nil, err
	}

	unsub, err := m.db.GetUnsubscribed(email)
	if err != nil {
		return nil, err
	}
	if !created {
		m.log.WithField("email", email).Debug("suppress; email already on the list")
		return unsub, ErrAlreadyExists
	}
	m.log.WithField("email", email).WithField("source", source).Info("suppress; email added to the list")
	return unsub, nil
}
