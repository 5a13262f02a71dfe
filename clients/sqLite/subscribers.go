package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Asort97/happycat-vpn/models"
)

const subscriberColumns = `id, referral_code, referred_by, trial_used, created_at`

// CreateSubscriber inserts sub unless a subscriber with the same id exists.
// It reports whether a row was created.
func (t *Tx) CreateSubscriber(sub *models.Subscriber) (bool, error) {
	if sub == nil || sub.ID == "" || sub.ReferralCode == "" {
		return false, fmt.Errorf("subscriber id and referral code are required")
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	var referredBy any
	if sub.ReferredBy != nil {
		referredBy = *sub.ReferredBy
	}
	n, err := t.execAffected(`
		INSERT INTO subscribers (id, referral_code, referred_by, trial_used, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sub.ID, sub.ReferralCode, referredBy, boolToInt(sub.TrialUsed), unixNano(sub.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("create subscriber: %w", err)
	}
	return n == 1, nil
}

// GetSubscriber returns nil, nil when the subscriber does not exist.
func (t *Tx) GetSubscriber(id string) (*models.Subscriber, error) {
	return scanSubscriber(t.queryRow(`SELECT `+subscriberColumns+` FROM subscribers WHERE id = ?`, id))
}

// SubscriberByReferralCode resolves a referral code to its owner.
func (t *Tx) SubscriberByReferralCode(code string) (*models.Subscriber, error) {
	return scanSubscriber(t.queryRow(`SELECT `+subscriberColumns+` FROM subscribers WHERE referral_code = ?`, code))
}

// MarkTrialUsed flips trial_used false->true. It reports false when the flag
// was already set.
func (t *Tx) MarkTrialUsed(id string) (bool, error) {
	n, err := t.execAffected(`UPDATE subscribers SET trial_used = 1 WHERE id = ? AND trial_used = 0`, id)
	if err != nil {
		return false, fmt.Errorf("mark trial used: %w", err)
	}
	return n == 1, nil
}

// SetReferredBy sets the back-reference once; later calls are no-ops.
func (t *Tx) SetReferredBy(id, referrerID string) (bool, error) {
	n, err := t.execAffected(`UPDATE subscribers SET referred_by = ? WHERE id = ? AND referred_by IS NULL`, referrerID, id)
	if err != nil {
		return false, fmt.Errorf("set referred_by: %w", err)
	}
	return n == 1, nil
}

func scanSubscriber(row *sql.Row) (*models.Subscriber, error) {
	var (
		sub        models.Subscriber
		referredBy sql.NullString
		trialUsed  int
		createdAt  int64
	)
	err := row.Scan(&sub.ID, &sub.ReferralCode, &referredBy, &trialUsed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscriber: %w", err)
	}
	if referredBy.Valid {
		sub.ReferredBy = &referredBy.String
	}
	sub.TrialUsed = trialUsed == 1
	sub.CreatedAt = fromUnixNano(createdAt)
	return &sub, nil
}
