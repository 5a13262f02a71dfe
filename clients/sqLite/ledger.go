package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Asort97/happycat-vpn/models"
)

// InsertReferralEdge records referrer->referred once per referred subscriber.
// It reports false when the referred subscriber already has a referrer.
func (t *Tx) InsertReferralEdge(referrerID, referredID string, now time.Time) (bool, error) {
	n, err := t.execAffected(`
		INSERT INTO referral_edges (referrer_id, referred_id, reward_claimed, created_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT DO NOTHING`, referrerID, referredID, unixNano(now))
	if err != nil {
		return false, fmt.Errorf("insert referral edge: %w", err)
	}
	return n == 1, nil
}

// ClaimReferralEdges flips every unclaimed edge of referrerID to claimed and
// tags them with batch. The affected row count is the number of units won.
func (t *Tx) ClaimReferralEdges(referrerID, batch string, now time.Time) (int, error) {
	n, err := t.execAffected(`
		UPDATE referral_edges
		SET reward_claimed = 1, claim_batch = ?, claimed_at = ?
		WHERE referrer_id = ? AND reward_claimed = 0`, batch, unixNano(now), referrerID)
	if err != nil {
		return 0, fmt.Errorf("claim referral edges: %w", err)
	}
	return int(n), nil
}

func (t *Tx) ReferralEdges(referrerID string) ([]models.ReferralEdge, error) {
	rows, err := t.query(`
		SELECT referrer_id, referred_id, reward_claimed, created_at, claimed_at
		FROM referral_edges WHERE referrer_id = ? ORDER BY created_at`, referrerID)
	if err != nil {
		return nil, fmt.Errorf("list referral edges: %w", err)
	}
	defer rows.Close()

	var out []models.ReferralEdge
	for rows.Next() {
		var (
			e       models.ReferralEdge
			claimed int
			created int64
			at      sql.NullInt64
		)
		if err := rows.Scan(&e.ReferrerID, &e.ReferredID, &claimed, &created, &at); err != nil {
			return nil, fmt.Errorf("scan referral edge: %w", err)
		}
		e.RewardClaimed = claimed == 1
		e.CreatedAt = fromUnixNano(created)
		e.ClaimedAt = timePtr(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *Tx) ReferralStats(referrerID string) (models.ReferralStats, error) {
	var stats models.ReferralStats
	err := t.queryRow(`
		SELECT COUNT(*), COALESCE(SUM(reward_claimed), 0)
		FROM referral_edges WHERE referrer_id = ?`, referrerID).Scan(&stats.Invited, &stats.Claimed)
	if err != nil {
		return stats, fmt.Errorf("referral stats: %w", err)
	}
	stats.Pending = stats.Invited - stats.Claimed
	return stats, nil
}

// RewardGrant is a claimed batch of referral units waiting to be, or already,
// applied to a credential.
type RewardGrant struct {
	BatchID      string
	ReferrerID   string
	Units        int
	Duration     time.Duration
	CredentialID string
	CreatedAt    time.Time
	DeliveredAt  *time.Time
}

func (t *Tx) InsertRewardGrant(g RewardGrant) error {
	if g.BatchID == "" || g.ReferrerID == "" || g.Units <= 0 || g.Duration <= 0 {
		return fmt.Errorf("reward grant batch, referrer, units and duration are required")
	}
	_, err := t.exec(`
		INSERT INTO reward_grants (batch_id, referrer_id, units, duration_ns, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		g.BatchID, g.ReferrerID, g.Units, int64(g.Duration), unixNano(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert reward grant: %w", err)
	}
	return nil
}

// PendingRewardGrants lists undelivered grants of a referrer, oldest first.
func (t *Tx) PendingRewardGrants(referrerID string) ([]RewardGrant, error) {
	rows, err := t.query(`
		SELECT batch_id, referrer_id, units, duration_ns, created_at
		FROM reward_grants
		WHERE referrer_id = ? AND delivered_at IS NULL
		ORDER BY created_at, batch_id`, referrerID)
	if err != nil {
		return nil, fmt.Errorf("list reward grants: %w", err)
	}
	defer rows.Close()

	var out []RewardGrant
	for rows.Next() {
		var (
			g       RewardGrant
			dur     int64
			created int64
		)
		if err := rows.Scan(&g.BatchID, &g.ReferrerID, &g.Units, &dur, &created); err != nil {
			return nil, fmt.Errorf("scan reward grant: %w", err)
		}
		g.Duration = time.Duration(dur)
		g.CreatedAt = fromUnixNano(created)
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeliverRewardGrant binds one pending grant to the credential that carries
// it. It reports false when the grant was already delivered.
func (t *Tx) DeliverRewardGrant(batchID, credentialID string, now time.Time) (bool, error) {
	n, err := t.execAffected(`
		UPDATE reward_grants SET credential_id = ?, delivered_at = ?
		WHERE batch_id = ? AND delivered_at IS NULL`, credentialID, unixNano(now), batchID)
	if err != nil {
		return false, fmt.Errorf("deliver reward grant: %w", err)
	}
	return n == 1, nil
}

// Attempt is an in-flight issuance: the node slot is reserved but the
// credential row is not yet written.
type Attempt struct {
	ID           string
	SubscriberID string
	NodeID       string
	Kind         models.CredentialKind
	CreatedAt    time.Time
}

// ReserveAttempt registers an in-flight issuance. It reports false when the
// subscriber already has one.
func (t *Tx) ReserveAttempt(a Attempt) (bool, error) {
	n, err := t.execAffected(`
		INSERT INTO issuance_attempts (attempt_id, subscriber_id, node_id, kind, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		a.ID, a.SubscriberID, a.NodeID, string(a.Kind), unixNano(a.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("reserve issuance attempt: %w", err)
	}
	return n == 1, nil
}

// DeleteAttempt removes an attempt. It reports false when it was already
// gone, which means someone else finished or compensated it.
func (t *Tx) DeleteAttempt(id string) (bool, error) {
	n, err := t.execAffected(`DELETE FROM issuance_attempts WHERE attempt_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete issuance attempt: %w", err)
	}
	return n == 1, nil
}

// StaleAttempts lists attempts created before cutoff.
func (t *Tx) StaleAttempts(cutoff time.Time) ([]Attempt, error) {
	rows, err := t.query(`
		SELECT attempt_id, subscriber_id, node_id, kind, created_at
		FROM issuance_attempts WHERE created_at < ? ORDER BY created_at`, unixNano(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stale attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a       Attempt
			kind    string
			created int64
		)
		if err := rows.Scan(&a.ID, &a.SubscriberID, &a.NodeID, &kind, &created); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Kind = models.CredentialKind(kind)
		a.CreatedAt = fromUnixNano(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetPayment returns nil, nil when the payment was never applied.
func (t *Tx) GetPayment(id string) (*models.Payment, error) {
	var (
		p       models.Payment
		applied int64
	)
	err := t.queryRow(`
		SELECT payment_id, subscriber_id, plan_id, amount, credential_id, applied_at
		FROM payments WHERE payment_id = ?`, id).
		Scan(&p.ID, &p.SubscriberID, &p.PlanID, &p.Amount, &p.CredentialID, &applied)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	p.AppliedAt = fromUnixNano(applied)
	return &p, nil
}

// InsertPayment records an applied payment. A replayed payment id fails on
// the primary key.
func (t *Tx) InsertPayment(p *models.Payment) error {
	if p == nil || p.ID == "" || p.SubscriberID == "" || p.CredentialID == "" {
		return fmt.Errorf("payment id, subscriber and credential are required")
	}
	_, err := t.exec(`
		INSERT INTO payments (payment_id, subscriber_id, plan_id, amount, credential_id, applied_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.SubscriberID, p.PlanID, p.Amount, p.CredentialID, unixNano(p.AppliedAt))
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}
