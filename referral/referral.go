// Package referral keeps the referrer -> referred ledger and turns unclaimed
// edges into extensions of the referrer's credential.
package referral

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	sqlite "github.com/Asort97/happycat-vpn/clients/sqLite"
	vpnerrors "github.com/Asort97/happycat-vpn/errors"
	"github.com/Asort97/happycat-vpn/issuer"
	"github.com/Asort97/happycat-vpn/metrics"
	"github.com/Asort97/happycat-vpn/models"
)

// CodePrefix is how referral codes travel in /start deep links.
const CodePrefix = "ref_"

const extendReason = "referral"

type Ledger struct {
	store  *sqlite.Store
	issuer *issuer.Issuer
	unit   time.Duration
}

func New(iss *issuer.Issuer, rewardUnit time.Duration) *Ledger {
	return &Ledger{store: iss.Store(), issuer: iss, unit: rewardUnit}
}

// Unit is the time one referral is worth.
func (l *Ledger) Unit() time.Duration {
	return l.unit
}

// RegisterReferral links referredID to the owner of code. Unknown codes,
// self-referrals and subscribers that already have a referrer are ignored.
func (l *Ledger) RegisterReferral(ctx context.Context, referredID, code string) error {
	const op = "register_referral"
	code = strings.TrimPrefix(strings.TrimSpace(code), CodePrefix)
	if code == "" {
		return nil
	}

	var referrerID string
	err := l.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		referred, err := tx.GetSubscriber(referredID)
		if err != nil {
			return err
		}
		if referred == nil {
			return vpnerrors.NotFound(op, referredID, "subscriber")
		}
		referrer, err := tx.SubscriberByReferralCode(code)
		if err != nil {
			return err
		}
		if referrer == nil || referrer.ID == referredID || referred.ReferredBy != nil {
			return nil
		}

		linked, err := tx.SetReferredBy(referredID, referrer.ID)
		if err != nil || !linked {
			return err
		}
		inserted, err := tx.InsertReferralEdge(referrer.ID, referredID, l.issuer.Now())
		if err != nil {
			return err
		}
		if inserted {
			referrerID = referrer.ID
		}
		return nil
	})
	if err != nil {
		return err
	}

	if referrerID == "" {
		log.Debug().Str("subscriber_id", referredID).Str("code", code).Msg("Referral code ignored")
		return nil
	}
	log.Info().Str("subscriber_id", referredID).Str("referrer_id", referrerID).Msg("Referral registered")
	return nil
}

// CreditPending claims every unclaimed edge of referrerID and applies the
// reward as one extension. It returns the number of edges claimed by this
// call; concurrent callers never claim the same edge twice. Grants left
// undelivered by an earlier failure are applied along the way.
func (l *Ledger) CreditPending(ctx context.Context, referrerID string) (int, error) {
	const op = "credit_pending"
	var (
		units    int
		pending  []sqlite.RewardGrant
		extended *models.Credential
	)
	err := l.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		sub, err := tx.GetSubscriber(referrerID)
		if err != nil {
			return err
		}
		if sub == nil {
			return vpnerrors.NotFound(op, referrerID, "subscriber")
		}

		now := l.issuer.Now()
		batch := uuid.NewString()
		units, err = tx.ClaimReferralEdges(referrerID, batch, now)
		if err != nil {
			return err
		}
		if units > 0 {
			err = tx.InsertRewardGrant(sqlite.RewardGrant{
				BatchID:    batch,
				ReferrerID: referrerID,
				Units:      units,
				Duration:   time.Duration(units) * l.unit,
				CreatedAt:  now,
			})
			if err != nil {
				return err
			}
		}

		pending, err = tx.PendingRewardGrants(referrerID)
		if err != nil || len(pending) == 0 {
			return err
		}
		c, ok, err := l.issuer.ExtendTx(tx, referrerID, total(pending), extendReason)
		if err != nil || !ok {
			return err
		}
		extended = c
		return deliver(tx, pending, c.ID, now)
	})
	if err != nil {
		return 0, err
	}
	if units > 0 {
		metrics.ReferralUnitsCreditedTotal.Add(float64(units))
	}

	switch {
	case len(pending) == 0:
		return units, nil
	case extended != nil:
		log.Info().
			Str("subscriber_id", referrerID).
			Str("credential_id", extended.ID).
			Int("units", units).
			Time("expires_at", extended.ExpiresAt).
			Msg("Referral reward applied")
		return units, nil
	}

	// Nothing active to extend: the reward becomes a credential of its own.
	if err := l.deliverAsBonus(ctx, referrerID); err != nil {
		log.Warn().
			Err(err).
			Str("subscriber_id", referrerID).
			Int("units", units).
			Msg("Referral reward kept pending")
		if units > 0 {
			// The units are claimed and stored; delivery retries on the next call.
			return units, nil
		}
		return 0, err
	}
	return units, nil
}

func (l *Ledger) deliverAsBonus(ctx context.Context, referrerID string) error {
	for pass := 0; pass < 2; pass++ {
		var pending []sqlite.RewardGrant
		err := l.store.WithTx(ctx, func(tx *sqlite.Tx) error {
			var err error
			pending, err = tx.PendingRewardGrants(referrerID)
			return err
		})
		if err != nil || len(pending) == 0 {
			return err
		}

		_, err = l.issuer.Issue(ctx, issuer.IssueRequest{
			SubscriberID:   referrerID,
			Kind:           models.KindReferralBonus,
			Validity:       total(pending),
			OnlyIfNoActive: true,
			Finalize: func(tx *sqlite.Tx, c *models.Credential) error {
				return deliver(tx, pending, c.ID, c.IssuedAt)
			},
		})
		if !errors.Is(err, issuer.ErrActiveExists) {
			return err
		}

		// A credential appeared in the meantime; extend it instead.
		var c *models.Credential
		err = l.store.WithTx(ctx, func(tx *sqlite.Tx) error {
			pending, err := tx.PendingRewardGrants(referrerID)
			if err != nil || len(pending) == 0 {
				return err
			}
			cur, ok, err := l.issuer.ExtendTx(tx, referrerID, total(pending), extendReason)
			if err != nil || !ok {
				return err
			}
			c = cur
			return deliver(tx, pending, cur.ID, l.issuer.Now())
		})
		if err != nil || c != nil {
			return err
		}
	}
	return vpnerrors.New(vpnerrors.KindBusy, "credit_pending", referrerID, nil)
}

// deliver binds grants to the credential that carries them. A grant that is
// already delivered means another caller applied it concurrently, so the
// whole unit of work is abandoned.
func deliver(tx *sqlite.Tx, grants []sqlite.RewardGrant, credentialID string, now time.Time) error {
	for _, g := range grants {
		ok, err := tx.DeliverRewardGrant(g.BatchID, credentialID, now)
		if err != nil {
			return err
		}
		if !ok {
			return vpnerrors.New(vpnerrors.KindBusy, "credit_pending", g.ReferrerID, nil)
		}
	}
	return nil
}

func total(grants []sqlite.RewardGrant) time.Duration {
	var d time.Duration
	for _, g := range grants {
		d += g.Duration
	}
	return d
}

// Stats returns the invited / claimed / pending counts of referrerID.
func (l *Ledger) Stats(ctx context.Context, referrerID string) (models.ReferralStats, error) {
	var stats models.ReferralStats
	err := l.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		stats, err = tx.ReferralStats(referrerID)
		return err
	})
	return stats, err
}
