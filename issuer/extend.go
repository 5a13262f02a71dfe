package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Asort97/happycat-vpn/assign"
	sqlite "github.com/Asort97/happycat-vpn/clients/sqLite"
	vpnerrors "github.com/Asort97/happycat-vpn/errors"
	"github.com/Asort97/happycat-vpn/models"
)

// ExtendTx raises the expiry of the subscriber's active credential by extra
// inside tx. extended is false when the subscriber has nothing active. A
// credential that a sweep is revoking right now yields a busy error so the
// caller rolls back and retries once the sweep is done.
func (i *Issuer) ExtendTx(tx *sqlite.Tx, subscriberID string, extra time.Duration, reason string) (c *models.Credential, extended bool, err error) {
	current, err := tx.ActiveCredential(subscriberID)
	if err != nil {
		return nil, false, err
	}
	if current == nil {
		return nil, false, nil
	}
	expires, err := tx.ExtendCredential(current.ID, extra, reason, i.now())
	if errors.Is(err, sqlite.ErrSweepLeased) {
		return nil, false, vpnerrors.New(vpnerrors.KindBusy, "extend", subscriberID, err)
	}
	if err != nil {
		return nil, false, err
	}
	current.ExpiresAt = expires
	return current, true, nil
}

// Extend adds extra to the subscriber's active credential. When nothing is
// active a referral-bonus credential with validity extra is issued instead.
// It returns the new effective expiry.
func (i *Issuer) Extend(ctx context.Context, subscriberID string, extra time.Duration, reason string) (time.Time, error) {
	const op = "extend"
	if extra <= 0 {
		return time.Time{}, fmt.Errorf("%s: extension must be positive, got %s", op, extra)
	}

	// A bonus credential can lose a race with a purchase; the second pass
	// then extends the purchase instead.
	for pass := 0; pass < 2; pass++ {
		var (
			cred     *models.Credential
			extended bool
		)
		err := i.store.WithTx(ctx, func(tx *sqlite.Tx) error {
			sub, err := tx.GetSubscriber(subscriberID)
			if err != nil {
				return err
			}
			if sub == nil {
				return vpnerrors.NotFound(op, subscriberID, "subscriber")
			}
			cred, extended, err = i.ExtendTx(tx, subscriberID, extra, reason)
			return err
		})
		if err != nil {
			return time.Time{}, err
		}
		if extended {
			log.Info().
				Str("subscriber_id", subscriberID).
				Str("credential_id", cred.ID).
				Dur("added", extra).
				Time("expires_at", cred.ExpiresAt).
				Msg("Credential extended")
			return cred.ExpiresAt, nil
		}

		issued, err := i.Issue(ctx, IssueRequest{
			SubscriberID:   subscriberID,
			Kind:           models.KindReferralBonus,
			Validity:       extra,
			OnlyIfNoActive: true,
		})
		if errors.Is(err, ErrActiveExists) {
			continue
		}
		if err != nil {
			return time.Time{}, err
		}
		return issued.Credential.ExpiresAt, nil
	}
	return time.Time{}, vpnerrors.New(vpnerrors.KindBusy, op, subscriberID, nil)
}

// Revoke ends a credential now. Repeated calls are no-ops; the node slot is
// released exactly once. It reports whether this call changed the credential.
func (i *Issuer) Revoke(ctx context.Context, credentialID string) (bool, error) {
	const op = "revoke"
	var (
		cred    *models.Credential
		revoked bool
	)
	err := i.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		c, err := tx.GetCredential(credentialID)
		if err != nil {
			return err
		}
		if c == nil {
			return vpnerrors.NotFound(op, "", "credential "+credentialID)
		}
		cred = c
		if revoked, err = tx.RevokeCredential(c.ID, i.now()); err != nil {
			return err
		}
		if revoked {
			_, err = assign.ReleaseCredential(tx, c)
		}
		return err
	})
	if err != nil {
		return false, err
	}

	i.revokeSecret(context.WithoutCancel(ctx), credentialID)
	if revoked {
		log.Info().
			Str("subscriber_id", cred.SubscriberID).
			Str("credential_id", cred.ID).
			Str("node_id", cred.NodeID).
			Msg("Credential revoked")
	}
	return revoked, nil
}

// Current returns the subscriber's active credential with its profile
// rendered again from the stored material.
func (i *Issuer) Current(ctx context.Context, subscriberID string) (*Issued, error) {
	const op = "current"
	var issued Issued
	err := i.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		sub, err := tx.GetSubscriber(subscriberID)
		if err != nil {
			return err
		}
		if sub == nil {
			return vpnerrors.NotFound(op, subscriberID, "subscriber")
		}
		c, err := tx.ActiveCredential(subscriberID)
		if err != nil {
			return err
		}
		if c == nil {
			return vpnerrors.NotFound(op, subscriberID, "active credential")
		}
		node, err := tx.GetNode(c.NodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return fmt.Errorf("%s: credential %s references unknown node %s", op, c.ID, c.NodeID)
		}
		issued.Credential, issued.Node = c, node
		return nil
	})
	if err != nil {
		return nil, err
	}

	secret, err := i.box.Open(issued.Credential.SecretMaterial)
	if err != nil {
		return nil, fmt.Errorf("%s: open secret of %s: %w", op, issued.Credential.ID, err)
	}
	i.attachProfile(&issued, secret)
	return &issued, nil
}
