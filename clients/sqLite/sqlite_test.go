package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asort97/happycat-vpn/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), WithTimeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *Store, subscriberIDs ...string) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx *Tx) error {
		if err := tx.UpsertNode(&models.Node{ID: "n1", Address: "10.0.0.1"}); err != nil {
			return err
		}
		for _, id := range subscriberIDs {
			if _, err := tx.CreateSubscriber(&models.Subscriber{ID: id, ReferralCode: "code-" + id}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func credential(id, sub string, kind models.CredentialKind, issued time.Time, ttl time.Duration) *models.Credential {
	return &models.Credential{
		ID:             id,
		SubscriberID:   sub,
		NodeID:         "n1",
		SecretMaterial: []byte("sealed"),
		Kind:           kind,
		IssuedAt:       issued,
		ExpiresAt:      issued.Add(ttl),
	}
}

func TestOpenCreatesSchemaAndReopens(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	assert.FileExists(t, s.Path())
}

func TestSubscriberLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		created, err := tx.CreateSubscriber(&models.Subscriber{ID: "100", ReferralCode: "abc"})
		require.NoError(t, err)
		assert.True(t, created)

		created, err = tx.CreateSubscriber(&models.Subscriber{ID: "100", ReferralCode: "other"})
		require.NoError(t, err)
		assert.False(t, created)

		sub, err := tx.SubscriberByReferralCode("abc")
		require.NoError(t, err)
		require.NotNil(t, sub)
		assert.Equal(t, "100", sub.ID)
		assert.Nil(t, sub.ReferredBy)

		missing, err := tx.GetSubscriber("nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		ok, err := tx.MarkTrialUsed("100")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.MarkTrialUsed("100")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tx.SetReferredBy("100", "200")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.SetReferredBy("100", "300")
		require.NoError(t, err)
		assert.False(t, ok)

		sub, err = tx.GetSubscriber("100")
		require.NoError(t, err)
		assert.True(t, sub.TrialUsed)
		require.NotNil(t, sub.ReferredBy)
		assert.Equal(t, "200", *sub.ReferredBy)
		return nil
	}))
}

func TestSingleActiveNonAdminCredential(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "u1")
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertCredential(credential("c1", "u1", models.KindTrial, now, time.Hour))
	}))

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertCredential(credential("c2", "u1", models.KindPaid, now, time.Hour))
	})
	require.Error(t, err)

	// Admin grants sit outside the single-active rule.
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertCredential(credential("a1", "u1", models.KindAdminGrant, now.Add(time.Minute), time.Hour))
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		cur, err := tx.ActiveCredential("u1")
		require.NoError(t, err)
		assert.Equal(t, "c1", cur.ID, "non-admin credential wins")

		n, err := tx.CountActiveNonAdmin("u1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		revoked, err := tx.RevokeCredential("c1", now)
		require.NoError(t, err)
		assert.True(t, revoked)
		revoked, err = tx.RevokeCredential("c1", now)
		require.NoError(t, err)
		assert.False(t, revoked)

		return tx.InsertCredential(credential("c2", "u1", models.KindPaid, now.Add(2*time.Minute), time.Hour))
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		latest, err := tx.LatestCredential("u1")
		require.NoError(t, err)
		assert.Equal(t, "c2", latest.ID)

		old, err := tx.GetCredential("c1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusRevoked, old.Status)
		require.NotNil(t, old.RevokedAt)

		all, err := tx.ListCredentials("u1")
		require.NoError(t, err)
		assert.Len(t, all, 3)
		return nil
	}))
}

func TestInsertCredentialRejectsInvertedWindow(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "u1")
	now := time.Now()
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.InsertCredential(credential("c1", "u1", models.KindTrial, now, 0))
	})
	assert.Error(t, err)
}

func TestExtendCredentialKeepsGrantedUntil(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "u1")
	now := time.Now().UTC()
	c := credential("c1", "u1", models.KindPaid, now, 24*time.Hour)

	require.NoError(t, s.WithTx(context.Background(), func(tx *Tx) error {
		require.NoError(t, tx.InsertCredential(c))

		expires, err := tx.ExtendCredential("c1", 15*24*time.Hour, "referral", now)
		require.NoError(t, err)
		assert.Equal(t, c.ExpiresAt.Add(15*24*time.Hour).UnixNano(), expires.UnixNano())

		got, err := tx.GetCredential("c1")
		require.NoError(t, err)
		assert.Equal(t, c.ExpiresAt.UnixNano(), got.GrantedUntil.UnixNano())
		assert.Equal(t, expires.UnixNano(), got.ExpiresAt.UnixNano())

		ext, err := tx.Extensions("c1")
		require.NoError(t, err)
		require.Len(t, ext, 1)
		assert.Equal(t, "referral", ext[0].Reason)
		assert.Equal(t, 15*24*time.Hour, ext[0].Added)

		_, err = tx.RevokeCredential("c1", now)
		require.NoError(t, err)
		_, err = tx.ExtendCredential("c1", time.Hour, "late", now)
		assert.ErrorIs(t, err, ErrNotActive)
		return nil
	}))
}

func TestExtendCredentialCountsLapsedExpiryFromNow(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "u1")
	now := time.Now().UTC()

	require.NoError(t, s.WithTx(context.Background(), func(tx *Tx) error {
		require.NoError(t, tx.InsertCredential(credential("c1", "u1", models.KindPaid, now.Add(-48*time.Hour), 24*time.Hour)))

		expires, err := tx.ExtendCredential("c1", 15*24*time.Hour, "referral", now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(15*24*time.Hour).UnixNano(), expires.UnixNano())

		expired, err := tx.ExpiredActive(now, 10)
		require.NoError(t, err)
		assert.Empty(t, expired)
		return nil
	}))
}

func TestExtendCredentialRefusesSweepLease(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "u1")
	now := time.Now().UTC()
	c := credential("c1", "u1", models.KindPaid, now.Add(-48*time.Hour), 24*time.Hour)

	require.NoError(t, s.WithTx(context.Background(), func(tx *Tx) error {
		require.NoError(t, tx.InsertCredential(c))
		ok, err := tx.ClaimForSweep("c1", now, now.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)

		_, err = tx.ExtendCredential("c1", time.Hour, "referral", now)
		assert.ErrorIs(t, err, ErrSweepLeased)

		got, err := tx.GetCredential("c1")
		require.NoError(t, err)
		assert.Equal(t, c.ExpiresAt.UnixNano(), got.ExpiresAt.UnixNano())
		ext, err := tx.Extensions("c1")
		require.NoError(t, err)
		assert.Empty(t, ext)

		// A lease left behind by a crashed sweep stops blocking once it lapses.
		later := now.Add(2 * time.Minute)
		expires, err := tx.ExtendCredential("c1", time.Hour, "referral", later)
		require.NoError(t, err)
		assert.Equal(t, later.Add(time.Hour).UnixNano(), expires.UnixNano())
		return nil
	}))
}

func TestSweepScansAndLease(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "u1", "u2")
	now := time.Now().UTC()
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		require.NoError(t, tx.InsertCredential(credential("expired", "u1", models.KindTrial, now.Add(-48*time.Hour), 24*time.Hour)))
		return tx.InsertCredential(credential("live", "u2", models.KindPaid, now, 24*time.Hour))
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		expired, err := tx.ExpiredActive(now, 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "expired", expired[0].ID)

		ok, err := tx.ClaimForSweep("expired", now, now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.ClaimForSweep("expired", now, now.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "lease is held")

		ok, err = tx.ClaimForSweep("live", now, now.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "not expired")

		leased, err := tx.ExpiredActive(now, 10)
		require.NoError(t, err)
		assert.Empty(t, leased)

		require.NoError(t, tx.ReleaseSweepLease("expired"))
		leased, err = tx.ExpiredActive(now, 10)
		require.NoError(t, err)
		assert.Len(t, leased, 1)

		_, err = tx.RevokeCredential("expired", now)
		require.NoError(t, err)
		pending, err := tx.UnrevokedSecrets(10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.NoError(t, tx.MarkSecretRevoked("expired"))
		pending, err = tx.UnrevokedSecrets(10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		released, err := tx.MarkLoadReleased("expired")
		require.NoError(t, err)
		assert.True(t, released)
		released, err = tx.MarkLoadReleased("expired")
		require.NoError(t, err)
		assert.False(t, released)
		return nil
	}))
}

func TestNodeLoadCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	require.NoError(t, s.WithTx(context.Background(), func(tx *Tx) error {
		n, err := tx.GetNode("n1")
		require.NoError(t, err)
		assert.Equal(t, 0, n.LoadCount)

		ok, err := tx.CompareAndSetNodeLoad("n1", n.Version, 1)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.CompareAndSetNodeLoad("n1", n.Version, 2)
		require.NoError(t, err)
		assert.False(t, ok, "stale version")

		_, err = tx.CompareAndSetNodeLoad("n1", n.Version+1, -1)
		assert.Error(t, err)

		ok, err = tx.SetNodeStatus("n1", models.NodeDrained)
		require.NoError(t, err)
		assert.True(t, ok)

		active, err := tx.ActiveNodes()
		require.NoError(t, err)
		assert.Empty(t, active)

		all, err := tx.ListNodes()
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, 1, all[0].LoadCount)
		assert.Equal(t, models.NodeDrained, all[0].Status)
		return nil
	}))
}

func TestReferralLedger(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.WithTx(context.Background(), func(tx *Tx) error {
		ok, err := tx.InsertReferralEdge("r", "a", now)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.InsertReferralEdge("other", "a", now)
		require.NoError(t, err)
		assert.False(t, ok, "a subscriber has at most one referrer")
		_, err = tx.InsertReferralEdge("r", "b", now)
		require.NoError(t, err)

		n, err := tx.ClaimReferralEdges("r", "batch-1", now)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = tx.ClaimReferralEdges("r", "batch-2", now)
		require.NoError(t, err)
		assert.Zero(t, n)

		stats, err := tx.ReferralStats("r")
		require.NoError(t, err)
		assert.Equal(t, models.ReferralStats{Invited: 2, Claimed: 2, Pending: 0}, stats)

		require.NoError(t, tx.InsertRewardGrant(RewardGrant{
			BatchID: "batch-1", ReferrerID: "r", Units: 2, Duration: 30 * 24 * time.Hour, CreatedAt: now,
		}))
		pending, err := tx.PendingRewardGrants("r")
		require.NoError(t, err)
		require.Len(t, pending, 1)

		ok, err = tx.DeliverRewardGrant("batch-1", "cred", now)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.DeliverRewardGrant("batch-1", "cred", now)
		require.NoError(t, err)
		assert.False(t, ok)

		pending, err = tx.PendingRewardGrants("r")
		require.NoError(t, err)
		assert.Empty(t, pending)
		return nil
	}))
}

func TestAttemptsAndPayments(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.WithTx(context.Background(), func(tx *Tx) error {
		ok, err := tx.ReserveAttempt(Attempt{ID: "a1", SubscriberID: "u1", NodeID: "n1", Kind: models.KindPaid, CreatedAt: now.Add(-time.Hour)})
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.ReserveAttempt(Attempt{ID: "a2", SubscriberID: "u1", NodeID: "n1", Kind: models.KindPaid, CreatedAt: now})
		require.NoError(t, err)
		assert.False(t, ok, "one attempt per subscriber")

		stale, err := tx.StaleAttempts(now.Add(-time.Minute))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, models.KindPaid, stale[0].Kind)

		ok, err = tx.DeleteAttempt("a1")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.DeleteAttempt("a1")
		require.NoError(t, err)
		assert.False(t, ok)

		p, err := tx.GetPayment("pay-1")
		require.NoError(t, err)
		assert.Nil(t, p)

		require.NoError(t, tx.InsertPayment(&models.Payment{ID: "pay-1", SubscriberID: "u1", PlanID: "30d", Amount: 199, CredentialID: "c1", AppliedAt: now}))
		assert.Error(t, tx.InsertPayment(&models.Payment{ID: "pay-1", SubscriberID: "u1", CredentialID: "c2", AppliedAt: now}))

		p, err = tx.GetPayment("pay-1")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "c1", p.CredentialID)
		assert.Equal(t, "30d", p.PlanID)
		return nil
	}))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.WithTx(context.Background(), func(tx *Tx) error {
		if _, err := tx.CreateSubscriber(&models.Subscriber{ID: "u1", ReferralCode: "x"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.WithTx(context.Background(), func(tx *Tx) error {
		sub, err := tx.GetSubscriber("u1")
		require.NoError(t, err)
		assert.Nil(t, sub)
		return nil
	}))
}
