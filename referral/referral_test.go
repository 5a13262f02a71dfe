package referral

import (
	"bytes"
	"context"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asort97/happycat-vpn/assign"
	secretbox "github.com/Asort97/happycat-vpn/clients/secretBox"
	sqlite "github.com/Asort97/happycat-vpn/clients/sqLite"
	vpnerrors "github.com/Asort97/happycat-vpn/errors"
	"github.com/Asort97/happycat-vpn/issuer"
	"github.com/Asort97/happycat-vpn/models"
)

const unit = 15 * 24 * time.Hour

type stubAuthority struct{}

func (stubAuthority) Generate(_ context.Context, req models.AuthorityRequest) (models.Material, error) {
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte(req.CredentialID)})
	return models.Material{SecretMaterial: []byte("key"), PublicArtifact: string(cert)}, nil
}

func (stubAuthority) Revoke(context.Context, string) error { return nil }

func newLedger(t *testing.T, subscribers ...string) (*Ledger, *issuer.Issuer, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	box, err := secretbox.New(bytes.Repeat([]byte{9}, secretbox.KeySize))
	require.NoError(t, err)

	require.NoError(t, store.WithTx(context.Background(), func(tx *sqlite.Tx) error {
		if err := tx.UpsertNode(&models.Node{ID: "n1", Address: "10.0.0.1"}); err != nil {
			return err
		}
		for _, id := range subscribers {
			if _, err := tx.CreateSubscriber(&models.Subscriber{ID: id, ReferralCode: "code" + id}); err != nil {
				return err
			}
		}
		return nil
	}))

	iss := issuer.New(store, assign.New(10), stubAuthority{}, nil, box, issuer.Config{
		Profile: issuer.ProfileConfig{Port: 1443},
	})
	return New(iss, unit), iss, store
}

func edges(t *testing.T, store *sqlite.Store, referrer string) []models.ReferralEdge {
	t.Helper()
	var out []models.ReferralEdge
	require.NoError(t, store.WithTx(context.Background(), func(tx *sqlite.Tx) error {
		var err error
		out, err = tx.ReferralEdges(referrer)
		return err
	}))
	return out
}

func TestRegisterReferral(t *testing.T) {
	ledger, _, store := newLedger(t, "s1", "s2", "s3")
	ctx := context.Background()

	require.NoError(t, ledger.RegisterReferral(ctx, "s2", "ref_codes1"))
	require.NoError(t, ledger.RegisterReferral(ctx, "s2", "codes3"), "first referrer wins")
	require.NoError(t, ledger.RegisterReferral(ctx, "s1", "codes1"), "self referral ignored")
	require.NoError(t, ledger.RegisterReferral(ctx, "s3", "nope"), "unknown code ignored")
	require.NoError(t, ledger.RegisterReferral(ctx, "s3", ""))

	got := edges(t, store, "s1")
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].ReferredID)
	assert.False(t, got[0].RewardClaimed)
	assert.Empty(t, edges(t, store, "s3"))

	require.NoError(t, store.WithTx(ctx, func(tx *sqlite.Tx) error {
		sub, err := tx.GetSubscriber("s2")
		require.NoError(t, err)
		require.NotNil(t, sub.ReferredBy)
		assert.Equal(t, "s1", *sub.ReferredBy)

		self, err := tx.GetSubscriber("s1")
		require.NoError(t, err)
		assert.Nil(t, self.ReferredBy)
		return nil
	}))

	err := ledger.RegisterReferral(ctx, "ghost", "codes1")
	assert.ErrorIs(t, err, vpnerrors.ErrNotFound)
}

func TestCreditPendingExtendsActiveCredential(t *testing.T) {
	ledger, iss, store := newLedger(t, "s1", "s2", "s3")
	ctx := context.Background()

	paid, err := iss.Issue(ctx, issuer.IssueRequest{SubscriberID: "s1", Kind: models.KindPaid, Validity: 30 * 24 * time.Hour})
	require.NoError(t, err)
	require.NoError(t, ledger.RegisterReferral(ctx, "s2", "codes1"))
	require.NoError(t, ledger.RegisterReferral(ctx, "s3", "codes1"))

	units, err := ledger.CreditPending(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, units)

	require.NoError(t, store.WithTx(ctx, func(tx *sqlite.Tx) error {
		c, err := tx.GetCredential(paid.Credential.ID)
		require.NoError(t, err)
		assert.Equal(t, paid.Credential.ExpiresAt.Add(2*unit), c.ExpiresAt)
		assert.Equal(t, paid.Credential.GrantedUntil, c.GrantedUntil)

		ext, err := tx.Extensions(c.ID)
		require.NoError(t, err)
		require.Len(t, ext, 1, "one aggregated extension")
		assert.Equal(t, 2*unit, ext[0].Added)

		grants, err := tx.PendingRewardGrants("s1")
		require.NoError(t, err)
		assert.Empty(t, grants)
		return nil
	}))
	for _, e := range edges(t, store, "s1") {
		assert.True(t, e.RewardClaimed)
	}

	units, err = ledger.CreditPending(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, units)

	stats, err := ledger.Stats(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStats{Invited: 2, Claimed: 2, Pending: 0}, stats)
}

func TestCreditPendingIssuesBonusWithoutActiveCredential(t *testing.T) {
	ledger, iss, store := newLedger(t, "s1", "s2")
	ctx := context.Background()
	require.NoError(t, ledger.RegisterReferral(ctx, "s2", "codes1"))

	units, err := ledger.CreditPending(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, units)

	require.NoError(t, store.WithTx(ctx, func(tx *sqlite.Tx) error {
		c, err := tx.ActiveCredential("s1")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, models.KindReferralBonus, c.Kind)
		assert.Equal(t, unit, c.ExpiresAt.Sub(c.IssuedAt))

		grants, err := tx.PendingRewardGrants("s1")
		require.NoError(t, err)
		assert.Empty(t, grants)
		return nil
	}))

	cur, err := iss.Current(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.KindReferralBonus, cur.Credential.Kind)
}

func TestCreditPendingConcurrent(t *testing.T) {
	ledger, iss, store := newLedger(t, "s1", "r1", "r2", "r3", "r4", "r5")
	ctx := context.Background()

	paid, err := iss.Issue(ctx, issuer.IssueRequest{SubscriberID: "s1", Kind: models.KindPaid, Validity: 24 * time.Hour})
	require.NoError(t, err)
	for _, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		require.NoError(t, ledger.RegisterReferral(ctx, id, "codes1"))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			units, err := ledger.CreditPending(ctx, "s1")
			assert.NoError(t, err)
			mu.Lock()
			total += units
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, total)
	require.NoError(t, store.WithTx(ctx, func(tx *sqlite.Tx) error {
		c, err := tx.GetCredential(paid.Credential.ID)
		require.NoError(t, err)
		assert.Equal(t, paid.Credential.ExpiresAt.Add(5*unit), c.ExpiresAt)
		return nil
	}))
}

func TestCreditPendingUnknownSubscriber(t *testing.T) {
	ledger, _, _ := newLedger(t)
	_, err := ledger.CreditPending(context.Background(), "ghost")
	assert.ErrorIs(t, err, vpnerrors.ErrNotFound)
}
