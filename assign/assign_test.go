package assign

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sqlite "github.com/Asort97/happycat-vpn/clients/sqLite"
	vpnerrors "github.com/Asort97/happycat-vpn/errors"
	"github.com/Asort97/happycat-vpn/models"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addNodes(t *testing.T, s *sqlite.Store, loads map[string]int) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx *sqlite.Tx) error {
		for id, load := range loads {
			if err := tx.UpsertNode(&models.Node{ID: id, Address: id + ".example"}); err != nil {
				return err
			}
			n, err := tx.GetNode(id)
			if err != nil {
				return err
			}
			if _, err := tx.CompareAndSetNodeLoad(id, n.Version, load); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestChooseBelowCeilingIsRandom(t *testing.T) {
	sel := New(10, WithRand(rand.New(rand.NewPCG(1, 2))))
	nodes := []*models.Node{
		{ID: "a", LoadCount: 3},
		{ID: "b", LoadCount: 12},
		{ID: "c", LoadCount: 9},
	}

	seen := map[string]int{}
	for i := 0; i < 200; i++ {
		n, err := sel.choose(nodes)
		require.NoError(t, err)
		seen[n.ID]++
	}
	assert.Zero(t, seen["b"], "node at ceiling must not be picked while others are below")
	assert.NotZero(t, seen["a"])
	assert.NotZero(t, seen["c"])
}

func TestChooseAllSaturatedPicksLeastLoaded(t *testing.T) {
	sel := New(5)
	n, err := sel.choose([]*models.Node{
		{ID: "c", LoadCount: 7},
		{ID: "b", LoadCount: 6},
		{ID: "a", LoadCount: 6},
	})
	require.NoError(t, err)
	assert.Equal(t, "a", n.ID)
}

func TestChooseNoNodes(t *testing.T) {
	_, err := New(5).choose(nil)
	assert.ErrorIs(t, err, vpnerrors.ErrNoCapacity)
}

func TestReserveSkipsDrainedNodes(t *testing.T) {
	s := openStore(t)
	addNodes(t, s, map[string]int{"a": 0, "b": 0})
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx *sqlite.Tx) error {
		_, err := tx.SetNodeStatus("a", models.NodeDrained)
		return err
	}))

	sel := New(50)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.WithTx(ctx, func(tx *sqlite.Tx) error {
			n, err := sel.Reserve(tx)
			require.NoError(t, err)
			assert.Equal(t, "b", n.ID)
			return nil
		}))
	}

	require.NoError(t, s.WithTx(ctx, func(tx *sqlite.Tx) error {
		b, err := tx.GetNode("b")
		require.NoError(t, err)
		assert.Equal(t, 3, b.LoadCount)
		a, err := tx.GetNode("a")
		require.NoError(t, err)
		assert.Zero(t, a.LoadCount)

		_, err = tx.SetNodeStatus("b", models.NodeDrained)
		require.NoError(t, err)
		_, err = sel.Reserve(tx)
		assert.ErrorIs(t, err, vpnerrors.ErrNoCapacity)
		return nil
	}))
}

func TestReleaseCredentialOnce(t *testing.T) {
	s := openStore(t)
	addNodes(t, s, map[string]int{"n1": 0})
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.WithTx(ctx, func(tx *sqlite.Tx) error {
		if _, err := tx.CreateSubscriber(&models.Subscriber{ID: "u1", ReferralCode: "x"}); err != nil {
			return err
		}
		n, err := New(50).Reserve(tx)
		require.NoError(t, err)
		return tx.InsertCredential(&models.Credential{
			ID: "c1", SubscriberID: "u1", NodeID: n.ID, SecretMaterial: []byte("s"),
			Kind: models.KindPaid, IssuedAt: now, ExpiresAt: now.Add(time.Hour),
		})
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *sqlite.Tx) error {
		c, err := tx.GetCredential("c1")
		require.NoError(t, err)

		released, err := ReleaseCredential(tx, c)
		require.NoError(t, err)
		assert.True(t, released)
		released, err = ReleaseCredential(tx, c)
		require.NoError(t, err)
		assert.False(t, released)

		n, err := tx.GetNode("n1")
		require.NoError(t, err)
		assert.Zero(t, n.LoadCount)

		// Never below zero.
		require.NoError(t, Release(tx, "n1"))
		n, err = tx.GetNode("n1")
		require.NoError(t, err)
		assert.Zero(t, n.LoadCount)
		return nil
	}))
}
