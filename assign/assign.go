// Package assign picks the node a new credential is bound to and keeps node
// load counts in step with active credentials.
package assign

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	sqlite "github.com/Asort97/happycat-vpn/clients/sqLite"
	vpnerrors "github.com/Asort97/happycat-vpn/errors"
	"github.com/Asort97/happycat-vpn/models"
)

const maxCASAttempts = 8

// Selector implements the node choice: random among active nodes below the
// soft ceiling, otherwise the least loaded one (lowest id on ties).
type Selector struct {
	ceiling int

	mu  sync.Mutex
	rnd *rand.Rand
}

type Option func(*Selector)

// WithRand makes selection deterministic.
func WithRand(r *rand.Rand) Option {
	return func(s *Selector) {
		s.rnd = r
	}
}

func New(softCeiling int, opts ...Option) *Selector {
	s := &Selector{ceiling: softCeiling}
	for _, opt := range opts {
		opt(s)
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s
}

// SelectNode chooses a node without changing its load.
func (s *Selector) SelectNode(tx *sqlite.Tx) (*models.Node, error) {
	nodes, err := tx.ActiveNodes()
	if err != nil {
		return nil, err
	}
	return s.choose(nodes)
}

func (s *Selector) choose(nodes []*models.Node) (*models.Node, error) {
	if len(nodes) == 0 {
		return nil, vpnerrors.ErrNoCapacity
	}

	var below []*models.Node
	for _, n := range nodes {
		if n.LoadCount < s.ceiling {
			below = append(below, n)
		}
	}
	if len(below) > 0 {
		s.mu.Lock()
		i := s.rnd.IntN(len(below))
		s.mu.Unlock()
		return below[i], nil
	}

	sorted := make([]*models.Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].LoadCount != sorted[j].LoadCount {
			return sorted[i].LoadCount < sorted[j].LoadCount
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0], nil
}

// Reserve selects a node and increments its load. A lost compare-and-set
// means the node changed under us, so selection starts over.
func (s *Selector) Reserve(tx *sqlite.Tx) (*models.Node, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		node, err := s.SelectNode(tx)
		if err != nil {
			return nil, err
		}
		ok, err := tx.CompareAndSetNodeLoad(node.ID, node.Version, node.LoadCount+1)
		if err != nil {
			return nil, err
		}
		if ok {
			node.LoadCount++
			node.Version++
			log.Debug().Str("node_id", node.ID).Int("load", node.LoadCount).Msg("Node slot reserved")
			return node, nil
		}
	}
	return nil, fmt.Errorf("reserve node: %w", vpnerrors.ErrBusy)
}

// Release decrements the load of nodeID.
func Release(tx *sqlite.Tx, nodeID string) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			log.Warn().Str("node_id", nodeID).Msg("Release on unknown node")
			return nil
		}
		if node.LoadCount == 0 {
			log.Error().Str("node_id", nodeID).Msg("Node load already zero, release skipped")
			return nil
		}
		ok, err := tx.CompareAndSetNodeLoad(node.ID, node.Version, node.LoadCount-1)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("release node %s: %w", nodeID, vpnerrors.ErrBusy)
}

// ReleaseCredential returns the node slot held by c exactly once. It reports
// whether this call did the release.
func ReleaseCredential(tx *sqlite.Tx, c *models.Credential) (bool, error) {
	released, err := tx.MarkLoadReleased(c.ID)
	if err != nil || !released {
		return false, err
	}
	if err := Release(tx, c.NodeID); err != nil {
		return false, err
	}
	return true, nil
}
