// Package sweep revokes expired credentials and returns their node slots.
package sweep

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/Asort97/happycat-vpn/assign"
	sqlite "github.com/Asort97/happycat-vpn/clients/sqLite"
	"github.com/Asort97/happycat-vpn/issuer"
	"github.com/Asort97/happycat-vpn/metrics"
)

const (
	lockFileName       = "sweep.lock"
	defaultBatch       = 500
	defaultRowLease    = 5 * time.Minute
	defaultIssueLease  = 5 * time.Minute
	defaultCallTimeout = 30 * time.Second
)

// Revoker invalidates credential material at the authority. Revoking an
// already revoked id must succeed.
type Revoker interface {
	Revoke(ctx context.Context, credentialID string) error
}

type Config struct {
	DataDir string
	Batch   int
	// RowLease is how long a claimed row is reserved for this sweep.
	RowLease time.Duration
	// IssuanceLease is the age after which an in-flight issuance is
	// considered crashed and its node reservation is released.
	IssuanceLease    time.Duration
	AuthorityTimeout time.Duration
}

// Result counts what one pass did. Errors never stop the pass.
type Result struct {
	Revoked        int
	Errors         int
	SecretsRetried int
	Compensated    int
}

type Sweeper struct {
	store     *sqlite.Store
	authority Revoker
	cfg       Config
	now       func() time.Time
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

func New(store *sqlite.Store, authority Revoker, cfg Config, opts ...Option) *Sweeper {
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	if cfg.RowLease <= 0 {
		cfg.RowLease = defaultRowLease
	}
	if cfg.IssuanceLease <= 0 {
		cfg.IssuanceLease = defaultIssueLease
	}
	if cfg.AuthorityTimeout <= 0 {
		cfg.AuthorityTimeout = defaultCallTimeout
	}
	// Extensions are refused while the lease is live, so it has to outlast
	// the authority call with room for the revoke transaction.
	if cfg.RowLease < 2*cfg.AuthorityTimeout {
		cfg.RowLease = 2 * cfg.AuthorityTimeout
	}
	s := &Sweeper{
		store:     store,
		authority: authority,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepOnce runs one pass. When another process holds the sweep lock it
// returns a zero Result without touching anything.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	var res Result

	lock := flock.New(filepath.Join(s.cfg.DataDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return res, fmt.Errorf("sweep lock: %w", err)
	}
	if !locked {
		log.Info().Msg("Another sweep is running, skipping")
		return res, nil
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn().Err(err).Msg("Sweep lock not released")
		}
	}()

	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	if err := s.expire(ctx, &res); err != nil {
		return res, err
	}
	if err := s.retrySecrets(ctx, &res); err != nil {
		return res, err
	}
	if err := s.compensateAttempts(ctx, &res); err != nil {
		return res, err
	}
	s.recordLoad(ctx)

	metrics.SweepRevokedTotal.Add(float64(res.Revoked))
	metrics.SweepErrorsTotal.Add(float64(res.Errors))
	log.Info().
		Int("revoked", res.Revoked).
		Int("errors", res.Errors).
		Int("secrets_retried", res.SecretsRetried).
		Int("compensated", res.Compensated).
		Dur("took", time.Since(start)).
		Msg("Sweep finished")
	return res, nil
}

// expire revokes every expired active credential. Rows whose revocation
// fails keep their lease until the pass ends so the scan moves past them.
func (s *Sweeper) expire(ctx context.Context, res *Result) error {
	var failed []string
	defer func() {
		if len(failed) == 0 {
			return
		}
		err := s.store.WithTx(context.WithoutCancel(ctx), func(tx *sqlite.Tx) error {
			for _, id := range failed {
				if err := tx.ReleaseSweepLease(id); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Int("rows", len(failed)).Msg("Sweep leases left to expire")
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := s.now()
		var ids []string
		err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
			rows, err := tx.ExpiredActive(now, s.cfg.Batch)
			if err != nil {
				return err
			}
			for _, c := range rows {
				ok, err := tx.ClaimForSweep(c.ID, now, now.Add(s.cfg.RowLease))
				if err != nil {
					return err
				}
				if ok {
					ids = append(ids, c.ID)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan expired credentials: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		for _, id := range ids {
			if err := s.revokeOne(ctx, id, now); err != nil {
				log.Warn().Err(err).Str("credential_id", id).Msg("Expired credential not revoked")
				res.Errors++
				failed = append(failed, id)
				continue
			}
			res.Revoked++
		}
		if len(ids) < s.cfg.Batch {
			return nil
		}
	}
}

func (s *Sweeper) revokeOne(ctx context.Context, id string, now time.Time) error {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.AuthorityTimeout)
	err := s.authority.Revoke(rctx, id)
	cancel()
	if err != nil {
		return fmt.Errorf("authority revoke: %w", err)
	}

	return s.store.WithTx(context.WithoutCancel(ctx), func(tx *sqlite.Tx) error {
		c, err := tx.GetCredential(id)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("credential %s vanished", id)
		}
		revoked, err := tx.RevokeCredential(id, now)
		if err != nil {
			return err
		}
		if revoked {
			if _, err := assign.ReleaseCredential(tx, c); err != nil {
				return err
			}
			log.Info().
				Str("subscriber_id", c.SubscriberID).
				Str("credential_id", c.ID).
				Str("node_id", c.NodeID).
				Str("kind", string(c.Kind)).
				Msg("Expired credential revoked")
		}
		return tx.MarkSecretRevoked(id)
	})
}

// retrySecrets finishes authority revocations that failed after a
// credential was revoked in the store (supersede, admin revoke).
func (s *Sweeper) retrySecrets(ctx context.Context, res *Result) error {
	var rows []string
	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		creds, err := tx.UnrevokedSecrets(s.cfg.Batch)
		if err != nil {
			return err
		}
		for _, c := range creds {
			rows = append(rows, c.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan unrevoked secrets: %w", err)
	}

	for _, id := range rows {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.AuthorityTimeout)
		err := s.authority.Revoke(rctx, id)
		cancel()
		if err == nil {
			err = s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
				return tx.MarkSecretRevoked(id)
			})
		}
		if err != nil {
			log.Warn().Err(err).Str("credential_id", id).Msg("Secret revocation retry failed")
			res.Errors++
			continue
		}
		res.SecretsRetried++
	}
	return nil
}

// compensateAttempts releases node slots held by issuances that never
// finished.
func (s *Sweeper) compensateAttempts(ctx context.Context, res *Result) error {
	cutoff := s.now().Add(-s.cfg.IssuanceLease)
	var stale []sqlite.Attempt
	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		stale, err = tx.StaleAttempts(cutoff)
		return err
	})
	if err != nil {
		return fmt.Errorf("scan stale attempts: %w", err)
	}

	for _, a := range stale {
		var released bool
		err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
			var err error
			released, err = issuer.CompensateAttempt(tx, a)
			return err
		})
		if err != nil {
			log.Warn().Err(err).Str("attempt_id", a.ID).Msg("Stale issuance not compensated")
			res.Errors++
			continue
		}
		if released {
			log.Warn().
				Str("attempt_id", a.ID).
				Str("subscriber_id", a.SubscriberID).
				Str("node_id", a.NodeID).
				Time("created_at", a.CreatedAt).
				Msg("Stale issuance compensated")
			res.Compensated++
		}
	}
	return nil
}

func (s *Sweeper) recordLoad(ctx context.Context) {
	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		nodes, err := tx.ListNodes()
		if err != nil {
			return err
		}
		for _, n := range nodes {
			metrics.NodeLoad.WithLabelValues(n.ID).Set(float64(n.LoadCount))
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("Node load gauge not refreshed")
	}
}
