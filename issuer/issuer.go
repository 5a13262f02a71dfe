// Package issuer creates, extends and revokes credentials. It is the only
// code that writes credential rows.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Asort97/happycat-vpn/assign"
	sqlite "github.com/Asort97/happycat-vpn/clients/sqLite"
	vpnerrors "github.com/Asort97/happycat-vpn/errors"
	"github.com/Asort97/happycat-vpn/metrics"
	"github.com/Asort97/happycat-vpn/models"
)

const (
	defaultAuthorityTimeout = 30 * time.Second
	defaultHeadroom         = 365 * 24 * time.Hour
)

// ErrActiveExists is returned by Issue when OnlyIfNoActive is set and the
// subscriber already holds an active credential.
var ErrActiveExists = errors.New("subscriber already has an active credential")

var errAttemptLost = errors.New("issuance attempt expired before commit")

// Authority generates and revokes credential secret material.
type Authority interface {
	Generate(ctx context.Context, req models.AuthorityRequest) (models.Material, error)
	Revoke(ctx context.Context, credentialID string) error
}

// NodeAgent applies traffic shaping on a node.
type NodeAgent interface {
	ApplyRateLimit(ctx context.Context, node *models.Node, credentialID string, class models.RateClass) error
}

// Sealer protects secret material at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

type Config struct {
	AuthorityTimeout time.Duration
	// CertificateHeadroom is added to the authority lifetime so referral
	// extensions stay within the certificate's validity.
	CertificateHeadroom time.Duration
	Profile             ProfileConfig
}

type Issuer struct {
	store     *sqlite.Store
	selector  *assign.Selector
	authority Authority
	agent     NodeAgent
	box       Sealer
	cfg       Config
	now       func() time.Time
}

type Option func(*Issuer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

func New(store *sqlite.Store, selector *assign.Selector, authority Authority, agent NodeAgent, box Sealer, cfg Config, opts ...Option) *Issuer {
	if cfg.AuthorityTimeout <= 0 {
		cfg.AuthorityTimeout = defaultAuthorityTimeout
	}
	if cfg.CertificateHeadroom < 0 {
		cfg.CertificateHeadroom = defaultHeadroom
	}
	i := &Issuer{
		store:     store,
		selector:  selector,
		authority: authority,
		agent:     agent,
		box:       box,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Store exposes the backing store to packages composing units of work with
// the issuer (the referral ledger, the lifecycle manager).
func (i *Issuer) Store() *sqlite.Store {
	return i.store
}

// Now is the issuer's clock.
func (i *Issuer) Now() time.Time {
	return i.now()
}

// IssueRequest describes one credential to issue.
type IssueRequest struct {
	SubscriberID string
	Kind         models.CredentialKind
	Validity     time.Duration
	// CarryOver adds the unused time of the superseded credential to the new
	// one (paid renewals).
	CarryOver bool
	// OnlyIfNoActive refuses with ErrActiveExists when an active non-admin
	// credential exists.
	OnlyIfNoActive bool
	// Finalize runs inside the commit unit of work after the credential row
	// is written. Its error aborts the issuance.
	Finalize func(tx *sqlite.Tx, c *models.Credential) error
}

// Issued is a freshly issued or re-delivered credential.
type Issued struct {
	Credential *models.Credential
	Node       *models.Node
	Profile    []byte
	QR         []byte // nil when the profile does not fit a QR code
}

// Issue creates a credential for req.SubscriberID. The node slot is reserved
// first, the authority is called outside any unit of work and the credential
// is committed last; every failure after the reservation is compensated.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	const op = "issue"
	issued, err := i.issue(ctx, op, req)
	metrics.IssuanceTotal.WithLabelValues(string(req.Kind), metrics.Outcome(err)).Inc()
	if err != nil {
		log.Warn().
			Err(err).
			Str("subscriber_id", req.SubscriberID).
			Str("kind", string(req.Kind)).
			Msg("Issuance failed")
		return nil, err
	}
	log.Info().
		Str("subscriber_id", req.SubscriberID).
		Str("credential_id", issued.Credential.ID).
		Str("node_id", issued.Node.ID).
		Str("kind", string(req.Kind)).
		Time("expires_at", issued.Credential.ExpiresAt).
		Msg("Credential issued")
	return issued, nil
}

func (i *Issuer) issue(ctx context.Context, op string, req IssueRequest) (*Issued, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%s: unknown credential kind %q", op, req.Kind)
	}
	if req.Validity <= 0 {
		return nil, fmt.Errorf("%s: validity must be positive, got %s", op, req.Validity)
	}

	attempt := sqlite.Attempt{
		ID:           uuid.NewString(),
		SubscriberID: req.SubscriberID,
		Kind:         req.Kind,
		CreatedAt:    i.now(),
	}
	lifetime := req.Validity

	var node *models.Node
	err := i.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		sub, err := tx.GetSubscriber(req.SubscriberID)
		if err != nil {
			return err
		}
		if sub == nil {
			return vpnerrors.NotFound(op, req.SubscriberID, "subscriber")
		}

		current, err := tx.ActiveCredential(req.SubscriberID)
		if err != nil {
			return err
		}
		if req.Kind == models.KindTrial {
			latest, err := tx.LatestCredential(req.SubscriberID)
			if err != nil {
				return err
			}
			if !models.CanTransition(models.DeriveState(sub, current, latest), models.StateTrialActive) {
				return vpnerrors.NotEligible(op, req.SubscriberID, "trial already used")
			}
		}
		if req.Kind != models.KindAdminGrant && current != nil && current.Kind != models.KindAdminGrant {
			if req.OnlyIfNoActive {
				return ErrActiveExists
			}
			if req.CarryOver && current.ExpiresAt.After(attempt.CreatedAt) {
				lifetime += current.ExpiresAt.Sub(attempt.CreatedAt)
			}
		}

		n, err := i.selector.Reserve(tx)
		if err != nil {
			if errors.Is(err, vpnerrors.ErrNoCapacity) {
				return vpnerrors.New(vpnerrors.KindNoCapacity, op, req.SubscriberID, err)
			}
			return err
		}
		attempt.NodeID = n.ID

		ok, err := tx.ReserveAttempt(attempt)
		if err != nil {
			return err
		}
		if !ok {
			return vpnerrors.New(vpnerrors.KindBusy, op, req.SubscriberID, nil)
		}
		node = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	// From here on the caller going away must not strand the reservation.
	bg := context.WithoutCancel(ctx)

	credentialID := uuid.NewString()
	material, err := i.generate(bg, models.AuthorityRequest{
		CredentialID: credentialID,
		SubscriberID: req.SubscriberID,
		NodeID:       node.ID,
		Kind:         req.Kind,
		Lifetime:     lifetime + i.cfg.CertificateHeadroom,
	})
	if err != nil {
		i.compensate(bg, attempt)
		return nil, vpnerrors.AuthorityUnavailable(op, req.SubscriberID, err)
	}

	sealed, err := i.box.Seal(material.SecretMaterial)
	if err != nil {
		i.revokeSecret(bg, credentialID)
		i.compensate(bg, attempt)
		return nil, fmt.Errorf("%s: seal secret: %w", op, err)
	}

	cred := &models.Credential{
		ID:             credentialID,
		SubscriberID:   req.SubscriberID,
		NodeID:         node.ID,
		SecretMaterial: sealed,
		PublicArtifact: material.PublicArtifact,
		Kind:           req.Kind,
		Status:         models.StatusActive,
	}

	var superseded *models.Credential
	err = i.store.WithTx(bg, func(tx *sqlite.Tx) error {
		ok, err := tx.DeleteAttempt(attempt.ID)
		if err != nil {
			return err
		}
		if !ok {
			return errAttemptLost
		}

		now := i.now()
		validity := req.Validity
		if req.Kind != models.KindAdminGrant {
			prev, err := tx.ActiveNonAdminCredential(req.SubscriberID)
			if err != nil {
				return err
			}
			if prev != nil {
				if req.CarryOver && prev.ExpiresAt.After(now) {
					validity += prev.ExpiresAt.Sub(now)
				}
				if err := supersede(tx, prev, now); err != nil {
					return err
				}
				superseded = prev
			}
		}

		cred.IssuedAt = now
		cred.GrantedUntil = now.Add(validity)
		cred.ExpiresAt = cred.GrantedUntil
		if err := tx.InsertCredential(cred); err != nil {
			return err
		}

		if req.Kind == models.KindTrial {
			marked, err := tx.MarkTrialUsed(req.SubscriberID)
			if err != nil {
				return err
			}
			if !marked {
				return vpnerrors.NotEligible(op, req.SubscriberID, "trial already used")
			}
		}

		if req.Finalize != nil {
			return req.Finalize(tx, cred)
		}
		return nil
	})
	if err != nil {
		i.revokeSecret(bg, credentialID)
		if !errors.Is(err, errAttemptLost) {
			i.compensate(bg, attempt)
		}
		return nil, err
	}

	if superseded != nil {
		i.revokeSecret(bg, superseded.ID)
	}
	i.applyRateLimit(bg, node, cred)

	issued := &Issued{Credential: cred, Node: node}
	i.attachProfile(issued, material.SecretMaterial)
	return issued, nil
}

func (i *Issuer) generate(ctx context.Context, req models.AuthorityRequest) (models.Material, error) {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.AuthorityTimeout)
	defer cancel()
	return i.authority.Generate(ctx, req)
}

func supersede(tx *sqlite.Tx, prev *models.Credential, now time.Time) error {
	revoked, err := tx.RevokeCredential(prev.ID, now)
	if err != nil {
		return err
	}
	if revoked {
		if _, err := assign.ReleaseCredential(tx, prev); err != nil {
			return err
		}
	}
	return nil
}

func (i *Issuer) compensate(ctx context.Context, attempt sqlite.Attempt) {
	err := i.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		_, err := CompensateAttempt(tx, attempt)
		return err
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("attempt_id", attempt.ID).
			Str("node_id", attempt.NodeID).
			Msg("Compensation failed, the sweep will retry")
	}
}

// CompensateAttempt drops an in-flight issuance and returns its node slot.
// It reports false when the attempt was already gone.
func CompensateAttempt(tx *sqlite.Tx, attempt sqlite.Attempt) (bool, error) {
	ok, err := tx.DeleteAttempt(attempt.ID)
	if err != nil || !ok {
		return false, err
	}
	if err := assign.Release(tx, attempt.NodeID); err != nil {
		return false, err
	}
	return true, nil
}

// revokeSecret invalidates credentialID at the authority. Failures are left
// to the sweep's secret pass.
func (i *Issuer) revokeSecret(ctx context.Context, credentialID string) bool {
	rctx, cancel := context.WithTimeout(ctx, i.cfg.AuthorityTimeout)
	defer cancel()
	if err := i.authority.Revoke(rctx, credentialID); err != nil {
		log.Warn().Err(err).Str("credential_id", credentialID).Msg("Secret revocation deferred")
		return false
	}
	err := i.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		return tx.MarkSecretRevoked(credentialID)
	})
	if err != nil {
		log.Warn().Err(err).Str("credential_id", credentialID).Msg("Could not record secret revocation")
	}
	return true
}

func (i *Issuer) applyRateLimit(ctx context.Context, node *models.Node, c *models.Credential) {
	if i.agent == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, i.cfg.AuthorityTimeout)
	defer cancel()
	if err := i.agent.ApplyRateLimit(rctx, node, c.ID, models.RateClassFor(c.Kind)); err != nil {
		log.Warn().
			Err(err).
			Str("credential_id", c.ID).
			Str("node_id", node.ID).
			Msg("Rate limit not applied")
	}
}
