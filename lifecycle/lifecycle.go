// Package lifecycle is the command surface of the service: every user and
// admin action goes through a Manager.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	sqlite "github.com/Asort97/happycat-vpn/clients/sqLite"
	yookassa "github.com/Asort97/happycat-vpn/clients/yooKassa"
	"github.com/Asort97/happycat-vpn/config"
	vpnerrors "github.com/Asort97/happycat-vpn/errors"
	"github.com/Asort97/happycat-vpn/issuer"
	"github.com/Asort97/happycat-vpn/metrics"
	"github.com/Asort97/happycat-vpn/models"
	"github.com/Asort97/happycat-vpn/referral"
)

const referralCodeLen = 10

// PaymentConfirmer asserts that a payment succeeded and tells who paid for
// what.
type PaymentConfirmer interface {
	Confirm(ctx context.Context, paymentID string) (*yookassa.Confirmation, error)
}

type Config struct {
	TrialDuration time.Duration
	PaidDuration  time.Duration
	Plans         []config.RatePlan
}

type Manager struct {
	store    *sqlite.Store
	issuer   *issuer.Issuer
	ledger   *referral.Ledger
	payments PaymentConfirmer
	cfg      Config
}

func New(iss *issuer.Issuer, ledger *referral.Ledger, payments PaymentConfirmer, cfg Config) *Manager {
	if cfg.TrialDuration <= 0 {
		cfg.TrialDuration = config.DefaultTrialDuration
	}
	if cfg.PaidDuration <= 0 {
		cfg.PaidDuration = config.DefaultPaidDuration
	}
	return &Manager{
		store:    iss.Store(),
		issuer:   iss,
		ledger:   ledger,
		payments: payments,
		cfg:      cfg,
	}
}

// RewardSummary is what a referral claim added.
type RewardSummary struct {
	Units     int
	Added     time.Duration
	ExpiresAt time.Time
}

// Overview is everything the status screen shows.
type Overview struct {
	Subscriber *models.Subscriber
	State      models.State
	Current    *models.Credential
	Referrals  models.ReferralStats
}

// Touch records first contact. A referral code is honoured only for
// subscribers created by this call.
func (m *Manager) Touch(ctx context.Context, subscriberID, referralCode string) (*models.Subscriber, error) {
	const op = "touch"
	if strings.TrimSpace(subscriberID) == "" {
		return nil, fmt.Errorf("%s: subscriber id is required", op)
	}

	var (
		sub     *models.Subscriber
		created bool
	)
	err := m.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		created, err = tx.CreateSubscriber(&models.Subscriber{
			ID:           subscriberID,
			ReferralCode: newReferralCode(),
			CreatedAt:    m.issuer.Now(),
		})
		if err != nil {
			return err
		}
		sub, err = tx.GetSubscriber(subscriberID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if created {
		log.Info().Str("subscriber_id", subscriberID).Msg("Subscriber created")
		if referralCode != "" {
			if err := m.ledger.RegisterReferral(ctx, subscriberID, referralCode); err != nil {
				return nil, err
			}
			return m.subscriber(ctx, subscriberID)
		}
	}
	return sub, nil
}

func newReferralCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:referralCodeLen]
}

func (m *Manager) subscriber(ctx context.Context, id string) (*models.Subscriber, error) {
	var sub *models.Subscriber
	err := m.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		sub, err = tx.GetSubscriber(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, vpnerrors.NotFound("subscriber", id, "subscriber")
	}
	return sub, nil
}

// RequestTrial issues the one trial credential a subscriber gets.
func (m *Manager) RequestTrial(ctx context.Context, subscriberID string) (*issuer.Issued, error) {
	return m.issuer.Issue(ctx, issuer.IssueRequest{
		SubscriberID: subscriberID,
		Kind:         models.KindTrial,
		Validity:     m.cfg.TrialDuration,
	})
}

// RequestPurchaseActivation turns a confirmed payment into a paid credential.
// Each payment id is applied once; replays return the current credential.
func (m *Manager) RequestPurchaseActivation(ctx context.Context, subscriberID, paymentID string) (*issuer.Issued, error) {
	const op = "purchase"
	issued, outcome, err := m.activate(ctx, op, subscriberID, paymentID)
	if outcome == "" {
		outcome = metrics.Outcome(err)
	}
	metrics.PaymentsAppliedTotal.WithLabelValues(outcome).Inc()
	if err != nil {
		log.Warn().
			Err(err).
			Str("subscriber_id", subscriberID).
			Str("payment_id", paymentID).
			Msg("Payment not applied")
		return nil, err
	}
	return issued, nil
}

func (m *Manager) activate(ctx context.Context, op, subscriberID, paymentID string) (*issuer.Issued, string, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, "", vpnerrors.NotEligible(op, subscriberID, "payment id is required")
	}

	sub, prior, err := m.paymentState(ctx, subscriberID, paymentID)
	if err != nil {
		return nil, "", err
	}
	if sub == nil {
		return nil, "", vpnerrors.NotFound(op, subscriberID, "subscriber")
	}
	if prior != nil {
		issued, err := m.replay(ctx, op, subscriberID, prior)
		return issued, "replay", err
	}

	conf, err := m.payments.Confirm(ctx, paymentID)
	if err != nil {
		if errors.Is(err, yookassa.ErrNotPaid) || errors.Is(err, yookassa.ErrMissingMetadata) {
			return nil, "", vpnerrors.New(vpnerrors.KindNotEligible, op, subscriberID, fmt.Errorf("%w: %w", vpnerrors.ErrNotEligible, err))
		}
		return nil, "", fmt.Errorf("%s: confirm payment %s: %w", op, paymentID, err)
	}
	if conf.SubscriberID != subscriberID {
		return nil, "", vpnerrors.NotEligible(op, subscriberID, "payment belongs to another subscriber")
	}

	validity := m.cfg.PaidDuration
	if plan, ok := m.plan(conf.PlanID); ok {
		validity = plan.Duration()
	}

	issued, err := m.issuer.Issue(ctx, issuer.IssueRequest{
		SubscriberID: subscriberID,
		Kind:         models.KindPaid,
		Validity:     validity,
		CarryOver:    true,
		Finalize: func(tx *sqlite.Tx, c *models.Credential) error {
			return tx.InsertPayment(&models.Payment{
				ID:           paymentID,
				SubscriberID: subscriberID,
				PlanID:       conf.PlanID,
				Amount:       conf.Amount,
				CredentialID: c.ID,
				AppliedAt:    c.IssuedAt,
			})
		},
	})
	if err != nil {
		// A concurrent delivery of the same payment may have won.
		if _, prior, perr := m.paymentState(ctx, subscriberID, paymentID); perr == nil && prior != nil {
			issued, err := m.replay(ctx, op, subscriberID, prior)
			return issued, "replay", err
		}
		return nil, "", err
	}

	log.Info().
		Str("subscriber_id", subscriberID).
		Str("payment_id", paymentID).
		Str("plan_id", conf.PlanID).
		Str("credential_id", issued.Credential.ID).
		Msg("Payment applied")

	if sub.ReferredBy != nil {
		m.rewardReferrer(ctx, *sub.ReferredBy)
	}
	return issued, "ok", nil
}

func (m *Manager) paymentState(ctx context.Context, subscriberID, paymentID string) (*models.Subscriber, *models.Payment, error) {
	var (
		sub   *models.Subscriber
		prior *models.Payment
	)
	err := m.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		if sub, err = tx.GetSubscriber(subscriberID); err != nil {
			return err
		}
		prior, err = tx.GetPayment(paymentID)
		return err
	})
	return sub, prior, err
}

func (m *Manager) replay(ctx context.Context, op, subscriberID string, p *models.Payment) (*issuer.Issued, error) {
	if p.SubscriberID != subscriberID {
		return nil, vpnerrors.NotEligible(op, subscriberID, "payment belongs to another subscriber")
	}
	log.Info().
		Str("subscriber_id", subscriberID).
		Str("payment_id", p.ID).
		Str("credential_id", p.CredentialID).
		Msg("Payment already applied")
	return m.issuer.Current(ctx, subscriberID)
}

func (m *Manager) rewardReferrer(ctx context.Context, referrerID string) {
	units, err := m.ledger.CreditPending(ctx, referrerID)
	if err != nil {
		log.Warn().Err(err).Str("subscriber_id", referrerID).Msg("Referral reward not credited")
		return
	}
	if units > 0 {
		log.Info().Str("subscriber_id", referrerID).Int("units", units).Msg("Referrer rewarded")
	}
}

func (m *Manager) plan(id string) (config.RatePlan, bool) {
	for _, p := range m.cfg.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return config.RatePlan{}, false
}

// RequestReferralClaim credits every unclaimed referral of subscriberID.
func (m *Manager) RequestReferralClaim(ctx context.Context, subscriberID string) (RewardSummary, error) {
	const op = "referral_claim"
	units, err := m.ledger.CreditPending(ctx, subscriberID)
	if err != nil {
		return RewardSummary{}, err
	}
	if units == 0 {
		stats, err := m.ledger.Stats(ctx, subscriberID)
		if err != nil {
			return RewardSummary{}, err
		}
		if stats.Invited > 0 {
			return RewardSummary{}, vpnerrors.New(vpnerrors.KindAlreadyClaimed, op, subscriberID, nil)
		}
		return RewardSummary{}, vpnerrors.NotEligible(op, subscriberID, "no referrals yet")
	}

	summary := RewardSummary{Units: units, Added: time.Duration(units) * m.ledger.Unit()}
	err = m.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		c, err := tx.ActiveCredential(subscriberID)
		if err != nil || c == nil {
			return err
		}
		summary.ExpiresAt = c.ExpiresAt
		return nil
	})
	return summary, err
}

// GetCurrentCredential returns the active credential with its profile.
func (m *Manager) GetCurrentCredential(ctx context.Context, subscriberID string) (*issuer.Issued, error) {
	return m.issuer.Current(ctx, subscriberID)
}

// State derives the lifecycle state of subscriberID. Unknown subscribers
// are anonymous.
func (m *Manager) State(ctx context.Context, subscriberID string) (models.State, error) {
	o, err := m.Overview(ctx, subscriberID)
	if err != nil {
		return "", err
	}
	return o.State, nil
}

func (m *Manager) Overview(ctx context.Context, subscriberID string) (*Overview, error) {
	o := &Overview{}
	err := m.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		sub, err := tx.GetSubscriber(subscriberID)
		if err != nil {
			return err
		}
		if sub == nil {
			o.State = models.StateAnonymous
			return nil
		}
		current, err := tx.ActiveCredential(subscriberID)
		if err != nil {
			return err
		}
		latest, err := tx.LatestCredential(subscriberID)
		if err != nil {
			return err
		}
		stats, err := tx.ReferralStats(subscriberID)
		if err != nil {
			return err
		}
		o.Subscriber, o.Current, o.Referrals = sub, current, stats
		o.State = models.DeriveState(sub, current, latest)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// AdminGrant issues a credential that lives alongside the subscriber's own.
func (m *Manager) AdminGrant(ctx context.Context, subscriberID string, days int) (*issuer.Issued, error) {
	if days <= 0 {
		return nil, fmt.Errorf("admin_grant: days must be positive, got %d", days)
	}
	return m.issuer.Issue(ctx, issuer.IssueRequest{
		SubscriberID: subscriberID,
		Kind:         models.KindAdminGrant,
		Validity:     time.Duration(days) * 24 * time.Hour,
	})
}

// AdminRevoke ends a credential now. It is idempotent.
func (m *Manager) AdminRevoke(ctx context.Context, credentialID string) (bool, error) {
	return m.issuer.Revoke(ctx, credentialID)
}
