package models

import "time"

// CredentialKind tags why a credential was issued.
type CredentialKind string

const (
	KindTrial         CredentialKind = "trial"
	KindPaid          CredentialKind = "paid"
	KindAdminGrant    CredentialKind = "admin-grant"
	KindReferralBonus CredentialKind = "referral-bonus"
)

func (k CredentialKind) Valid() bool {
	switch k {
	case KindTrial, KindPaid, KindAdminGrant, KindReferralBonus:
		return true
	}
	return false
}

// CredentialStatus is the closed set of credential row states.
type CredentialStatus string

const (
	StatusActive  CredentialStatus = "active"
	StatusRevoked CredentialStatus = "revoked"
)

// NodeStatus reports whether a node takes new credentials.
type NodeStatus string

const (
	NodeActive  NodeStatus = "active"
	NodeDrained NodeStatus = "drained"
)

// RateClass is the traffic-shaping class pushed to the node agent.
type RateClass string

const (
	RateReduced  RateClass = "reduced"
	RateStandard RateClass = "standard"
)

// RateClassFor maps a credential kind to its rate-limit class.
func RateClassFor(kind CredentialKind) RateClass {
	if kind == KindTrial {
		return RateReduced
	}
	return RateStandard
}

// Subscriber is an end user identified by the external chat account id.
type Subscriber struct {
	ID           string
	ReferralCode string
	ReferredBy   *string
	TrialUsed    bool
	CreatedAt    time.Time
}

// Credential is one time-bounded access grant bound to a node.
// GrantedUntil is the end of the original grant and never changes;
// ExpiresAt is the effective end and only moves forward through extensions.
type Credential struct {
	ID             string
	SubscriberID   string
	NodeID         string
	SecretMaterial []byte // sealed
	PublicArtifact string
	Kind           CredentialKind
	Status         CredentialStatus
	IssuedAt       time.Time
	GrantedUntil   time.Time
	ExpiresAt      time.Time
	RevokedAt      *time.Time
}

// Active reports whether the credential row is active.
func (c *Credential) Active() bool {
	return c != nil && c.Status == StatusActive
}

// Node is one VPN server instance.
type Node struct {
	ID        string
	Address   string
	Status    NodeStatus
	LoadCount int
	Version   int64
}

// ReferralEdge records that ReferrerID brought in ReferredID.
type ReferralEdge struct {
	ReferrerID    string
	ReferredID    string
	RewardClaimed bool
	CreatedAt     time.Time
	ClaimedAt     *time.Time
}

// Payment is the de-duplication record of an applied payment confirmation.
type Payment struct {
	ID           string
	SubscriberID string
	PlanID       string
	Amount       float64
	CredentialID string
	AppliedAt    time.Time
}

// ReferralStats summarises a referrer's edges.
type ReferralStats struct {
	Invited int
	Claimed int
	Pending int
}

// AuthorityRequest asks the certificate authority for one credential's
// material. CredentialID names the material so it can be revoked later.
type AuthorityRequest struct {
	CredentialID string
	SubscriberID string
	NodeID       string
	Kind         CredentialKind
	Lifetime     time.Duration
}

// Material is what the authority returns for one credential. SecretMaterial
// is the private key PEM; PublicArtifact holds the client and CA
// certificates.
type Material struct {
	SecretMaterial []byte
	PublicArtifact string
}
