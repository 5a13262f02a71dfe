package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Asort97/happycat-vpn/models"
)

const credentialColumns = `id, subscriber_id, node_id, secret, public_artifact, kind, status,
	issued_at, granted_until, expires_at, revoked_at`

// InsertCredential stores a new credential row. A second active non-admin
// credential for the same subscriber violates idx_credentials_one_active.
func (t *Tx) InsertCredential(c *models.Credential) error {
	if c == nil || c.ID == "" || c.SubscriberID == "" || c.NodeID == "" {
		return fmt.Errorf("credential id, subscriber and node are required")
	}
	if !c.ExpiresAt.After(c.IssuedAt) {
		return fmt.Errorf("credential %s: expires_at must be after issued_at", c.ID)
	}
	if c.GrantedUntil.IsZero() {
		c.GrantedUntil = c.ExpiresAt
	}
	if c.Status == "" {
		c.Status = models.StatusActive
	}
	_, err := t.exec(`
		INSERT INTO credentials (id, subscriber_id, node_id, secret, public_artifact, kind, status,
			issued_at, granted_until, expires_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SubscriberID, c.NodeID, c.SecretMaterial, c.PublicArtifact, string(c.Kind), string(c.Status),
		unixNano(c.IssuedAt), unixNano(c.GrantedUntil), unixNano(c.ExpiresAt), nullableTime(c.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// GetCredential returns nil, nil when the credential does not exist.
func (t *Tx) GetCredential(id string) (*models.Credential, error) {
	return scanCredential(t.queryRow(`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id))
}

// ActiveCredential returns the subscriber's current credential: the active
// non-admin one if any, otherwise the newest active admin grant.
func (t *Tx) ActiveCredential(subscriberID string) (*models.Credential, error) {
	return scanCredential(t.queryRow(`
		SELECT `+credentialColumns+` FROM credentials
		WHERE subscriber_id = ? AND status = 'active'
		ORDER BY CASE WHEN kind = 'admin-grant' THEN 1 ELSE 0 END, issued_at DESC
		LIMIT 1`, subscriberID))
}

// ActiveNonAdminCredential returns the one credential covered by the
// single-active rule.
func (t *Tx) ActiveNonAdminCredential(subscriberID string) (*models.Credential, error) {
	return scanCredential(t.queryRow(`
		SELECT `+credentialColumns+` FROM credentials
		WHERE subscriber_id = ? AND status = 'active' AND kind != 'admin-grant'
		LIMIT 1`, subscriberID))
}

// LatestCredential returns the most recently issued credential in any status.
func (t *Tx) LatestCredential(subscriberID string) (*models.Credential, error) {
	return scanCredential(t.queryRow(`
		SELECT `+credentialColumns+` FROM credentials
		WHERE subscriber_id = ?
		ORDER BY issued_at DESC, rowid DESC
		LIMIT 1`, subscriberID))
}

// ListCredentials returns a subscriber's credential history, newest first.
func (t *Tx) ListCredentials(subscriberID string) ([]*models.Credential, error) {
	return t.scanCredentials(`
		SELECT `+credentialColumns+` FROM credentials
		WHERE subscriber_id = ?
		ORDER BY issued_at DESC, rowid DESC`, subscriberID)
}

// RevokeCredential moves an active credential to revoked. It reports false
// when the credential was not active, so callers release load only once.
func (t *Tx) RevokeCredential(id string, now time.Time) (bool, error) {
	n, err := t.execAffected(`
		UPDATE credentials
		SET status = 'revoked', revoked_at = ?, sweep_lease_until = NULL
		WHERE id = ? AND status = 'active'`, unixNano(now), id)
	if err != nil {
		return false, fmt.Errorf("revoke credential: %w", err)
	}
	return n == 1, nil
}

// MarkLoadReleased records that the node slot of a credential was returned.
// It reports false when the slot had already been released.
func (t *Tx) MarkLoadReleased(id string) (bool, error) {
	n, err := t.execAffected(`UPDATE credentials SET load_released = 1 WHERE id = ? AND load_released = 0`, id)
	if err != nil {
		return false, fmt.Errorf("mark load released: %w", err)
	}
	return n == 1, nil
}

// MarkSecretRevoked records that the authority invalidated the secret.
func (t *Tx) MarkSecretRevoked(id string) error {
	if _, err := t.exec(`UPDATE credentials SET secret_revoked = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark secret revoked: %w", err)
	}
	return nil
}

// ExtendCredential pushes expires_at of an active credential forward by add
// and appends an audit row. An expiry already in the past is counted from
// now. A row claimed by a running sweep is refused with ErrSweepLeased. It
// returns the new expiry.
func (t *Tx) ExtendCredential(id string, add time.Duration, reason string, now time.Time) (time.Time, error) {
	if add <= 0 {
		return time.Time{}, fmt.Errorf("extension must be positive, got %s", add)
	}
	var expires int64
	err := t.queryRow(`
		UPDATE credentials SET expires_at = MAX(expires_at, ?) + ?
		WHERE id = ? AND status = 'active'
			AND (sweep_lease_until IS NULL OR sweep_lease_until < ?)
		RETURNING expires_at`, unixNano(now), int64(add), id, unixNano(now)).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		c, err := t.GetCredential(id)
		if err != nil {
			return time.Time{}, err
		}
		if c.Active() {
			return time.Time{}, ErrSweepLeased
		}
		return time.Time{}, ErrNotActive
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("extend credential: %w", err)
	}
	if _, err := t.exec(`
		INSERT INTO credential_extensions (credential_id, added_ns, reason, created_at)
		VALUES (?, ?, ?, ?)`, id, int64(add), reason, unixNano(now)); err != nil {
		return time.Time{}, fmt.Errorf("record extension: %w", err)
	}
	return fromUnixNano(expires), nil
}

// Extension is one audit row of ExtendCredential.
type Extension struct {
	CredentialID string
	Added        time.Duration
	Reason       string
	CreatedAt    time.Time
}

func (t *Tx) Extensions(credentialID string) ([]Extension, error) {
	rows, err := t.query(`
		SELECT credential_id, added_ns, reason, created_at FROM credential_extensions
		WHERE credential_id = ? ORDER BY id`, credentialID)
	if err != nil {
		return nil, fmt.Errorf("list extensions: %w", err)
	}
	defer rows.Close()

	var out []Extension
	for rows.Next() {
		var (
			e       Extension
			added   int64
			created int64
		)
		if err := rows.Scan(&e.CredentialID, &added, &e.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan extension: %w", err)
		}
		e.Added = time.Duration(added)
		e.CreatedAt = fromUnixNano(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ExpiredActive lists active credentials whose expiry is before now and that
// are not leased by a running sweep.
func (t *Tx) ExpiredActive(now time.Time, limit int) ([]*models.Credential, error) {
	return t.scanCredentials(`
		SELECT `+credentialColumns+` FROM credentials
		WHERE status = 'active' AND expires_at < ?
			AND (sweep_lease_until IS NULL OR sweep_lease_until < ?)
		ORDER BY expires_at
		LIMIT ?`, unixNano(now), unixNano(now), limit)
}

// UnrevokedSecrets lists revoked credentials whose secret the authority has
// not yet confirmed as invalidated.
func (t *Tx) UnrevokedSecrets(limit int) ([]*models.Credential, error) {
	return t.scanCredentials(`
		SELECT `+credentialColumns+` FROM credentials
		WHERE status = 'revoked' AND secret_revoked = 0
		ORDER BY revoked_at
		LIMIT ?`, limit)
}

// ClaimForSweep takes a short lease on an expired credential so concurrent
// sweeps do not both revoke it.
func (t *Tx) ClaimForSweep(id string, now, leaseUntil time.Time) (bool, error) {
	n, err := t.execAffected(`
		UPDATE credentials SET sweep_lease_until = ?
		WHERE id = ? AND status = 'active' AND expires_at < ?
			AND (sweep_lease_until IS NULL OR sweep_lease_until < ?)`,
		unixNano(leaseUntil), id, unixNano(now), unixNano(now))
	if err != nil {
		return false, fmt.Errorf("claim credential for sweep: %w", err)
	}
	return n == 1, nil
}

// ReleaseSweepLease drops a lease after a failed revocation.
func (t *Tx) ReleaseSweepLease(id string) error {
	if _, err := t.exec(`UPDATE credentials SET sweep_lease_until = NULL WHERE id = ?`, id); err != nil {
		return fmt.Errorf("release sweep lease: %w", err)
	}
	return nil
}

// CountActiveOnNode counts the active credentials holding a slot on nodeID.
func (t *Tx) CountActiveOnNode(nodeID string) (int, error) {
	var n int
	if err := t.queryRow(`
		SELECT COUNT(*) FROM credentials
		WHERE node_id = ? AND status = 'active'`, nodeID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active credentials: %w", err)
	}
	return n, nil
}

// CountActiveNonAdmin counts a subscriber's active non-admin credentials.
func (t *Tx) CountActiveNonAdmin(subscriberID string) (int, error) {
	var n int
	if err := t.queryRow(`
		SELECT COUNT(*) FROM credentials
		WHERE subscriber_id = ? AND status = 'active' AND kind != 'admin-grant'`, subscriberID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active credentials: %w", err)
	}
	return n, nil
}

func (t *Tx) scanCredentials(query string, args ...any) ([]*models.Credential, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		c, err := scanCredentialRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row *sql.Row) (*models.Credential, error) {
	c, err := scanCredentialRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func scanCredentialRow(row rowScanner) (*models.Credential, error) {
	var (
		c                        models.Credential
		kind, status             string
		issued, granted, expires int64
		revoked                  sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.SubscriberID, &c.NodeID, &c.SecretMaterial, &c.PublicArtifact, &kind, &status,
		&issued, &granted, &expires, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	c.Kind = models.CredentialKind(kind)
	c.Status = models.CredentialStatus(status)
	c.IssuedAt = fromUnixNano(issued)
	c.GrantedUntil = fromUnixNano(granted)
	c.ExpiresAt = fromUnixNano(expires)
	c.RevokedAt = timePtr(revoked)
	return &c, nil
}
