package pfsense

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"software.sslmate.com/src/go-pkcs12"

	colorfulprint "github.com/Asort97/happycat-vpn/clients/colorfulPrint"
	"github.com/Asort97/happycat-vpn/models"
)

const defaultTimeout = 30 * time.Second

// Config points the client at a pfSense REST API (v2).
type Config struct {
	BaseURL    string
	APIKey     string
	CARef      string // optional; the first CA is used when empty
	Timeout    time.Duration
	HTTPClient *http.Client
}

// PfSenseClient is the certificate authority: it creates a user per
// subscriber, generates one certificate per credential and deletes it on
// revocation.
type PfSenseClient struct {
	baseURL string
	apiKey  string
	caRef   string
	http    *http.Client
}

// StatusError is a non-2xx answer from pfSense.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pfsense answered %s: %s", e.Status, e.Body)
}

func New(cfg Config) *PfSenseClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &PfSenseClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		caRef:   cfg.CARef,
		http:    httpClient,
	}
}

// Generate creates the certificate for req.CredentialID and returns its
// private key (secret) and certificate chain (public).
func (c *PfSenseClient) Generate(ctx context.Context, req models.AuthorityRequest) (models.Material, error) {
	userID, err := c.ensureUser(ctx, req.SubscriberID)
	if err != nil {
		return models.Material{}, err
	}

	caRef := c.caRef
	if caRef == "" {
		if caRef, err = c.GetCARef(ctx); err != nil {
			return models.Material{}, err
		}
	}

	_, refID, err := c.CreateCertificate(ctx, req.CredentialID, caRef, req.SubscriberID, lifetimeDays(req.Lifetime))
	if err != nil {
		return models.Material{}, err
	}

	if err := c.AttachCertificateToUser(ctx, userID, refID); err != nil {
		return models.Material{}, err
	}

	passphrase, err := randomToken(12)
	if err != nil {
		return models.Material{}, err
	}
	p12Data, err := c.ExportCertificateP12(ctx, refID, passphrase)
	if err != nil {
		return models.Material{}, err
	}

	certPEM, keyPEM, caPEM, err := ParseP12(p12Data, passphrase)
	if err != nil {
		return models.Material{}, err
	}

	log.Info().
		Str("credential_id", req.CredentialID).
		Str("subscriber_id", req.SubscriberID).
		Str("refid", refID).
		Msg("Certificate generated")

	return models.Material{
		SecretMaterial: keyPEM,
		PublicArtifact: string(certPEM) + string(caPEM),
	}, nil
}

// Revoke deletes the certificate generated for credentialID. A certificate
// that no longer exists counts as revoked.
func (c *PfSenseClient) Revoke(ctx context.Context, credentialID string) error {
	certID, found, err := c.GetCertificateIDByDescr(ctx, credentialID)
	if err != nil {
		return err
	}
	if !found {
		colorfulprint.PrintState(fmt.Sprintf("Certificate for credential{%s} already gone", credentialID))
		return nil
	}
	return c.DeleteCertificate(ctx, certID)
}

func (c *PfSenseClient) IsUserExist(ctx context.Context, userName string) (string, bool, error) {
	var users struct {
		Data []struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v2/users?limit=0&offset=0", nil, &users); err != nil {
		return "", false, fmt.Errorf("list users: %w", err)
	}

	for _, u := range users.Data {
		if u.Name == userName {
			return strconv.Itoa(u.ID), true, nil
		}
	}
	return "", false, nil
}

func (c *PfSenseClient) CreateUser(ctx context.Context, username, password, descr string) (string, error) {
	colorfulprint.PrintState(fmt.Sprintf("Creating user{%s} in pfSense...", username))

	payload := map[string]interface{}{
		"name":     username,
		"password": password,
		"descr":    descr,
		"disabled": false,
	}
	var result struct {
		Data struct {
			ID int `json:"id"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v2/user", payload, &result); err != nil {
		return "", fmt.Errorf("create user: %w", err)
	}
	return strconv.Itoa(result.Data.ID), nil
}

func (c *PfSenseClient) ensureUser(ctx context.Context, subscriberID string) (string, error) {
	name := userName(subscriberID)
	if id, ok, err := c.IsUserExist(ctx, name); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}

	password, err := randomToken(16)
	if err != nil {
		return "", err
	}
	return c.CreateUser(ctx, name, password, "subscriber "+subscriberID)
}

func (c *PfSenseClient) CreateCertificate(ctx context.Context, descr, caRef, commonName string, lifetimeDays int) (string, string, error) {
	colorfulprint.PrintState(fmt.Sprintf("Creating certificate for %s in pfSense...", commonName))

	payload := map[string]interface{}{
		"descr":         descr,
		"caref":         caRef,
		"keytype":       "RSA",
		"keylen":        2048,
		"digest_alg":    "sha256",
		"lifetime":      lifetimeDays,
		"dn_commonname": commonName,
	}
	var result struct {
		Data struct {
			ID    int    `json:"id"`
			RefID string `json:"refid"`
			Descr string `json:"descr"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v2/system/certificate/generate", payload, &result); err != nil {
		return "", "", fmt.Errorf("generate certificate: %w", err)
	}
	if result.Data.RefID == "" {
		return "", "", fmt.Errorf("generate certificate: empty refid in response")
	}
	return strconv.Itoa(result.Data.ID), result.Data.RefID, nil
}

func (c *PfSenseClient) GetCARef(ctx context.Context) (string, error) {
	var result struct {
		Data []struct {
			RefID string `json:"refid"`
			Descr string `json:"descr"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v2/system/certificate_authorities", nil, &result); err != nil {
		return "", fmt.Errorf("list certificate authorities: %w", err)
	}
	if len(result.Data) == 0 {
		return "", fmt.Errorf("no CA found")
	}
	return result.Data[0].RefID, nil
}

func (c *PfSenseClient) AttachCertificateToUser(ctx context.Context, userID, certRef string) error {
	payload := map[string]interface{}{
		"id":   userID,
		"cert": []string{certRef},
	}
	if err := c.doJSON(ctx, http.MethodPatch, "/api/v2/user", payload, nil); err != nil {
		return fmt.Errorf("attach certificate %s to user %s: %w", certRef, userID, err)
	}
	return nil
}

func (c *PfSenseClient) ExportCertificateP12(ctx context.Context, certRef, passphrase string) ([]byte, error) {
	payload := map[string]interface{}{
		"certref":    certRef,
		"encryption": "high",
		"passphrase": passphrase,
	}
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json: %w", err)
	}

	data, resp, err := c.do(ctx, http.MethodPost, "/api/v2/system/certificate/pkcs12/export", jsonBody, "application/octet-stream")
	if err != nil {
		return nil, fmt.Errorf("export pkcs12: %w", err)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/octet-stream") {
		return nil, fmt.Errorf("export pkcs12: unexpected content type %q: %s", ct, string(data))
	}

	data = trimPfxTrailingData(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("export pkcs12: empty body")
	}
	return data, nil
}

// GetCertificateIDByDescr finds the certificate whose description is descr.
func (c *PfSenseClient) GetCertificateIDByDescr(ctx context.Context, descr string) (string, bool, error) {
	var certificates struct {
		Data []struct {
			ID    int    `json:"id"`
			RefID string `json:"refid"`
			Descr string `json:"descr"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v2/system/certificates?limit=0&offset=0", nil, &certificates); err != nil {
		return "", false, fmt.Errorf("list certificates: %w", err)
	}
	for _, cert := range certificates.Data {
		if cert.Descr == descr {
			return strconv.Itoa(cert.ID), true, nil
		}
	}
	return "", false, nil
}

func (c *PfSenseClient) DeleteCertificate(ctx context.Context, certificateID string) error {
	path := "/api/v2/system/certificate?" + url.Values{"id": []string{certificateID}}.Encode()
	_, _, err := c.do(ctx, http.MethodDelete, path, nil, "")
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete certificate %s: %w", certificateID, err)
	}
	colorfulprint.PrintState(fmt.Sprintf("Successfully deleted certificate with id:%s", certificateID))
	return nil
}

func (c *PfSenseClient) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to marshal json: %w", err)
		}
	}
	data, _, err := c.do(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("error parsing json: %w", err)
	}
	return nil
}

func (c *PfSenseClient) do(ctx context.Context, method, path string, body []byte, accept string) ([]byte, *http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("pfSense request failed")
		return data, resp, &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(data))}
	}
	return data, resp, nil
}

// ParseP12 splits a PKCS#12 bundle into client certificate, private key and
// CA chain PEM blocks.
func ParseP12(p12Data []byte, passphrase string) (certPEM, keyPEM, caPEM []byte, err error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(p12Data, passphrase)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode pkcs12: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	for _, ca := range caCerts {
		caPEM = append(caPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Raw})...)
	}
	return certPEM, keyPEM, caPEM, nil
}

// Some pfSense builds pad the exported bundle with NUL bytes. The outer DER
// SEQUENCE header tells where the bundle really ends.
func trimPfxTrailingData(pfxData []byte) []byte {
	if len(pfxData) < 2 || pfxData[0] != 0x30 {
		return pfxData
	}
	length, header := int(pfxData[1]), 2
	if length&0x80 != 0 {
		n := length & 0x7f
		if n == 0 || n > 4 || len(pfxData) < 2+n {
			return pfxData
		}
		length = 0
		for _, b := range pfxData[2 : 2+n] {
			length = length<<8 | int(b)
		}
		header += n
	}
	if end := header + length; end <= len(pfxData) {
		return pfxData[:end]
	}
	return pfxData
}

func lifetimeDays(d time.Duration) int {
	days := int(math.Ceil(d.Hours() / 24))
	// The certificate outlives the credential by a day; revocation, not
	// certificate expiry, ends access.
	return days + 1
}

func userName(subscriberID string) string {
	return "tg_" + subscriberID
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
