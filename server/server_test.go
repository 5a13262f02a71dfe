package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vpnerrors "github.com/Asort97/happycat-vpn/errors"
	"github.com/Asort97/happycat-vpn/issuer"
	"github.com/Asort97/happycat-vpn/models"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type activator struct {
	err   error
	calls []string
}

func (a *activator) RequestPurchaseActivation(_ context.Context, subscriberID, paymentID string) (*issuer.Issued, error) {
	a.calls = append(a.calls, subscriberID+"/"+paymentID)
	if a.err != nil {
		return nil, a.err
	}
	return &issuer.Issued{Credential: &models.Credential{ID: "cred-1", SubscriberID: subscriberID}}, nil
}

func notification(event, paymentID, chatID string) string {
	return `{"type":"notification","event":"` + event + `","object":{"id":"` + paymentID +
		`","status":"succeeded","paid":true,"amount":{"value":"50.00","currency":"RUB"},"metadata":{"chat_id":"` + chatID + `","plan_id":"30d"}}}`
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/yookassa", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := New(":0", pinger{}, &activator{}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	s = New(":0", pinger{err: errors.New("database is locked")}, &activator{}, nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func TestMetricsEndpoint(t *testing.T) {
	s := New(":0", pinger{}, &activator{}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestWebhookAppliesPayment(t *testing.T) {
	act := &activator{}
	var delivered []string
	s := New(":0", pinger{}, act, func(_ context.Context, sub string, issued *issuer.Issued) {
		delivered = append(delivered, sub+"/"+issued.Credential.ID)
	})

	rec := post(t, s.Handler(), notification("payment.succeeded", "pay-1", "42"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "applied")
	assert.Equal(t, []string{"42/pay-1"}, act.calls)
	assert.Equal(t, []string{"42/cred-1"}, delivered)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	act := &activator{}
	s := New(":0", pinger{}, act, nil)

	rec := post(t, s.Handler(), notification("payment.canceled", "pay-1", "42"))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = post(t, s.Handler(), notification("payment.succeeded", "pay-1", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, act.calls)

	rec = post(t, s.Handler(), "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookStatusFollowsErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not_eligible", vpnerrors.NotEligible("purchase", "42", "not paid"), http.StatusOK},
		{"no_capacity", vpnerrors.New(vpnerrors.KindNoCapacity, "issue", "42", nil), http.StatusInternalServerError},
		{"authority", vpnerrors.AuthorityUnavailable("issue", "42", errors.New("timeout")), http.StatusInternalServerError},
		{"foreign", errors.New("yookassa api error: 502"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(":0", pinger{}, &activator{err: tt.err}, nil)
			rec := post(t, s.Handler(), notification("payment.succeeded", "pay-1", "42"))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
