package nodeagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asort97/happycat-vpn/models"
)

func TestApplyRateLimit(t *testing.T) {
	var got rateLimitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ratelimit", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	agent := New(1, time.Second)
	node := &models.Node{ID: "n1", Address: strings.TrimPrefix(srv.URL, "http://")}

	require.NoError(t, agent.ApplyRateLimit(context.Background(), node, "cred-1", models.RateReduced))
	assert.Equal(t, rateLimitRequest{CredentialID: "cred-1", Class: "reduced"}, got)
}

func TestApplyRateLimitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown credential", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	agent := New(1, time.Second)
	node := &models.Node{ID: "n1", Address: strings.TrimPrefix(srv.URL, "http://")}

	err := agent.ApplyRateLimit(context.Background(), node, "cred-1", models.RateStandard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown credential")
}

func TestEndpoint(t *testing.T) {
	agent := New(9100, 0)
	assert.Equal(t, "http://10.0.0.5:9100", agent.endpoint("10.0.0.5"))
	assert.Equal(t, "http://10.0.0.5:7000", agent.endpoint("10.0.0.5:7000"))
	assert.Equal(t, "http://vpn.example.com:9100", agent.endpoint("vpn.example.com"))

	assert.NoError(t, Noop{}.ApplyRateLimit(context.Background(), nil, "x", models.RateStandard))
}
