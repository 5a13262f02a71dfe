// Package nodeagent pushes traffic-shaping classes to the agent running on
// each VPN node.
package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Asort97/happycat-vpn/models"
)

const defaultTimeout = 5 * time.Second

// HTTPAgent talks to the node agent's small JSON API.
type HTTPAgent struct {
	port int
	http *http.Client
}

func New(port int, timeout time.Duration) *HTTPAgent {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPAgent{port: port, http: &http.Client{Timeout: timeout}}
}

type rateLimitRequest struct {
	CredentialID string `json:"credential_id"`
	Class        string `json:"class"`
}

// ApplyRateLimit sets the traffic class of credentialID on node.
func (a *HTTPAgent) ApplyRateLimit(ctx context.Context, node *models.Node, credentialID string, class models.RateClass) error {
	if node == nil {
		return fmt.Errorf("node is required")
	}
	body, err := json.Marshal(rateLimitRequest{CredentialID: credentialID, Class: string(class)})
	if err != nil {
		return fmt.Errorf("marshal rate limit: %w", err)
	}

	endpoint := a.endpoint(node.Address) + "/ratelimit"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create rate limit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("send rate limit to node %s: %w", node.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("node %s rejected rate limit: %s %s", node.ID, resp.Status, bytes.TrimSpace(msg))
	}

	log.Debug().
		Str("node_id", node.ID).
		Str("credential_id", credentialID).
		Str("class", string(class)).
		Msg("Rate limit applied")
	return nil
}

func (a *HTTPAgent) endpoint(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return "http://" + address
	}
	return "http://" + net.JoinHostPort(address, strconv.Itoa(a.port))
}

// Noop accepts every call. It is used when no node agent is deployed.
type Noop struct{}

func (Noop) ApplyRateLimit(context.Context, *models.Node, string, models.RateClass) error {
	return nil
}
