package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asort97/happycat-vpn/config"
	"github.com/Asort97/happycat-vpn/lifecycle"
	"github.com/Asort97/happycat-vpn/models"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestNodesCommands(t *testing.T) {
	t.Setenv("VPN_DATA_DIR", t.TempDir())
	t.Setenv("VPN_LOG_LEVEL", "error")

	_, err := runCLI(t, "nodes", "add", "n1", "n1.vpn.example:443")
	require.NoError(t, err)
	_, err = runCLI(t, "nodes", "add", "n2", "n2.vpn.example:443")
	require.NoError(t, err)

	out, err := runCLI(t, "nodes", "drain", "n2")
	require.NoError(t, err)
	assert.Contains(t, out, "node n2 is drained")

	out, err = runCLI(t, "nodes", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "n1")
	assert.Contains(t, lines[1], "active")
	assert.Contains(t, lines[2], "drained")

	_, err = runCLI(t, "nodes", "activate", "missing")
	assert.ErrorContains(t, err, "node missing not found")
}

func TestSweepCommandOnEmptyStore(t *testing.T) {
	t.Setenv("VPN_DATA_DIR", t.TempDir())
	t.Setenv("VPN_LOG_LEVEL", "error")

	out, err := runCLI(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "revoked=0 errors=0")
}

func TestGrantCommandRejectsBadDays(t *testing.T) {
	_, err := runCLI(t, "grant", "42", "many")
	assert.ErrorContains(t, err, "days")
}

func TestStatusText(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	text := statusText(&lifecycle.Overview{State: models.StateTrialEligible}, now)
	assert.Contains(t, text, "Неактивна")
	assert.Contains(t, text, "/trial")

	text = statusText(&lifecycle.Overview{State: models.StatePaidExpired}, now)
	assert.NotContains(t, text, "/trial")

	text = statusText(&lifecycle.Overview{
		State: models.StatePaidActive,
		Current: &models.Credential{
			Kind:      models.KindPaid,
			Status:    models.StatusActive,
			ExpiresAt: now.Add(10*24*time.Hour + time.Hour),
		},
	}, now)
	assert.Contains(t, text, "Активна")
	assert.Contains(t, text, "Осталось дней:</b> 10")
	assert.Contains(t, text, "11.03.2026")
}

func TestRateSelectionKeyboard(t *testing.T) {
	kb := rateSelectionKeyboard(config.DefaultPlans)
	// six plans in rows of three, then the back row
	require.Len(t, kb.InlineKeyboard, 3)
	assert.Len(t, kb.InlineKeyboard[0], 3)
	assert.Equal(t, "rate_15d", *kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "25 ₽", kb.InlineKeyboard[0][0].Text)
	assert.Equal(t, "nav_menu", *kb.InlineKeyboard[2][0].CallbackData)

	kb = rateSelectionKeyboard(config.DefaultPlans[:4])
	require.Len(t, kb.InlineKeyboard, 3)
	assert.Len(t, kb.InlineKeyboard[1], 1)
}

func TestCanProceed(t *testing.T) {
	b := NewBot(nil, nil, nil, config.Default())
	assert.True(t, b.canProceed("42", "nav_trial"))
	assert.False(t, b.canProceed("42", "nav_trial"))
	assert.True(t, b.canProceed("42", "nav_status"))
	assert.True(t, b.canProceed("43", "nav_trial"))

	b.lastAction["41|nav_menu"] = time.Now().Add(-time.Minute)
	assert.True(t, b.canProceed("44", "nav_menu"))
	assert.NotContains(t, b.lastAction, "41|nav_menu")
	assert.Len(t, b.lastAction, 4)
}
