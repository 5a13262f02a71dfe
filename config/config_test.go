package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataDir: /var/lib/happycat
lifecycle:
  trialDuration: 72h
  softLoadCeiling: 10
sweep:
  schedule: "@every 1h"
plans:
  - id: month
    title: Month
    amount: 50
    days: 30
`), 0o600))

	t.Setenv("VPN_REWARD_UNIT", "48h")
	t.Setenv("TG_BOT_TOKEN", "token")
	t.Setenv("PFSENSE_CA_REF", "pfSense-CA")
	t.Setenv("TG_ADMIN_IDS", "101, 202")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/happycat", cfg.DataDir)
	assert.Equal(t, 72*time.Hour, cfg.Lifecycle.TrialDuration)
	assert.Equal(t, DefaultPaidDuration, cfg.Lifecycle.PaidDuration)
	assert.Equal(t, 48*time.Hour, cfg.Lifecycle.RewardUnit)
	assert.Equal(t, 10, cfg.Lifecycle.SoftLoadCeiling)
	assert.Equal(t, "@every 1h", cfg.Sweep.Schedule)
	assert.Equal(t, "token", cfg.BotToken)
	assert.Equal(t, DefaultCertHeadroom, cfg.Lifecycle.CertificateHeadroom)
	assert.Equal(t, "pfSense-CA", cfg.PfSense.CARef)
	assert.Equal(t, []int64{101, 202}, cfg.AdminIDs)
	assert.True(t, cfg.IsAdmin(202))
	assert.False(t, cfg.IsAdmin(303))

	plan, ok := cfg.Plan("month")
	require.True(t, ok)
	assert.Equal(t, 30*24*time.Hour, plan.Duration())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultTrialDuration, cfg.Lifecycle.TrialDuration)
}

func TestLoad_BadAdminIDs(t *testing.T) {
	t.Setenv("TG_ADMIN_IDS", "101,abc")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TG_ADMIN_IDS")
}

func TestLoad_BadEnvDuration(t *testing.T) {
	t.Setenv("VPN_TRIAL_DURATION", "soon")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VPN_TRIAL_DURATION")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero_trial", func(c *Config) { c.Lifecycle.TrialDuration = 0 }, "trialDuration"},
		{"negative_reward", func(c *Config) { c.Lifecycle.RewardUnit = -time.Hour }, "rewardUnit"},
		{"ceiling", func(c *Config) { c.Lifecycle.SoftLoadCeiling = 0 }, "softLoadCeiling"},
		{"schedule", func(c *Config) { c.Sweep.Schedule = "whenever" }, "sweep.schedule"},
		{"negative_headroom", func(c *Config) { c.Lifecycle.CertificateHeadroom = -time.Hour }, "certificateHeadroom"},
		{"client_port", func(c *Config) { c.PfSense.ClientPort = 0 }, "pfsense.clientPort"},
		{"short_lease", func(c *Config) { c.Lifecycle.IssuanceLease = c.AuthorityTimeout }, "must exceed authorityTimeout"},
		{"no_data_dir", func(c *Config) { c.DataDir = " " }, "dataDir"},
		{"dup_plan", func(c *Config) { c.Plans = append(c.Plans, c.Plans[0]) }, "duplicate plan"},
		{"free_plan", func(c *Config) { c.Plans[0].Amount = 0 }, "positive days and amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
