package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultTrialDuration    = 7 * 24 * time.Hour
	DefaultPaidDuration     = 30 * 24 * time.Hour
	DefaultRewardUnit       = 15 * 24 * time.Hour
	DefaultSoftLoadCeiling  = 50
	DefaultSweepSchedule    = "@every 24h"
	DefaultSweepBatch       = 500
	DefaultAuthorityTimeout = 30 * time.Second
	DefaultStoreTimeout     = 10 * time.Second
	DefaultIssuanceLease    = 5 * time.Minute
	DefaultCertHeadroom     = 365 * 24 * time.Hour
	DefaultHTTPAddr         = ":9091"
	DefaultDataDir          = "database"
)

// RatePlan is a tariff the subscriber can pay for.
type RatePlan struct {
	ID     string  `yaml:"id"`
	Title  string  `yaml:"title"`
	Amount float64 `yaml:"amount"`
	Days   int     `yaml:"days"`
}

// Duration returns the validity window the plan buys.
func (p RatePlan) Duration() time.Duration {
	return time.Duration(p.Days) * 24 * time.Hour
}

// DefaultPlans are the tariffs the bot has always offered.
var DefaultPlans = []RatePlan{
	{ID: "15d", Title: "15 days", Amount: 25, Days: 15},
	{ID: "30d", Title: "30 days", Amount: 50, Days: 30},
	{ID: "60d", Title: "60 days", Amount: 100, Days: 60},
	{ID: "120d", Title: "120 days", Amount: 200, Days: 120},
	{ID: "240d", Title: "240 days", Amount: 300, Days: 240},
	{ID: "365d", Title: "365 days", Amount: 400, Days: 365},
}

type Lifecycle struct {
	TrialDuration   time.Duration `yaml:"trialDuration"`
	PaidDuration    time.Duration `yaml:"paidDuration"`
	RewardUnit      time.Duration `yaml:"rewardUnit"`
	SoftLoadCeiling int           `yaml:"softLoadCeiling"`
	IssuanceLease   time.Duration `yaml:"issuanceLease"`

	// CertificateHeadroom is added to every certificate lifetime so that
	// referral extensions never outlive the certificate itself.
	CertificateHeadroom time.Duration `yaml:"certificateHeadroom"`
}

type Sweep struct {
	Schedule string `yaml:"schedule"`
	Batch    int    `yaml:"batch"`
}

type PfSense struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"-"`
	CARef       string `yaml:"caRef"` // empty means the first CA on the firewall
	ServerName  string `yaml:"serverName"`
	TLSCryptKey string `yaml:"tlsCryptKey"` // path to the server tls-crypt key
	ClientPort  int    `yaml:"clientPort"`
}

type YooKassa struct {
	ShopID    string `yaml:"shopId"`
	SecretKey string `yaml:"-"`
	ReturnURL string `yaml:"returnUrl"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full, validated service configuration.
type Config struct {
	DataDir          string        `yaml:"dataDir"`
	HTTPAddr         string        `yaml:"httpAddr"`
	BotToken         string        `yaml:"-"`
	AdminIDs         []int64       `yaml:"adminIds"` // chats notified about purchases and allowed /grant
	PrivacyURL       string        `yaml:"privacyUrl"`
	NodeAgentPort    int           `yaml:"nodeAgentPort"`
	AuthorityTimeout time.Duration `yaml:"authorityTimeout"`
	StoreTimeout     time.Duration `yaml:"storeTimeout"`
	Lifecycle        Lifecycle     `yaml:"lifecycle"`
	Sweep            Sweep         `yaml:"sweep"`
	PfSense          PfSense       `yaml:"pfsense"`
	YooKassa         YooKassa      `yaml:"yookassa"`
	Logging          Logging       `yaml:"logging"`
	Plans            []RatePlan    `yaml:"plans"`
}

// Default returns a configuration with every tunable at its default.
func Default() *Config {
	plans := make([]RatePlan, len(DefaultPlans))
	copy(plans, DefaultPlans)
	return &Config{
		DataDir:          DefaultDataDir,
		HTTPAddr:         DefaultHTTPAddr,
		AuthorityTimeout: DefaultAuthorityTimeout,
		StoreTimeout:     DefaultStoreTimeout,
		Lifecycle: Lifecycle{
			TrialDuration:   DefaultTrialDuration,
			PaidDuration:    DefaultPaidDuration,
			RewardUnit:      DefaultRewardUnit,
			SoftLoadCeiling: DefaultSoftLoadCeiling,
			IssuanceLease:   DefaultIssuanceLease,

			CertificateHeadroom: DefaultCertHeadroom,
		},
		Sweep:   Sweep{Schedule: DefaultSweepSchedule, Batch: DefaultSweepBatch},
		PfSense: PfSense{ClientPort: 1443},
		YooKassa: YooKassa{
			ReturnURL: "https://t.me/happyCatVpnBot",
		},
		Logging:    Logging{Level: "info", Format: "auto"},
		Plans:      plans,
		PrivacyURL: "https://telegra.ph/HappyCat-VPN-Privacy-Policy",
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, an optional .env file next to the working directory and finally the
// process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("VPN_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	// Load never overrides variables that are already set.
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.BotToken, "TG_BOT_TOKEN")
	setString(&c.DataDir, "VPN_DATA_DIR")
	setString(&c.PrivacyURL, "PRIVACY_URL")
	if v := strings.TrimSpace(os.Getenv("TG_ADMIN_IDS")); v != "" {
		ids, err := parseIDs(v)
		if err != nil {
			return fmt.Errorf("TG_ADMIN_IDS: %w", err)
		}
		c.AdminIDs = ids
	}
	setString(&c.HTTPAddr, "VPN_HTTP_ADDR")
	setString(&c.PfSense.URL, "PFSENSE_URL")
	setString(&c.PfSense.APIKey, "PFSENSE_API_KEY")
	setString(&c.PfSense.CARef, "PFSENSE_CA_REF")
	setString(&c.PfSense.ServerName, "PFSENSE_SERVER_NAME")
	setString(&c.PfSense.TLSCryptKey, "TLS_CRYPT_KEY")
	setString(&c.YooKassa.ShopID, "YOOKASSA_STORE_ID")
	setString(&c.YooKassa.SecretKey, "YOOKASSA_API_KEY")
	setString(&c.Logging.Level, "VPN_LOG_LEVEL")
	setString(&c.Logging.Format, "VPN_LOG_FORMAT")
	setString(&c.Sweep.Schedule, "VPN_SWEEP_SCHEDULE")

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&c.Lifecycle.TrialDuration, "VPN_TRIAL_DURATION"},
		{&c.Lifecycle.PaidDuration, "VPN_PAID_DURATION"},
		{&c.Lifecycle.RewardUnit, "VPN_REWARD_UNIT"},
		{&c.Lifecycle.IssuanceLease, "VPN_ISSUANCE_LEASE"},
		{&c.Lifecycle.CertificateHeadroom, "VPN_CERT_HEADROOM"},
		{&c.AuthorityTimeout, "VPN_AUTHORITY_TIMEOUT"},
		{&c.StoreTimeout, "VPN_STORE_TIMEOUT"},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		dst *int
		key string
	}{
		{&c.Lifecycle.SoftLoadCeiling, "VPN_SOFT_LOAD_CEILING"},
		{&c.Sweep.Batch, "VPN_SWEEP_BATCH"},
		{&c.NodeAgentPort, "VPN_NODE_AGENT_PORT"},
	}
	for _, i := range ints {
		v := strings.TrimSpace(os.Getenv(i.key))
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.key, err)
		}
		*i.dst = parsed
	}
	return nil
}

func parseIDs(v string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// IsAdmin reports whether chatID is one of the configured admins.
func (c *Config) IsAdmin(chatID int64) bool {
	for _, id := range c.AdminIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// Validate checks every field so a bad value fails at startup rather than on
// the first request that reads it.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("dataDir is required"))
	}
	positive := []struct {
		name string
		v    time.Duration
	}{
		{"lifecycle.trialDuration", c.Lifecycle.TrialDuration},
		{"lifecycle.paidDuration", c.Lifecycle.PaidDuration},
		{"lifecycle.rewardUnit", c.Lifecycle.RewardUnit},
		{"lifecycle.issuanceLease", c.Lifecycle.IssuanceLease},
		{"authorityTimeout", c.AuthorityTimeout},
		{"storeTimeout", c.StoreTimeout},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.name, p.v))
		}
	}
	if c.Lifecycle.IssuanceLease <= c.AuthorityTimeout {
		errs = append(errs, fmt.Errorf("lifecycle.issuanceLease (%s) must exceed authorityTimeout (%s)", c.Lifecycle.IssuanceLease, c.AuthorityTimeout))
	}
	if c.Lifecycle.CertificateHeadroom < 0 {
		errs = append(errs, fmt.Errorf("lifecycle.certificateHeadroom must not be negative, got %s", c.Lifecycle.CertificateHeadroom))
	}
	if c.PfSense.ClientPort < 1 || c.PfSense.ClientPort > 65535 {
		errs = append(errs, fmt.Errorf("pfsense.clientPort out of range: %d", c.PfSense.ClientPort))
	}
	if c.Lifecycle.SoftLoadCeiling < 1 {
		errs = append(errs, fmt.Errorf("lifecycle.softLoadCeiling must be at least 1, got %d", c.Lifecycle.SoftLoadCeiling))
	}
	if c.Sweep.Batch < 1 {
		errs = append(errs, fmt.Errorf("sweep.batch must be at least 1, got %d", c.Sweep.Batch))
	}
	if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("sweep.schedule %q: %w", c.Sweep.Schedule, err))
	}
	if c.NodeAgentPort < 0 || c.NodeAgentPort > 65535 {
		errs = append(errs, fmt.Errorf("nodeAgentPort out of range: %d", c.NodeAgentPort))
	}
	if len(c.Plans) == 0 {
		errs = append(errs, errors.New("at least one plan is required"))
	}
	seen := make(map[string]bool, len(c.Plans))
	for _, p := range c.Plans {
		if strings.TrimSpace(p.ID) == "" {
			errs = append(errs, errors.New("plan id is required"))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate plan id %q", p.ID))
		}
		seen[p.ID] = true
		if p.Days <= 0 || p.Amount <= 0 {
			errs = append(errs, fmt.Errorf("plan %q must have positive days and amount", p.ID))
		}
	}
	return errors.Join(errs...)
}

// Plan looks up a plan by id.
func (c *Config) Plan(id string) (RatePlan, bool) {
	for _, p := range c.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return RatePlan{}, false
}
