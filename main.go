package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Asort97/happycat-vpn/assign"
	colorfulprint "github.com/Asort97/happycat-vpn/clients/colorfulPrint"
	nodeagent "github.com/Asort97/happycat-vpn/clients/nodeAgent"
	pfsense "github.com/Asort97/happycat-vpn/clients/pfSense"
	secretbox "github.com/Asort97/happycat-vpn/clients/secretBox"
	sqlite "github.com/Asort97/happycat-vpn/clients/sqLite"
	yookassa "github.com/Asort97/happycat-vpn/clients/yooKassa"
	"github.com/Asort97/happycat-vpn/config"
	"github.com/Asort97/happycat-vpn/issuer"
	"github.com/Asort97/happycat-vpn/lifecycle"
	"github.com/Asort97/happycat-vpn/referral"
	"github.com/Asort97/happycat-vpn/server"
	"github.com/Asort97/happycat-vpn/sweep"
)

const secretKeyFile = "secret.key"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "happycat",
		Short:        "HappyCat VPN subscription and credential manager",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config (defaults to $VPN_CONFIG)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the webhook server and the expiry sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.RunE = serve.RunE

	root.AddCommand(
		serve,
		newSweepCmd(&configPath),
		newNodesCmd(&configPath),
		newGrantCmd(&configPath),
		newRevokeCmd(&configPath),
	)
	return root
}

// app holds everything built from one configuration.
type app struct {
	cfg      *config.Config
	store    *sqlite.Store
	yookassa *yookassa.YooKassaClient
	manager  *lifecycle.Manager
	sweeper  *sweep.Sweeper
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	colorfulprint.Init(colorfulprint.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return cfg, nil
}

func openStore(cfg *config.Config) (*sqlite.Store, error) {
	store, err := sqlite.Open(cfg.DataDir, sqlite.WithTimeout(cfg.StoreTimeout))
	if err != nil {
		return nil, colorfulprint.PrintError("Store not opened", err)
	}
	return store, nil
}

func newApp(configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	key, err := secretbox.LoadOrCreateKey(filepath.Join(cfg.DataDir, secretKeyFile))
	if err != nil {
		store.Close()
		return nil, colorfulprint.PrintError("Secret key not loaded", err)
	}
	box, err := secretbox.New(key)
	if err != nil {
		store.Close()
		return nil, err
	}

	var tlsCrypt []byte
	if cfg.PfSense.TLSCryptKey != "" {
		tlsCrypt, err = os.ReadFile(cfg.PfSense.TLSCryptKey)
		if err != nil {
			store.Close()
			return nil, colorfulprint.PrintError("tls-crypt key not read", err)
		}
	}

	authority := pfsense.New(pfsense.Config{
		BaseURL: cfg.PfSense.URL,
		APIKey:  cfg.PfSense.APIKey,
		CARef:   cfg.PfSense.CARef,
		Timeout: cfg.AuthorityTimeout,
	})

	var agent issuer.NodeAgent = nodeagent.Noop{}
	if cfg.NodeAgentPort > 0 {
		agent = nodeagent.New(cfg.NodeAgentPort, cfg.AuthorityTimeout)
	}

	payments := yookassa.New(yookassa.Config{
		ShopID:    cfg.YooKassa.ShopID,
		SecretKey: cfg.YooKassa.SecretKey,
		ReturnURL: cfg.YooKassa.ReturnURL,
		Timeout:   cfg.AuthorityTimeout,
	})

	iss := issuer.New(store, assign.New(cfg.Lifecycle.SoftLoadCeiling), authority, agent, box, issuer.Config{
		AuthorityTimeout:    cfg.AuthorityTimeout,
		CertificateHeadroom: cfg.Lifecycle.CertificateHeadroom,
		Profile: issuer.ProfileConfig{
			Port:       cfg.PfSense.ClientPort,
			ServerName: cfg.PfSense.ServerName,
			TLSCrypt:   tlsCrypt,
		},
	})
	ledger := referral.New(iss, cfg.Lifecycle.RewardUnit)
	manager := lifecycle.New(iss, ledger, payments, lifecycle.Config{
		TrialDuration: cfg.Lifecycle.TrialDuration,
		PaidDuration:  cfg.Lifecycle.PaidDuration,
		Plans:         cfg.Plans,
	})
	sweeper := sweep.New(store, authority, sweep.Config{
		DataDir:          cfg.DataDir,
		Batch:            cfg.Sweep.Batch,
		IssuanceLease:    cfg.Lifecycle.IssuanceLease,
		AuthorityTimeout: cfg.AuthorityTimeout,
	})

	return &app{
		cfg:      cfg,
		store:    store,
		yookassa: payments,
		manager:  manager,
		sweeper:  sweeper,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store not closed cleanly")
	}
}

func runServe(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.BotToken == "" {
		return colorfulprint.PrintError("TG_BOT_TOKEN is not set", nil)
	}
	api, err := tgbotapi.NewBotAPI(a.cfg.BotToken)
	if err != nil {
		return colorfulprint.PrintError("Telegram bot not authorized", err)
	}
	bot := NewBot(api, a.manager, a.yookassa, a.cfg)

	scheduler, err := sweep.NewScheduler(a.sweeper, a.cfg.Sweep.Schedule)
	if err != nil {
		return err
	}
	srv := server.New(a.cfg.HTTPAddr, a.store, a.manager, bot.Deliver)

	colorfulprint.PrintState(fmt.Sprintf("Authorized on account %s", api.Self.UserName))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	if err := g.Wait(); err != nil {
		return colorfulprint.PrintError("Service stopped", err)
	}
	colorfulprint.PrintState("Service stopped")
	return nil
}
