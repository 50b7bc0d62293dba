// Command gatewayd is the gateway's process wiring: it loads the TOML
// configuration, opens the SQLite persistence backend, constructs the
// certificate manager and its control loop, and runs the HTTPS/HTTP-01
// serving plane until a termination signal arrives.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	phuslog "github.com/phuslu/log"
	"golang.org/x/time/rate"

	"github.com/narrowlink/gateway/acme"
	"github.com/narrowlink/gateway/cache/ristretto"
	"github.com/narrowlink/gateway/certmanager"
	"github.com/narrowlink/gateway/config"
	"github.com/narrowlink/gateway/db/zombiezen"
	"github.com/narrowlink/gateway/log"
	"github.com/narrowlink/gateway/notify"
	"github.com/narrowlink/gateway/notify/discord"
	"github.com/narrowlink/gateway/server"
)

func newLogger(json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if json {
		return slog.New(phuslog.SlogNewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "gateway.toml", "path to TOML configuration file")
	jsonLogs := flag.Bool("json-logs", true, "emit structured JSON logs via phuslu/log instead of plain text")
	flag.Parse()

	logger := newLogger(*jsonLogs)
	fmtr := log.NewMessageFormatter("gatewayd", "🚪")
	logger.Info(fmtr.Start("loading configuration"), "path", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error(fmtr.Fail("failed to load configuration"), "error", err)
		os.Exit(1)
	}
	configProvider := config.NewProvider(cfg)

	store, err := zombiezen.New(cfg.Storage.DBPath, cfg.Storage.AgeKeyPath)
	if err != nil {
		logger.Error(fmtr.Fail("failed to open storage"), "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info(fmtr.Ok("storage opened"), "db_path", cfg.Storage.DBPath)

	var notifier notify.Notifier = notify.NewNilNotifier()
	if cfg.Notify.Discord.Enabled {
		d, err := discord.New(discord.Options{
			WebhookURL:   cfg.Notify.Discord.WebhookURL,
			APIRateLimit: rate.Every(cfg.Notify.Discord.APIRateLimit.Duration),
			APIBurst:     cfg.Notify.Discord.APIBurst,
			SendTimeout:  cfg.Notify.Discord.SendTimeout.Duration,
		}, logger)
		if err != nil {
			logger.Error(fmtr.Fail("failed to initialize discord notifier"), "error", err)
			os.Exit(1)
		}
		notifier = d
		logger.Info(fmtr.Active("discord alerting enabled"))
	} else {
		logger.Info(fmtr.Disabled("discord alerting"))
	}

	negativeCache, err := ristretto.New[time.Time](ristretto.Backoff)
	if err != nil {
		logger.Error(fmtr.Fail("failed to initialize issuance negative cache"), "error", err)
		os.Exit(1)
	}

	auditDaemon, err := log.New(configProvider, logger, store)
	if err != nil {
		logger.Error(fmtr.Fail("failed to initialize issuance audit log"), "error", err)
		os.Exit(1)
	}
	auditChan, auditCtx := auditDaemon.Chan()
	issuanceLogger := slog.New(log.NewBatchHandler(configProvider, auditChan, auditCtx)).With("component", "certmanager")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgrConfig := certmanager.Config{
		Storage:              store,
		Logger:               issuanceLogger,
		Notifier:             notifier,
		RenewalWindow:        cfg.Acme.RenewalWindow.Duration,
		RenewalSweepInterval: cfg.Acme.RenewalSweepInterval.Duration,
		CheckRetries:         cfg.Acme.CheckRetries,
		CheckInterval:        cfg.Acme.CheckInterval.Duration,
		NegativeCache:        negativeCache,
	}
	if cfg.Acme.Enabled {
		challengeType, err := parseChallengeType(cfg.Acme.ChallengeType)
		if err != nil {
			logger.Error(fmtr.Fail("invalid acme challenge_type"), "error", err)
			os.Exit(1)
		}
		mgrConfig.ACME = &certmanager.ACMEConfig{
			ContactEmail:  cfg.Acme.ContactEmail,
			ChallengeType: challengeType,
			DirectoryURL:  cfg.Acme.DirectoryURL,
		}
		logger.Info(fmtr.Active("acme issuance enabled"), "challenge_type", cfg.Acme.ChallengeType, "directory_url", cfg.Acme.DirectoryURL)
	} else {
		logger.Info(fmtr.Disabled("acme issuance"))
	}

	manager, err := certmanager.New(ctx, mgrConfig)
	if err != nil {
		logger.Error(fmtr.Fail("failed to construct certificate manager"), "error", err)
		os.Exit(1)
	}

	reload := func() error { return config.Reload(configProvider, *configPath) }

	// NewHandler only needs configProvider (for the redirect target), so a
	// placeholder server built from the same provider is enough to build
	// the real handler before constructing the server that actually serves it.
	handler := server.NewServer(configProvider, http.NotFoundHandler(), manager, manager, logger, reload).NewHandler(manager)
	srv := server.NewServer(configProvider, handler, manager, manager, logger, reload)

	srv.AddDaemon(auditDaemon)
	srv.AddDaemon(manager)

	logger.Info(fmtr.Complete("starting gateway"))
	srv.Run()
}

func parseChallengeType(s string) (acme.ChallengeType, error) {
	switch s {
	case "http-01":
		return acme.HTTP01, nil
	case "tls-alpn-01":
		return acme.TLSALPN01, nil
	default:
		return 0, &unknownChallengeTypeError{s}
	}
}

type unknownChallengeTypeError struct{ value string }

func (e *unknownChallengeTypeError) Error() string {
	return "unknown acme challenge_type " + e.value + `, want "http-01" or "tls-alpn-01"`
}
