// Command issue-cert runs a single ACME issuance attempt for one tenancy
// outside the normal control loop: useful for provisioning a new agent's
// first certificate, or forcing a renewal ahead of the six-hour sweep.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/narrowlink/gateway/acme"
	"github.com/narrowlink/gateway/certmanager"
	"github.com/narrowlink/gateway/config"
	"github.com/narrowlink/gateway/db"
	"github.com/narrowlink/gateway/db/zombiezen"
)

func main() {
	configPath := flag.String("config", "gateway.toml", "path to TOML configuration file")
	uid := flag.String("uid", "", "tenancy uid")
	agentName := flag.String("agent", "", "tenancy agent name")
	domainsFlag := flag.String("domains", "", "comma-separated domain list to issue for")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline for the issuance attempt")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *uid == "" || *agentName == "" || *domainsFlag == "" {
		logger.Error("usage: issue-cert -config gateway.toml -uid U -agent A -domains d1.example.com,d2.example.com")
		os.Exit(2)
	}
	domains := strings.Split(*domainsFlag, ",")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if !cfg.Acme.Enabled {
		logger.Error("acme is disabled in configuration; nothing to issue")
		os.Exit(1)
	}

	store, err := zombiezen.New(cfg.Storage.DBPath, cfg.Storage.AgeKeyPath)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	challengeType := acme.HTTP01
	if cfg.Acme.ChallengeType == "tls-alpn-01" {
		challengeType = acme.TLSALPN01
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	manager, err := certmanager.New(ctx, certmanager.Config{
		Storage: store,
		Logger:  logger,
		ACME: &certmanager.ACMEConfig{
			ContactEmail:  cfg.Acme.ContactEmail,
			ChallengeType: challengeType,
			DirectoryURL:  cfg.Acme.DirectoryURL,
		},
		CheckRetries:  cfg.Acme.CheckRetries,
		CheckInterval: cfg.Acme.CheckInterval.Duration,
	})
	if err != nil {
		logger.Error("failed to construct certificate manager", "error", err)
		os.Exit(1)
	}
	defer manager.Stop(context.Background())

	key := db.TenancyKey{UID: *uid, AgentName: *agentName}
	logger.Info("starting issuance", "uid", *uid, "agent", *agentName, "domains", domains)

	if err := manager.Issue(ctx, key, domains, nil, nil); err != nil {
		logger.Error("issuance failed", "error", err)
		os.Exit(1)
	}

	logger.Info("issuance succeeded, certificate persisted to storage")
}
