// Command insert-cert seeds a tenancy's certificate directly into
// storage, bypassing ACME: useful for bootstrapping a pre-issued
// certificate or restoring one from a backup.
package main

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/narrowlink/gateway/db"
	"github.com/narrowlink/gateway/db/zombiezen"
)

type CertInserter struct {
	logger *slog.Logger
	store  *zombiezen.Db
}

func NewCertInserter(dbPath, ageKeyPath string, logger *slog.Logger) (*CertInserter, error) {
	store, err := zombiezen.New(dbPath, ageKeyPath)
	if err != nil {
		return nil, err
	}
	return &CertInserter{logger: logger, store: store}, nil
}

func (ci *CertInserter) Close() error {
	return ci.store.Close()
}

// InsertCert reads the key and certificate chain files and stores them
// under key, deriving the expiry from the leaf certificate rather than
// trusting a caller-supplied value.
func (ci *CertInserter) InsertCert(ctx context.Context, key db.TenancyKey, keyPath, chainPath string) error {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		ci.logger.Error("failed to read key file", "path", keyPath, "error", err)
		return err
	}
	chainPEM, err := os.ReadFile(chainPath)
	if err != nil {
		ci.logger.Error("failed to read certificate chain file", "path", chainPath, "error", err)
		return err
	}

	notAfter, err := leafNotAfter(chainPEM)
	if err != nil {
		ci.logger.Error("failed to parse certificate chain", "path", chainPath, "error", err)
		return err
	}

	rec := db.CertificateRecord{
		ChainPEM:  chainPEM,
		KeyPEM:    keyPEM,
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: notAfter,
	}
	if err := ci.store.Put(ctx, key, nil, rec); err != nil {
		ci.logger.Error("failed to insert certificate", "uid", key.UID, "agent_name", key.AgentName, "error", err)
		return err
	}

	ci.logger.Info("successfully inserted certificate", "uid", key.UID, "agent_name", key.AgentName, "expires_at", notAfter)
	return nil
}

func leafNotAfter(chainPEM []byte) (time.Time, error) {
	block, _ := pem.Decode(chainPEM)
	if block == nil {
		return time.Time{}, os.ErrInvalid
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, err
	}
	return leaf.NotAfter, nil
}

func main() {
	dbPath := flag.String("dbfile", "gateway.db", "path to SQLite database file")
	ageKeyPath := flag.String("agekey", "gateway.age", "path to the age identity file used to encrypt secret columns")
	uid := flag.String("uid", "", "tenancy uid")
	agentName := flag.String("agent", "", "tenancy agent name")
	keyPath := flag.String("key", "", "path to the PEM private key")
	chainPath := flag.String("cert", "", "path to the PEM certificate chain")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *uid == "" || *agentName == "" || *keyPath == "" || *chainPath == "" {
		logger.Error("usage: insert-cert -uid U -agent A -key key.pem -cert chain.pem [-dbfile gateway.db] [-agekey gateway.age]")
		os.Exit(2)
	}

	inserter, err := NewCertInserter(*dbPath, *ageKeyPath, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer inserter.Close()

	key := db.TenancyKey{UID: *uid, AgentName: *agentName}
	if err := inserter.InsertCert(context.Background(), key, *keyPath, *chainPath); err != nil {
		os.Exit(1)
	}
}
