// Package certmanager implements the gateway's certificate management
// core: the in-memory store, the ACME issuance algorithm, and the
// long-running control loop that mediates Load/Unload commands and
// periodic renewal sweeps against a persistence backend and an ACME
// adapter.
package certmanager

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/narrowlink/gateway/acme"
	"github.com/narrowlink/gateway/cache"
	"github.com/narrowlink/gateway/certificate"
	"github.com/narrowlink/gateway/challenge"
	"github.com/narrowlink/gateway/db"
	"github.com/narrowlink/gateway/notify"
)

// Error taxonomy surfaced by this package. Callers discriminate with
// errors.Is; the control loop never propagates these upward, it logs
// and continues.
var (
	// ErrCertificateNotFound is returned by Get when no loaded
	// certificate serves the queried domain.
	ErrCertificateNotFound = errors.New("certmanager: certificate not found")
	// ErrCertificateRenewalRequired is returned by LoadToMemory when the
	// persisted certificate is already within its renewal window; it is
	// never inserted into the store.
	ErrCertificateRenewalRequired = errors.New("certmanager: certificate renewal required")
	// ErrACMEDisabled is returned by Issue when no ACME account is
	// available for the tenancy, either because the manager was
	// constructed without ACME info or because no account resolves.
	ErrACMEDisabled = errors.New("certmanager: acme is disabled")
	// ErrACMEChallengeNotFound is returned by the challenge side
	// channels when a domain has no active challenge, or a different
	// variant than requested.
	ErrACMEChallengeNotFound = challenge.ErrNotFound
	// ErrACMEFailed wraps order, challenge, or persistence failures
	// during Issue.
	ErrACMEFailed = errors.New("certmanager: acme issuance failed")
	// ErrStorage wraps a persistence backend failure.
	ErrStorage = errors.New("certmanager: storage error")
)

const (
	// DefaultRenewalSweepInterval is how often the control loop scans the
	// store for entries due for renewal when the caller leaves it unset.
	DefaultRenewalSweepInterval = 6 * time.Hour
	// DefaultCheckRetries and DefaultCheckInterval bound how long Issue
	// polls an ACME order for finalization when the caller leaves them unset.
	DefaultCheckRetries  = 5
	DefaultCheckInterval = 10 * time.Second

	// issuanceBackoffTTL bounds how long a failed tenancy is skipped by
	// the control loop's negative cache before the next Load for it is
	// allowed to re-attempt issuance.
	issuanceBackoffTTL = time.Minute
)

// ACMEConfig enables ACME issuance at manager construction. All three
// fields are required together; a nil ACMEConfig disables ACME entirely.
type ACMEConfig struct {
	ContactEmail  string
	ChallengeType acme.ChallengeType
	DirectoryURL  string
}

// Config is everything New needs to build a Manager.
type Config struct {
	Storage  db.Storage
	Logger   *slog.Logger
	Notifier notify.Notifier

	// RenewalWindow is passed to certificate.New for every certificate
	// this manager loads or issues; zero uses certificate.DefaultRenewalWindow.
	RenewalWindow time.Duration
	// RenewalSweepInterval is how often the control loop scans the store
	// for renew_needed entries; zero uses DefaultRenewalSweepInterval.
	RenewalSweepInterval time.Duration
	// CheckRetries/CheckInterval bound how long Issue waits for an ACME
	// order to finalize; zero uses the package defaults.
	CheckRetries  int
	CheckInterval time.Duration

	// NegativeCache, if set, backs the control loop's issuance backoff:
	// a tenancy that just failed issuance is skipped on the next Load
	// until its entry expires. Never consulted by Get/GetConfig: a
	// cached failure can never hide or fabricate a live certificate.
	// Nil disables the backoff (every failed Load retries immediately).
	NegativeCache cache.Cache[string, time.Time]

	// ACME enables ACME issuance. Nil disables it: no code path may call
	// the ACME adapter when this is unset.
	ACME *ACMEConfig
}

// loopHandle is owned only by the constructing Manager instance; clones
// share everything else but never this, so only the original (or
// cancelling the ctx passed to New) can stop the control loop.
type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager is the public façade over the certificate store, the
// challenge registry, and the ACME adapter configuration; it owns the
// command channel and the control loop.
type Manager struct {
	storage  db.Storage
	logger   *slog.Logger
	notifier notify.Notifier

	store      *store
	challenges *challenge.Registry

	renewalWindow        time.Duration
	renewalSweepInterval time.Duration
	checkRetries         int
	checkInterval        time.Duration
	negativeCache        cache.Cache[string, time.Time]

	acmeEnabled    bool
	challengeType  acme.ChallengeType
	directoryURL   string
	defaultAccount *acme.Account

	sendCh chan Message
	handle *loopHandle
}

// New constructs a Manager and spawns its control loop, bound to ctx:
// cancelling ctx (or calling (*Manager).Stop) stops the loop. If
// cfg.ACME is set, New validates the contact email and obtains a default
// ACME account from storage, creating and persisting one via the ACME
// adapter if storage has none.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("certmanager: storage is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "certmanager")

	m := &Manager{
		storage:              cfg.Storage,
		logger:               logger,
		notifier:             cfg.Notifier,
		store:                newStore(),
		challenges:           challenge.NewRegistry(),
		renewalWindow:        cfg.RenewalWindow,
		renewalSweepInterval: cfg.RenewalSweepInterval,
		checkRetries:         cfg.CheckRetries,
		checkInterval:        cfg.CheckInterval,
		negativeCache:        cfg.NegativeCache,
		sendCh:               make(chan Message, 64),
	}
	if m.renewalWindow <= 0 {
		m.renewalWindow = certificate.DefaultRenewalWindow
	}
	if m.renewalSweepInterval <= 0 {
		m.renewalSweepInterval = DefaultRenewalSweepInterval
	}
	if m.checkRetries <= 0 {
		m.checkRetries = DefaultCheckRetries
	}
	if m.checkInterval <= 0 {
		m.checkInterval = DefaultCheckInterval
	}
	if m.notifier == nil {
		m.notifier = notify.NewNilNotifier()
	}

	if cfg.ACME != nil {
		if _, err := mail.ParseAddress(cfg.ACME.ContactEmail); err != nil {
			return nil, fmt.Errorf("%w: %v", acme.ErrInvalidEmail, err)
		}

		account, err := cfg.Storage.GetDefaultAccount(ctx)
		if errors.Is(err, db.ErrNotFound) {
			var newAccount *acme.Account
			_, newAccount, err = acme.New(ctx, cfg.ACME.ContactEmail, cfg.ACME.DirectoryURL, cfg.ACME.ChallengeType)
			if err != nil {
				return nil, err
			}
			if err := cfg.Storage.SetDefaultAccount(ctx, newAccount); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrStorage, err)
			}
			account = newAccount
		} else if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}

		m.acmeEnabled = true
		m.challengeType = cfg.ACME.ChallengeType
		m.directoryURL = cfg.ACME.DirectoryURL
		m.defaultAccount = account
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.handle = &loopHandle{cancel: cancel, done: make(chan struct{})}
	go m.runLoop(loopCtx)

	return m, nil
}

// Clone returns a façade sharing the store, the challenge registry, the
// storage backend, and the command channel with m, but not m's control
// loop handle: clones cannot stop or be relied on to keep the loop
// running.
func (m *Manager) Clone() *Manager {
	clone := *m
	clone.handle = nil
	return &clone
}

// Name identifies this component for Daemon-style lifecycle management.
func (m *Manager) Name() string { return "certmanager" }

// Start is a no-op: New already spawned the control loop. It exists so
// Manager satisfies the same Start/Stop/Name shape the rest of this
// module's daemons use for registration with server.Server.
func (m *Manager) Start() error { return nil }

// Stop cancels the control loop and waits for it to exit, up to ctx's
// deadline. Calling Stop on a clone is a no-op: clones own no loop.
func (m *Manager) Stop(ctx context.Context) error {
	if m.handle == nil {
		return nil
	}
	m.handle.cancel()
	select {
	case <-m.handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetServiceSender returns a producer handle for the command channel.
func (m *Manager) GetServiceSender() Sender {
	return Sender{ch: m.sendCh}
}

// IsACMEEnabled reports whether this manager was constructed with ACME
// info.
func (m *Manager) IsACMEEnabled() bool { return m.acmeEnabled }

// ACMEType returns the configured challenge type. ok is false when ACME
// is disabled.
func (m *Manager) ACMEType() (t acme.ChallengeType, ok bool) {
	return m.challengeType, m.acmeEnabled
}

// Get returns the TLS server configuration to serve for domain via SNI.
// It fails with ErrCertificateNotFound if no tenancy is currently indexed
// under domain.
func (m *Manager) Get(domain string) (*tls.Config, error) {
	cfg, ok := m.store.getConfig(domain)
	if !ok {
		return nil, ErrCertificateNotFound
	}
	return cfg, nil
}

// GetACMEHTTPChallenge serves the HTTP-01 side channel: returns the
// token and key authorization registered for domain.
func (m *Manager) GetACMEHTTPChallenge(domain string) (token, keyAuth string, err error) {
	return m.challenges.HTTP01Challenge(domain)
}

// GetACMETLSChallenge serves the TLS-ALPN-01 side channel: returns the
// TLS server configuration registered for domain.
func (m *Manager) GetACMETLSChallenge(domain string) (*tls.Config, error) {
	return m.challenges.TLSALPN01Challenge(domain)
}

// LoadToMemory fetches the tenancy's certificate from storage and, if it
// is not already due for renewal, inserts it into the store. A
// certificate within its renewal window is never inserted; callers
// (the control loop, or direct callers) are expected to trigger Issue.
func (m *Manager) LoadToMemory(ctx context.Context, key db.TenancyKey, domains []string) error {
	rec, _, err := m.storage.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	cert, err := certificate.New(rec.KeyPEM, rec.ChainPEM, m.renewalWindow)
	if err != nil {
		return fmt.Errorf("%w: %v", certificate.ErrInvalidCertificate, err)
	}
	if cert.RenewNeeded() {
		return ErrCertificateRenewalRequired
	}

	m.store.insert(key, domains, cert)
	return nil
}

// UnloadFromMemory removes the tenancy's certificate from the store. It
// never fails.
func (m *Manager) UnloadFromMemory(key db.TenancyKey) {
	m.store.remove(key)
}

// Issue performs one ACME issuance attempt for key/domains: resolve the
// account, open an order, satisfy its challenges, wait for it to
// finalize, and persist the result. Whatever the outcome, every
// challenge this call registered is removed from the registry before it
// returns.
func (m *Manager) Issue(ctx context.Context, key db.TenancyKey, domains []string, account *acme.Account, suggestedKeyPEM []byte) error {
	effective, err := m.effectiveAccount(ctx, key, account)
	if err != nil {
		return err
	}

	adapter, err := acme.FromAccount(effective, m.directoryURL, m.challengeType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrACMEFailed, err)
	}

	issued, shortCircuit, order, err := adapter.NewOrder(ctx, domains, suggestedKeyPEM)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrACMEFailed, err)
	}
	if shortCircuit {
		return m.persistIssued(ctx, key, account, issued)
	}

	var registered []string
	defer func() {
		for _, d := range registered {
			m.challenges.Remove(d)
		}
	}()

	var domainChallenges []acme.DomainChallenge
	switch m.challengeType {
	case acme.HTTP01:
		domainChallenges, err = adapter.GetHTTP01Challenges(ctx, order)
	case acme.TLSALPN01:
		domainChallenges, err = adapter.GetTLSALPN01Challenges(ctx, order)
	default:
		err = fmt.Errorf("unknown challenge type %v", m.challengeType)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrACMEFailed, err)
	}

	for _, dc := range domainChallenges {
		m.challenges.Put(dc.Domain, dc.Challenge)
		registered = append(registered, dc.Domain)
	}

	issued, err = adapter.CheckChallenge(ctx, order, m.checkRetries, m.checkInterval)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrACMEFailed, err)
	}

	return m.persistIssued(ctx, key, account, issued)
}

func (m *Manager) persistIssued(ctx context.Context, key db.TenancyKey, account *acme.Account, issued *acme.Issued) error {
	cert, err := certificate.New(issued.PrivateKeyPEM, issued.CertificatePEM, m.renewalWindow)
	if err != nil {
		return fmt.Errorf("%w: issued certificate invalid: %v", ErrACMEFailed, err)
	}

	rec := db.CertificateRecord{
		ChainPEM:  issued.CertificatePEM,
		KeyPEM:    issued.PrivateKeyPEM,
		IssuedAt:  time.Now(),
		ExpiresAt: cert.NotAfter(),
	}
	if err := m.storage.Put(ctx, key, account, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrACMEFailed, err)
	}
	return nil
}

// effectiveAccount resolves the account Issue should use: the explicit
// argument, then the tenancy's storage override, then the manager
// default. Without a configured challenge type no account helps: the
// adapter must never be reached on a manager constructed without ACME.
func (m *Manager) effectiveAccount(ctx context.Context, key db.TenancyKey, explicit *acme.Account) (*acme.Account, error) {
	if !m.acmeEnabled {
		return nil, ErrACMEDisabled
	}
	if explicit != nil {
		return explicit, nil
	}

	override, err := m.storage.GetAcmeAccount(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if override != nil {
		return override, nil
	}

	if m.defaultAccount == nil {
		return nil, ErrACMEDisabled
	}
	return m.defaultAccount, nil
}
