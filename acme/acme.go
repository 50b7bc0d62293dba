// Package acme wraps github.com/go-acme/lego/v4 behind a discrete
// state-machine shape: create/load account, open an order, fetch
// per-domain challenges, then check/finalize. lego's public API only
// exposes this as a single blocking Obtain call driven by Present/CleanUp
// hooks, so Adapter runs Obtain in a background goroutine and uses a
// custom challenge.Provider to publish each presented challenge and then
// hold it open until CheckChallenge releases it; see DESIGN.md.
package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net/mail"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	legochallenge "github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/tlsalpn01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/narrowlink/gateway/challenge"
)

// ChallengeType enumerates the supported ACME challenge mechanisms.
type ChallengeType int

const (
	HTTP01 ChallengeType = iota
	TLSALPN01
)

var (
	// ErrInvalidEmail is returned by New when contact_email fails RFC 5322
	// parsing.
	ErrInvalidEmail = errors.New("acme: invalid email")
	// ErrUnavailable wraps network/directory failures from the ACME server.
	ErrUnavailable = errors.New("acme: directory unavailable")
	// ErrFailed wraps order, challenge, or finalization failures.
	ErrFailed = errors.New("acme: issuance failed")
)

// DomainChallenge pairs a domain with the challenge payload the order
// produced for it.
type DomainChallenge struct {
	Domain    string
	Challenge challenge.Challenge
}

// Adapter is the only component in this module that speaks ACME.
type Adapter struct {
	client        *lego.Client
	user          *acmeUser
	challengeType ChallengeType
	directoryURL  string

	provider *memoryProvider
}

// New registers a fresh ACME account with directoryURL for contact_email
// and returns an adapter bound to it, plus the account blob the caller
// must persist.
func New(ctx context.Context, contactEmail, directoryURL string, challengeType ChallengeType) (*Adapter, *Account, error) {
	if _, err := mail.ParseAddress(contactEmail); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("acme: failed to generate account key: %w", err)
	}

	user := &acmeUser{Email: contactEmail, PrivateKey: key}
	adapter, err := newAdapter(user, directoryURL, challengeType)
	if err != nil {
		return nil, nil, err
	}

	reg, err := adapter.client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: registration failed: %v", ErrUnavailable, err)
	}
	user.Registration = reg

	account, err := fromACMEUser(user)
	if err != nil {
		return nil, nil, err
	}
	return adapter, account, nil
}

// FromAccount restores an adapter bound to a previously persisted account,
// without performing any network I/O.
func FromAccount(account *Account, directoryURL string, challengeType ChallengeType) (*Adapter, error) {
	user, err := account.toACMEUser()
	if err != nil {
		return nil, err
	}
	return newAdapter(user, directoryURL, challengeType)
}

func newAdapter(user *acmeUser, directoryURL string, challengeType ChallengeType) (*Adapter, error) {
	legoConfig := lego.NewConfig(user)
	legoConfig.CADirURL = directoryURL
	legoConfig.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(legoConfig)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to create client: %w", err)
	}

	provider := newMemoryProvider(challengeType)

	var setErr error
	switch challengeType {
	case HTTP01:
		setErr = client.Challenge.SetHTTP01Provider(provider)
	case TLSALPN01:
		setErr = client.Challenge.SetTLSALPN01Provider(provider)
	default:
		return nil, fmt.Errorf("acme: unknown challenge type %d", challengeType)
	}
	if setErr != nil {
		return nil, fmt.Errorf("acme: failed to set challenge provider: %w", setErr)
	}

	return &Adapter{
		client:        client,
		user:          user,
		challengeType: challengeType,
		directoryURL:  directoryURL,
		provider:      provider,
	}, nil
}

// Order is a single in-flight issuance started by NewOrder.
type Order struct {
	domains []string

	// presented receives one entry per domain as lego calls Present for
	// it; closed once all domains have reported in.
	presented chan DomainChallenge
	// release, once closed, lets every blocked Present call return so
	// lego can proceed to notify the CA and poll the order.
	release chan struct{}
	// result carries the final Obtain outcome.
	result chan obtainResult

	releaseOnce sync.Once
}

type obtainResult struct {
	resource *certificate.Resource
	err      error
}

// Issued is the PEM material CheckChallenge returns on a finalized order:
// the certificate chain and the private key the CSR was signed with (the
// suggested key, if one was supplied, otherwise the one lego generated).
type Issued struct {
	CertificatePEM []byte
	PrivateKeyPEM  []byte
}

// NewOrder opens an ACME order for domains. lego's client does not expose
// a pre-validation order cache to short-circuit on, so on success this
// always reports shortCircuit=false and starts the background Obtain
// that GetHTTP01Challenges / GetTLSALPN01Challenges / CheckChallenge
// drive to completion.
func (a *Adapter) NewOrder(ctx context.Context, domains []string, suggestedKeyPEM []byte) (issued *Issued, shortCircuit bool, o *Order, err error) {
	if len(domains) == 0 {
		return nil, false, nil, fmt.Errorf("%w: no domains", ErrFailed)
	}

	var privKey crypto.PrivateKey
	if len(suggestedKeyPEM) > 0 {
		privKey, err = certcrypto.ParsePEMPrivateKey(suggestedKeyPEM)
		if err != nil {
			return nil, false, nil, fmt.Errorf("%w: invalid suggested key: %v", ErrFailed, err)
		}
	}

	ord := &Order{
		domains:   domains,
		presented: make(chan DomainChallenge, len(domains)),
		release:   make(chan struct{}),
		result:    make(chan obtainResult, 1),
	}
	a.provider.beginOrder(ord)

	go func() {
		req := certificate.ObtainRequest{
			Domains:    domains,
			Bundle:     true,
			PrivateKey: privKey,
		}
		resource, obtainErr := a.client.Certificate.Obtain(req)
		a.provider.endOrder(ord)
		ord.result <- obtainResult{resource: resource, err: obtainErr}
	}()

	return nil, false, ord, nil
}

// GetHTTP01Challenges blocks until lego has presented an HTTP-01
// challenge for every domain in the order, then returns them.
func (a *Adapter) GetHTTP01Challenges(ctx context.Context, o *Order) ([]DomainChallenge, error) {
	return a.collectChallenges(ctx, o, challenge.HTTP01)
}

// GetTLSALPN01Challenges blocks until lego has presented a TLS-ALPN-01
// challenge for every domain in the order, then returns them.
func (a *Adapter) GetTLSALPN01Challenges(ctx context.Context, o *Order) ([]DomainChallenge, error) {
	return a.collectChallenges(ctx, o, challenge.TLSALPN01)
}

func (a *Adapter) collectChallenges(ctx context.Context, o *Order, want challenge.Type) ([]DomainChallenge, error) {
	out := make([]DomainChallenge, 0, len(o.domains))
	for len(out) < len(o.domains) {
		select {
		case dc, ok := <-o.presented:
			if !ok {
				return out, nil
			}
			if dc.Challenge.Type != want {
				return nil, fmt.Errorf("%w: unexpected challenge variant for %s", ErrFailed, dc.Domain)
			}
			out = append(out, dc)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// CheckChallenge notifies the directory that every challenge in o is
// ready and waits for the order to finalize, retrying up to retries times
// spaced interval apart before lego itself reports failure. In practice
// lego owns the notify+poll loop internally once Present returns, so
// retries/interval here bound how long this call waits for that internal
// loop rather than driving separate poll attempts themselves.
func (a *Adapter) CheckChallenge(ctx context.Context, o *Order, retries int, interval time.Duration) (*Issued, error) {
	o.releaseOnce.Do(func() { close(o.release) })

	deadline := time.Duration(retries) * interval
	if deadline <= 0 {
		deadline = 5 * 10 * time.Second
	}

	select {
	case res := <-o.result:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailed, res.err)
		}
		return &Issued{CertificatePEM: res.resource.Certificate, PrivateKeyPEM: res.resource.PrivateKey}, nil
	case <-time.After(deadline):
		return nil, fmt.Errorf("%w: timed out waiting for order to finalize", ErrFailed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// memoryProvider is the lego challenge.Provider that turns Present/CleanUp
// callbacks into the NewOrder/GetChallenges/CheckChallenge shape above.
// It never touches disk or DNS; it only holds challenges in memory,
// grounded on the basecamp-kamal-proxy memoryHTTP01Provider pattern.
type memoryProvider struct {
	challengeType ChallengeType

	mu      sync.Mutex
	current *Order
}

var _ legochallenge.Provider = (*memoryProvider)(nil)

func newMemoryProvider(t ChallengeType) *memoryProvider {
	return &memoryProvider{challengeType: t}
}

func (p *memoryProvider) beginOrder(o *Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = o
}

func (p *memoryProvider) endOrder(o *Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == o {
		p.current = nil
	}
}

func (p *memoryProvider) Present(domain, token, keyAuth string) error {
	p.mu.Lock()
	o := p.current
	p.mu.Unlock()
	if o == nil {
		return fmt.Errorf("acme: Present called for %s with no active order", domain)
	}

	var c challenge.Challenge
	switch p.challengeType {
	case HTTP01:
		c = challenge.Challenge{Type: challenge.HTTP01, Token: token, KeyAuthorization: keyAuth}
	case TLSALPN01:
		cert, err := tlsalpn01.ChallengeCert(domain, keyAuth)
		if err != nil {
			return fmt.Errorf("acme: failed to build tls-alpn-01 certificate for %s: %w", domain, err)
		}
		c = challenge.Challenge{
			Type: challenge.TLSALPN01,
			TLSConfig: &tls.Config{
				Certificates: []tls.Certificate{*cert},
				NextProtos:   []string{tlsalpn01.ACMETLS1Protocol},
			},
		}
	}

	o.presented <- DomainChallenge{Domain: domain, Challenge: c}

	<-o.release
	return nil
}

func (p *memoryProvider) CleanUp(domain, token, keyAuth string) error {
	return nil
}
