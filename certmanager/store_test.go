package certmanager

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/narrowlink/gateway/certificate"
	"github.com/narrowlink/gateway/db"
)

func newTestCert(t *testing.T, dnsNames []string, notAfter time.Time) *certificate.Certificate {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		DNSNames:     dnsNames,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	chainPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := certificate.New(keyPEM, chainPEM, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("certificate.New: %v", err)
	}
	return cert
}

func TestStoreInsertGetConfigRemove(t *testing.T) {
	s := newStore()
	key := db.TenancyKey{UID: "t1", AgentName: "a1"}
	cert := newTestCert(t, []string{"example.com"}, time.Now().Add(90*24*time.Hour))

	if _, ok := s.getConfig("example.com"); ok {
		t.Fatal("expected miss before insert")
	}

	s.insert(key, []string{"example.com"}, cert)

	cfg, ok := s.getConfig("example.com")
	if !ok || cfg == nil {
		t.Fatal("expected hit after insert")
	}
	if _, ok := s.getConfig("other.com"); ok {
		t.Fatal("expected miss for unrelated domain")
	}

	s.remove(key)
	if _, ok := s.getConfig("example.com"); ok {
		t.Fatal("expected miss after remove")
	}
	if len(s.domainIndex) != 0 {
		t.Fatalf("domainIndex not empty after remove: %v", s.domainIndex)
	}
}

// TestStoreRoundTrip verifies insert then remove restores prior state.
func TestStoreRoundTrip(t *testing.T) {
	s := newStore()
	key := db.TenancyKey{UID: "t1", AgentName: "a1"}
	cert := newTestCert(t, []string{"a.com", "b.com"}, time.Now().Add(90*24*time.Hour))

	before := len(s.certs)
	s.insert(key, []string{"a.com", "b.com"}, cert)
	s.remove(key)

	if len(s.certs) != before || len(s.domainIndex) != 0 {
		t.Fatalf("store not restored to prior state: certs=%v domainIndex=%v", s.certs, s.domainIndex)
	}
}

func TestStoreReinsertNarrowsDomainIndex(t *testing.T) {
	s := newStore()
	key := db.TenancyKey{UID: "t1", AgentName: "a1"}
	cert1 := newTestCert(t, []string{"a.com", "b.com"}, time.Now().Add(90*24*time.Hour))
	cert2 := newTestCert(t, []string{"b.com"}, time.Now().Add(90*24*time.Hour))

	s.insert(key, []string{"a.com", "b.com"}, cert1)
	s.insert(key, []string{"b.com"}, cert2)

	if _, ok := s.getConfig("a.com"); ok {
		t.Fatal("a.com should have been pruned from domain index on re-insert")
	}
	if _, ok := s.getConfig("b.com"); !ok {
		t.Fatal("b.com should still resolve")
	}
}

func TestStoreGetConfigTieBreakMostRecentlyInserted(t *testing.T) {
	s := newStore()
	keyOld := db.TenancyKey{UID: "t1", AgentName: "old"}
	keyNew := db.TenancyKey{UID: "t1", AgentName: "new"}
	certOld := newTestCert(t, []string{"shared.com"}, time.Now().Add(90*24*time.Hour))
	certNew := newTestCert(t, []string{"shared.com"}, time.Now().Add(90*24*time.Hour))

	s.insert(keyOld, []string{"shared.com"}, certOld)
	s.insert(keyNew, []string{"shared.com"}, certNew)

	cfg, ok := s.getConfig("shared.com")
	if !ok {
		t.Fatal("expected hit")
	}
	if cfg != certNew.Config() {
		t.Fatal("expected the most recently inserted tenancy's config")
	}
}

func TestStoreInsertEmptyDomainsUnservable(t *testing.T) {
	s := newStore()
	key := db.TenancyKey{UID: "t1", AgentName: "a1"}
	cert := newTestCert(t, []string{"example.com"}, time.Now().Add(90*24*time.Hour))

	s.insert(key, nil, cert)

	if _, ok := s.getConfig("example.com"); ok {
		t.Fatal("certificate inserted with no domains must never be servable")
	}
}

func TestStoreRenewNeeded(t *testing.T) {
	s := newStore()
	keyFresh := db.TenancyKey{UID: "t1", AgentName: "fresh"}
	keyStale := db.TenancyKey{UID: "t1", AgentName: "stale"}

	fresh := newTestCert(t, []string{"fresh.com"}, time.Now().Add(90*24*time.Hour))
	stale := newTestCert(t, []string{"stale.com"}, time.Now().Add(time.Hour))

	s.insert(keyFresh, []string{"fresh.com"}, fresh)
	s.insert(keyStale, []string{"stale.com"}, stale)

	entries := s.renewNeeded()
	if len(entries) != 1 || entries[0].Key != keyStale {
		t.Fatalf("renewNeeded() = %+v, want only %+v", entries, keyStale)
	}
}
