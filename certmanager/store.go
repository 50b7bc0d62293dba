package certmanager

import (
	"crypto/tls"
	"sync"

	"github.com/narrowlink/gateway/certificate"
	"github.com/narrowlink/gateway/db"
)

// renewalEntry is one item of the renewNeeded snapshot: a tenancy whose
// loaded certificate reports RenewNeeded, paired with the domain list it
// was loaded under (so the control loop can re-enqueue a Load for it).
type renewalEntry struct {
	Key     db.TenancyKey
	Domains []string
}

// store is the in-memory certificate index: a map from tenancy to its
// currently-loaded certificate, plus a reverse domain→tenancy multi-map
// for SNI lookups. Guarded by a plain sync.RWMutex; no external I/O is
// ever performed while the lock is held.
type store struct {
	mu sync.RWMutex

	certs       map[db.TenancyKey]*certificate.Certificate
	domainsOf   map[db.TenancyKey][]string
	domainIndex map[string][]db.TenancyKey
}

func newStore() *store {
	return &store{
		certs:       make(map[db.TenancyKey]*certificate.Certificate),
		domainsOf:   make(map[db.TenancyKey][]string),
		domainIndex: make(map[string][]db.TenancyKey),
	}
}

// insert writes cert under key and (re)indexes it under domains,
// replacing any prior entry for key. Re-inserting the same key with a
// different domain list removes it from domains it no longer covers and
// moves it to the most-recently-inserted position for every domain it
// still covers or newly covers: on a domain collision between
// tenancies, the most recently inserted one wins (see DESIGN.md).
func (s *store) insert(key db.TenancyKey, domains []string, cert *certificate.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.domainsOf[key]; ok {
		for _, d := range old {
			s.removeFromIndexLocked(d, key)
		}
	}

	s.certs[key] = cert
	if len(domains) == 0 {
		delete(s.domainsOf, key)
		return
	}
	s.domainsOf[key] = domains

	for _, d := range domains {
		s.removeFromIndexLocked(d, key) // dedupe before re-appending at the end
		s.domainIndex[d] = append(s.domainIndex[d], key)
	}
}

// remove deletes key's certificate and prunes it from every domain set it
// was indexed under, pruning any domain set left empty.
func (s *store) remove(key db.TenancyKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	domains := s.domainsOf[key]
	delete(s.certs, key)
	delete(s.domainsOf, key)
	for _, d := range domains {
		s.removeFromIndexLocked(d, key)
	}
}

func (s *store) removeFromIndexLocked(domain string, key db.TenancyKey) {
	keys := s.domainIndex[domain]
	for i, k := range keys {
		if k == key {
			keys = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(keys) == 0 {
		delete(s.domainIndex, domain)
		return
	}
	s.domainIndex[domain] = keys
}

// getConfig returns the TLS server configuration of the most recently
// inserted tenancy still indexed under domain. A miss is not an error at
// this layer; ok is false.
func (s *store) getConfig(domain string) (cfg *tls.Config, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.domainIndex[domain]
	if len(keys) == 0 {
		return nil, false
	}
	key := keys[len(keys)-1]
	cert, found := s.certs[key]
	if !found {
		return nil, false
	}
	return cert.Config(), true
}

// renewNeeded snapshots every tenancy whose loaded certificate reports
// RenewNeeded and has a non-empty domain list.
func (s *store) renewNeeded() []renewalEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []renewalEntry
	for key, cert := range s.certs {
		domains := s.domainsOf[key]
		if len(domains) == 0 {
			continue
		}
		if cert.RenewNeeded() {
			out = append(out, renewalEntry{Key: key, Domains: append([]string(nil), domains...)})
		}
	}
	return out
}
