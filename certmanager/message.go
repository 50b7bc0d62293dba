package certmanager

import "github.com/narrowlink/gateway/db"

// kind discriminates the two variants of Message. Pattern matching on
// Kind is the only discrimination mechanism; there is no dynamic
// dispatch, matching the tagged-union style the rest of this module
// uses for challenge.Challenge and acme.ChallengeType.
type kind int

const (
	kindLoad kind = iota
	kindUnload
)

// Message is the tagged union carried over the control loop's command
// channel: either a Load request carrying the domains to serve for a
// tenancy, or an Unload request carrying just the tenancy key. Domains is
// only meaningful when Kind is Load.
type Message struct {
	kind    kind
	Key     db.TenancyKey
	Domains []string
}

// LoadMessage builds a Load command for the tenancy key and domains.
func LoadMessage(key db.TenancyKey, domains []string) Message {
	return Message{kind: kindLoad, Key: key, Domains: domains}
}

// UnloadMessage builds an Unload command for the tenancy key.
func UnloadMessage(key db.TenancyKey) Message {
	return Message{kind: kindUnload, Key: key}
}

func (m Message) isLoad() bool   { return m.kind == kindLoad }
func (m Message) isUnload() bool { return m.kind == kindUnload }

// Sender is the producer handle returned for enqueuing commands on the
// control loop. It is cheaply copyable and safe for concurrent use by
// multiple producers; the underlying channel is buffered, not unbounded.
type Sender struct {
	ch chan<- Message
}

// Load enqueues a Load command.
func (s Sender) Load(key db.TenancyKey, domains []string) {
	s.ch <- LoadMessage(key, domains)
}

// Unload enqueues an Unload command.
func (s Sender) Unload(key db.TenancyKey) {
	s.ch <- UnloadMessage(key)
}
