package acme

import (
	"crypto"
	"encoding/json"
	"fmt"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/registration"
)

// acmeUser implements lego's registration.User interface.
type acmeUser struct {
	Email        string
	Registration *registration.Resource
	PrivateKey   crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.Email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.Registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.PrivateKey }

// Account is the opaque credential blob passed between the persistence
// backend and the ACME adapter. The manager and storage layer never look
// inside it; only this package marshals/unmarshals it.
type Account struct {
	Email            string `json:"email"`
	PrivateKeyPEM    []byte `json:"private_key_pem"`
	RegistrationJSON []byte `json:"registration_json,omitempty"`
}

// Marshal serializes the account to the opaque blob persisted by the
// storage backend.
func (a *Account) Marshal() ([]byte, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to marshal account: %w", err)
	}
	return b, nil
}

// UnmarshalAccount parses a blob previously produced by Account.Marshal.
func UnmarshalAccount(blob []byte) (*Account, error) {
	var a Account
	if err := json.Unmarshal(blob, &a); err != nil {
		return nil, fmt.Errorf("acme: failed to unmarshal account: %w", err)
	}
	return &a, nil
}

func (a *Account) toACMEUser() (*acmeUser, error) {
	key, err := certcrypto.ParsePEMPrivateKey(a.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to parse account private key: %w", err)
	}

	u := &acmeUser{Email: a.Email, PrivateKey: key}
	if len(a.RegistrationJSON) > 0 {
		var reg registration.Resource
		if err := json.Unmarshal(a.RegistrationJSON, &reg); err != nil {
			return nil, fmt.Errorf("acme: failed to unmarshal account registration: %w", err)
		}
		u.Registration = &reg
	}
	return u, nil
}

func fromACMEUser(u *acmeUser) (*Account, error) {
	keyPEM := certcrypto.PEMEncode(u.PrivateKey.(crypto.Signer))

	a := &Account{Email: u.Email, PrivateKeyPEM: keyPEM}
	if u.Registration != nil {
		regJSON, err := json.Marshal(u.Registration)
		if err != nil {
			return nil, fmt.Errorf("acme: failed to marshal account registration: %w", err)
		}
		a.RegistrationJSON = regJSON
	}
	return a, nil
}
